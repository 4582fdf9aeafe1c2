package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

const testPassword = "Correct-Horse-42"

type fixture struct {
	ctrl  *Controller
	store *storage.MemoryStorage
	rec   *events.Recorder
	clock *fakeClock
	users map[string]*models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	rec := events.NewRecorder()
	ctrl, err := NewController(store.Users(), []byte("test-secret-key-32-bytes-long!!"), rec, Config{BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatal(err)
	}
	clock := newFakeClock()
	ctrl.SetClock(clock.Now)

	f := &fixture{ctrl: ctrl, store: store, rec: rec, clock: clock, users: map[string]*models.User{}}
	for name, role := range map[string]models.Role{
		"alice": models.RoleUser,
		"bob":   models.RolePremium,
		"root":  models.RoleAdmin,
	} {
		u, err := ctrl.CreateUser(context.Background(), name, testPassword, role)
		if err != nil {
			t.Fatalf("CreateUser %s: %v", name, err)
		}
		f.users[name] = u
	}
	return f
}

func (f *fixture) login(t *testing.T, username string) *models.AccessContext {
	t.Helper()
	ac, err := f.ctrl.CreateAccessContext(context.Background(), models.Credentials{Username: username, Password: testPassword})
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return ac
}

func TestCreateAccessContext(t *testing.T) {
	f := newFixture(t)
	ac := f.login(t, "alice")

	if ac.UserID != f.users["alice"].ID || ac.Role != models.RoleUser {
		t.Errorf("context identity: %+v", ac)
	}
	if ac.Token == "" || ac.SessionID == "" {
		t.Error("context should carry a session and token")
	}
	if got := ac.ExpiresAt.Sub(ac.IssuedAt); got != DefaultSessionTTL {
		t.Errorf("lifetime: got %v, want %v", got, DefaultSessionTTL)
	}
	if f.rec.Count(models.EventAuthSucceeded) != 1 {
		t.Error("login should emit auth_succeeded")
	}
}

func TestCreateAccessContext_BadCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds models.Credentials
	}{
		{"wrong password", models.Credentials{Username: "alice", Password: "Wrong-Horse-42"}},
		{"unknown user", models.Credentials{Username: "nobody", Password: testPassword}},
		{"empty", models.Credentials{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.ctrl.CreateAccessContext(context.Background(), tt.creds)
			if secerr.ReasonOf(err) != secerr.ReasonInvalidCredentials {
				t.Errorf("expected invalid-credentials, got %v", err)
			}
		})
	}
}

func TestCreateAccessContext_DisabledUser(t *testing.T) {
	f := newFixture(t)
	u := f.users["alice"]
	u.Disabled = true
	if err := f.store.Users().Update(context.Background(), u); err != nil {
		t.Fatal(err)
	}

	_, err := f.ctrl.CreateAccessContext(context.Background(), models.Credentials{Username: "alice", Password: testPassword})
	if !errors.Is(err, secerr.ErrAccessDenied) {
		t.Errorf("disabled user login: got %v", err)
	}
}

func TestCreateAccessContext_Lockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := models.Credentials{Username: "alice", Password: "Wrong-Horse-42"}

	for i := 0; i < DefaultLockoutThreshold; i++ {
		if _, err := f.ctrl.CreateAccessContext(ctx, bad); secerr.ReasonOf(err) != secerr.ReasonInvalidCredentials {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	_, err := f.ctrl.CreateAccessContext(ctx, models.Credentials{Username: "alice", Password: testPassword})
	var secErr *secerr.Error
	if !errors.As(err, &secErr) || secErr.Reason != secerr.ReasonLocked {
		t.Fatalf("expected locked, got %v", err)
	}
	if secErr.RetryAfter != DefaultLockoutDuration {
		t.Errorf("retry after: got %v", secErr.RetryAfter)
	}

	failed := f.rec.OfType(models.EventAuthFailed)
	if len(failed) != DefaultLockoutThreshold+1 {
		t.Fatalf("auth_failed events: %d", len(failed))
	}
	if failed[DefaultLockoutThreshold-1].Severity != models.SeverityHigh {
		t.Error("the locking failure should be high severity")
	}

	f.clock.Advance(DefaultLockoutDuration)
	f.login(t, "alice")
}

func TestValidateAccess(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	root := f.login(t, "root")
	system, err := f.ctrl.IssueSystemContext(context.Background(), "integrity-monitor")
	if err != nil {
		t.Fatal(err)
	}
	aliceID := f.users["alice"].ID

	tests := []struct {
		name   string
		ac     *models.AccessContext
		op     models.Operation
		owner  string
		reason string
	}{
		{"owner reads own record", alice, models.OpRetrieve, aliceID, ""},
		{"owner deletes own record", alice, models.OpDelete, aliceID, ""},
		{"other user denied", bob, models.OpRetrieve, aliceID, secerr.ReasonWrongOwner},
		{"unknown record looks foreign", alice, models.OpRetrieve, "", secerr.ReasonWrongOwner},
		{"user cannot run diagnostics", alice, models.OpDiagnostics, aliceID, secerr.ReasonRoleForbidden},
		{"premium cannot bypass", bob, models.OpBypass, f.users["bob"].ID, secerr.ReasonRoleForbidden},
		{"admin reads any record", root, models.OpRetrieve, aliceID, ""},
		{"admin manages alerts", root, models.OpAlerts, "", ""},
		{"system reads any record", system, models.OpRetrieve, aliceID, ""},
		{"system cannot manage alerts", system, models.OpAlerts, "", secerr.ReasonRoleForbidden},
		{"nil context", nil, models.OpRetrieve, aliceID, secerr.ReasonInvalidCredentials},
		{"forged role", &models.AccessContext{UserID: alice.UserID, SessionID: alice.SessionID, Role: models.RoleAdmin}, models.OpRetrieve, "x", secerr.ReasonRevoked},
		{"unknown session", &models.AccessContext{UserID: aliceID, SessionID: "made-up", Role: models.RoleUser}, models.OpRetrieve, aliceID, secerr.ReasonRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.rec.Reset()
			err := f.ctrl.ValidateAccess(context.Background(), tt.ac, tt.op, tt.owner)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("expected access, got %v", err)
				}
				if f.rec.Count(models.EventAccessGranted) != 1 {
					t.Error("grant should be audited")
				}
				return
			}
			if !errors.Is(err, secerr.ErrAccessDenied) || secerr.ReasonOf(err) != tt.reason {
				t.Fatalf("expected %s, got %v", tt.reason, err)
			}
			denied := f.rec.OfType(models.EventAccessDenied)
			if len(denied) != 1 || denied[0].Detail("reason") != tt.reason {
				t.Errorf("denial should be audited: %+v", denied)
			}
		})
	}
}

func TestValidateAccess_Expired(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	f.clock.Advance(DefaultSessionTTL - time.Second)
	if err := f.ctrl.ValidateAccess(context.Background(), alice, models.OpStatus, alice.UserID); err != nil {
		t.Fatalf("context should still be valid: %v", err)
	}

	f.clock.Advance(time.Second)
	err := f.ctrl.ValidateAccess(context.Background(), alice, models.OpStatus, alice.UserID)
	if secerr.ReasonOf(err) != secerr.ReasonExpired {
		t.Errorf("expected expired, got %v", err)
	}
}

func TestValidateAccess_ExpiredAfterSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.login(t, "alice")

	f.clock.Advance(2*DefaultSessionTTL + time.Minute)
	if n := f.ctrl.Sweep(); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}

	err := f.ctrl.ValidateAccess(ctx, alice, models.OpRetrieve, alice.UserID)
	if secerr.ReasonOf(err) != secerr.ReasonExpired {
		t.Errorf("ValidateAccess after sweep = %v, want expired", err)
	}
	if _, err := f.ctrl.Refresh(ctx, alice); secerr.ReasonOf(err) != secerr.ReasonExpired {
		t.Errorf("Refresh after sweep = %v, want expired", err)
	}

	// A context this controller never issued and that has not expired is revoked.
	forged := *alice
	forged.SessionID = "unknown-session"
	forged.ExpiresAt = f.clock.Now().Add(time.Hour)
	if err := f.ctrl.ValidateAccess(ctx, &forged, models.OpRetrieve, alice.UserID); secerr.ReasonOf(err) != secerr.ReasonRevoked {
		t.Errorf("unknown live session = %v, want revoked", err)
	}
}

func TestValidateAccess_RevokedIsHighSeverity(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	if err := f.ctrl.Revoke(context.Background(), alice.SessionID, "logout"); err != nil {
		t.Fatal(err)
	}

	err := f.ctrl.ValidateAccess(context.Background(), alice, models.OpRetrieve, alice.UserID)
	if secerr.ReasonOf(err) != secerr.ReasonRevoked {
		t.Fatalf("expected revoked, got %v", err)
	}
	last := f.rec.Last()
	if last.Type != models.EventAccessDenied || last.Severity != models.SeverityHigh {
		t.Errorf("revoked use should be high severity: %+v", last)
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.login(t, "alice")

	f.clock.Advance(10 * time.Minute)
	next, err := f.ctrl.Refresh(ctx, old)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.SessionID == old.SessionID || !next.ExpiresAt.After(old.ExpiresAt) {
		t.Errorf("refresh should issue a new, later context: %+v", next)
	}
	if err := f.ctrl.ValidateAccess(ctx, old, models.OpStatus, old.UserID); secerr.ReasonOf(err) != secerr.ReasonRevoked {
		t.Errorf("old context should be revoked, got %v", err)
	}
	if err := f.ctrl.ValidateAccess(ctx, next, models.OpStatus, next.UserID); err != nil {
		t.Errorf("new context should be valid: %v", err)
	}
	if _, err := f.ctrl.Refresh(ctx, old); secerr.ReasonOf(err) != secerr.ReasonRevoked {
		t.Errorf("refreshing twice should fail, got %v", err)
	}

	f.clock.Advance(DefaultSessionTTL)
	if _, err := f.ctrl.Refresh(ctx, next); secerr.ReasonOf(err) != secerr.ReasonExpired {
		t.Errorf("expired contexts are not refreshable, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.login(t, "alice")

	got, err := f.ctrl.Resolve(ctx, alice.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.SessionID != alice.SessionID || got.Role != models.RoleUser {
		t.Errorf("resolved context: %+v", got)
	}

	if _, err := f.ctrl.Resolve(ctx, "garbage"); secerr.ReasonOf(err) != secerr.ReasonInvalidCredentials {
		t.Errorf("garbage token: %v", err)
	}

	f.clock.Advance(DefaultSessionTTL + time.Second)
	if _, err := f.ctrl.Resolve(ctx, alice.Token); secerr.ReasonOf(err) != secerr.ReasonExpired {
		t.Errorf("expired token: %v", err)
	}
}

func TestRevokeUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.login(t, "alice")
	a2 := f.login(t, "alice")
	bob := f.login(t, "bob")

	n, err := f.ctrl.RevokeUser(ctx, a1.UserID, "probable-intrusion")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("revoked: got %d, want 2", n)
	}
	for _, ac := range []*models.AccessContext{a1, a2} {
		if _, err := f.ctrl.Resolve(ctx, ac.Token); secerr.ReasonOf(err) != secerr.ReasonRevoked {
			t.Errorf("session %s should be revoked: %v", ac.SessionID, err)
		}
	}
	if _, err := f.ctrl.Resolve(ctx, bob.Token); err != nil {
		t.Errorf("other users keep their sessions: %v", err)
	}

	revoked := f.rec.OfType(models.EventContextRevoked)
	if len(revoked) != 1 || revoked[0].Severity != models.SeverityHigh || revoked[0].Detail("sessions") != "2" {
		t.Errorf("revocation event: %+v", revoked)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.login(t, "alice")

	if err := f.ctrl.ChangePassword(ctx, "alice", "short"); !errors.Is(err, secerr.ErrValidation) {
		t.Errorf("weak password: got %v", err)
	}
	if err := f.ctrl.ChangePassword(ctx, "nobody", "Another-Horse-43"); !errors.Is(err, secerr.ErrNotFound) {
		t.Errorf("unknown user: got %v", err)
	}
	if err := f.ctrl.ChangePassword(ctx, "alice", "Another-Horse-43"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := f.ctrl.Resolve(ctx, old.Token); secerr.ReasonOf(err) != secerr.ReasonRevoked {
		t.Errorf("old session should be revoked: %v", err)
	}
	if _, err := f.ctrl.CreateAccessContext(ctx, models.Credentials{Username: "alice", Password: testPassword}); err == nil {
		t.Error("old password still accepted")
	}
	if _, err := f.ctrl.CreateAccessContext(ctx, models.Credentials{Username: "alice", Password: "Another-Horse-43"}); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestRevoke_UnknownSession(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Revoke(context.Background(), "nope", "logout"); !errors.Is(err, secerr.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestCreateUser_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name     string
		username string
		password string
		role     models.Role
	}{
		{"duplicate", "alice", testPassword, models.RoleUser},
		{"empty username", " ", testPassword, models.RoleUser},
		{"weak password", "carol", "password", models.RoleUser},
		{"bad role", "carol", testPassword, models.Role("root")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ctrl.CreateUser(context.Background(), tt.username, tt.password, tt.role)
			if !errors.Is(err, secerr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBootstrap(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctrl, err := NewController(store.Users(), []byte("test-secret-key-32-bytes-long!!"), nil, Config{BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	created, err := ctrl.Bootstrap(ctx, "admin", testPassword)
	if err != nil || !created {
		t.Fatalf("first bootstrap: created=%v err=%v", created, err)
	}
	created, err = ctrl.Bootstrap(ctx, "admin2", testPassword)
	if err != nil || created {
		t.Fatalf("second bootstrap should be a no-op: created=%v err=%v", created, err)
	}

	u, _ := store.Users().GetByUsername(ctx, "admin")
	if u == nil || u.Role != models.RoleAdmin {
		t.Errorf("bootstrap user: %+v", u)
	}
}

func TestActiveSessionsAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, "alice")
	f.clock.Advance(time.Minute)
	second := f.login(t, "bob")
	if err := f.ctrl.Revoke(ctx, second.SessionID, "logout"); err != nil {
		t.Fatal(err)
	}

	active := f.ctrl.ActiveSessions()
	if len(active) != 1 || active[0].SessionID != first.SessionID || active[0].Token != "" {
		t.Errorf("active sessions: %+v", active)
	}

	if n := f.ctrl.Sweep(); n != 0 {
		t.Errorf("nothing is old enough to sweep, removed %d", n)
	}
	f.clock.Advance(2*DefaultSessionTTL + time.Minute)
	if n := f.ctrl.Sweep(); n != 2 {
		t.Errorf("sweep: removed %d, want 2", n)
	}
}

func TestNewController_ShortSecret(t *testing.T) {
	if _, err := NewController(storage.NewMemoryStorage().Users(), []byte("short"), nil, Config{}); err == nil {
		t.Error("short secrets should be rejected")
	}
}

func TestPermits(t *testing.T) {
	for _, role := range []models.Role{models.RoleUser, models.RolePremium} {
		for _, op := range recordOps {
			if !Permits(role, op) {
				t.Errorf("%s should permit %s", role, op)
			}
		}
		if Permits(role, models.OpBackup) {
			t.Errorf("%s should not permit backup", role)
		}
	}
	for _, op := range allOps {
		if !Permits(models.RoleAdmin, op) {
			t.Errorf("admin should permit %s", op)
		}
	}
	if Permits(models.Role("guest"), models.OpStatus) {
		t.Error("unknown roles have no capabilities")
	}
}
