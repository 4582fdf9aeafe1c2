package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/good-yellow-bee/alarmvault/internal/access"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
	"github.com/good-yellow-bee/alarmvault/pkg/config"
)

const adminPassword = "Bootstrap-Pass-99"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "vault.db")
	cfg.Server.HTTPAddress = "127.0.0.1:0"
	cfg.Security.BcryptCost = bcrypt.MinCost
	cfg.Secrets.MasterKey = "app-test-master-key-material"
	cfg.Secrets.AdminPassword = adminPassword
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestEnsureAdmin(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	if err := a.EnsureAdmin(ctx); err != nil {
		t.Fatalf("EnsureAdmin() = %v", err)
	}
	// Second call is a no-op.
	if err := a.EnsureAdmin(ctx); err != nil {
		t.Fatalf("EnsureAdmin() again = %v", err)
	}
	n, err := a.DB.Users().Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("users = %d, want 1", n)
	}

	ac, err := a.Access.CreateAccessContext(ctx, models.Credentials{Username: "admin", Password: adminPassword})
	if err != nil {
		t.Fatalf("login as bootstrap admin: %v", err)
	}
	if ac.Role != models.RoleAdmin {
		t.Errorf("role = %s, want admin", ac.Role)
	}
}

func TestEndToEnd_EventsReachLog(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()
	if err := a.EnsureAdmin(ctx); err != nil {
		t.Fatal(err)
	}
	h := a.API.Handler()

	body, _ := json.Marshal(models.Credentials{Username: "admin", Password: adminPassword})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rr.Code, rr.Body.String())
	}
	var login struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &login); err != nil {
		t.Fatal(err)
	}

	body, _ = json.Marshal(map[string]any{"label": "wake", "hour": 7, "minute": 30, "enabled": true})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alarms", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+login.Data.AccessToken)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}

	for _, typ := range []models.EventType{models.EventAuthSucceeded, models.EventRecordStored} {
		n, err := a.DB.Events().Count(ctx, storage.EventFilter{Types: []models.EventType{typ}})
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			t.Errorf("no %s event in the log", typ)
		}
	}

	snaps, err := a.Backups.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup() = %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("snapshots = %d, want one per location", len(snaps))
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := newApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !a.Orchestrator.Running() {
		if time.Now().After(deadline) {
			t.Fatal("orchestrator never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.Orchestrator.Running() {
		t.Error("orchestrator still running after Run returned")
	}
}

func TestRun_MonitorSeesBurst(t *testing.T) {
	a := newApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !a.Orchestrator.Running() {
		if time.Now().After(deadline) {
			t.Fatal("orchestrator never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	const burst = 1500
	for i := 0; i < burst; i++ {
		_ = a.Bus.Emit(ctx, &models.SecurityEvent{Type: models.EventAccessDenied, Component: models.ComponentAccess, UserID: "mallory"})
	}
	_ = a.Bus.Emit(ctx, &models.SecurityEvent{Type: models.EventRateLimitExceeded, Component: models.ComponentRateLimiter, UserID: "mallory"})

	deadline = time.Now().Add(10 * time.Second)
	for {
		alerts, err := a.Monitor.Alerts(ctx, storage.AlertFilter{UserID: "mallory"})
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) == 1 && alerts[0].Signature == "probable-intrusion" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no intrusion alert after burst; ingested %d", a.Monitor.Stats().EventsIngested)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if lost := a.Monitor.Stats().EventsLost; lost != 0 {
		t.Errorf("events lost: %d", lost)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil config")
	}

	cfg := testConfig(t)
	cfg.Monitoring.SignaturesFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := New(cfg); err == nil {
		t.Error("expected error for missing signatures file")
	}

	cfg = testConfig(t)
	cfg.Notify.SlackWebhook = "not a url"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for invalid webhook")
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		p, err := generatePassword()
		if err != nil {
			t.Fatal(err)
		}
		if err := access.ValidatePassword(p); err != nil {
			t.Errorf("generated password %q rejected: %v", p, err)
		}
		if seen[p] {
			t.Errorf("duplicate password %q", p)
		}
		seen[p] = true
	}
}
