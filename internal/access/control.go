// Package access implements Access Control: credential checks, session-scoped
// access contexts and the role capability table.
package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

// Defaults used when Config fields are zero.
const (
	DefaultSessionTTL       = 30 * time.Minute
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultIssuer           = "alarmvault"
)

// Config tunes the controller.
type Config struct {
	SessionTTL       time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration
	BcryptCost       int
	Issuer           string
}

func (c *Config) setDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = DefaultLockoutThreshold
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
}

type session struct {
	ctx     models.AccessContext
	revoked bool
}

// Controller issues and validates access contexts.
type Controller struct {
	users   storage.UserRepository
	tokens  *TokenService
	lockout *LockoutTracker
	events  events.Emitter
	cfg     Config
	now     func() time.Time

	// dummyHash keeps unknown-user logins as slow as wrong-password logins.
	dummyHash []byte

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewController creates an access controller.
func NewController(users storage.UserRepository, secret []byte, emitter events.Emitter, cfg Config) (*Controller, error) {
	if len(secret) < 16 {
		return nil, errors.New("access: token secret must be at least 16 bytes")
	}
	cfg.setDefaults()

	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("access: init: %w", err)
	}

	c := &Controller{
		users:     users,
		tokens:    NewTokenService(secret, cfg.Issuer),
		lockout:   NewLockoutTracker(cfg.LockoutThreshold, cfg.LockoutDuration),
		events:    emitter,
		cfg:       cfg,
		now:       time.Now,
		dummyHash: dummy,
		sessions:  make(map[string]*session),
	}
	return c, nil
}

// SetClock replaces the time source of the controller and its collaborators.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
	c.tokens.now = now
	c.lockout.now = now
}

// SessionTTL returns the lifetime of issued contexts.
func (c *Controller) SessionTTL() time.Duration {
	return c.cfg.SessionTTL
}

// CreateAccessContext authenticates credentials and issues a new context.
func (c *Controller) CreateAccessContext(ctx context.Context, creds models.Credentials) (*models.AccessContext, error) {
	username := strings.TrimSpace(creds.Username)
	if username == "" || creds.Password == "" {
		return nil, secerr.AccessDenied(secerr.ReasonInvalidCredentials)
	}

	if remaining := c.lockout.Remaining(username); remaining > 0 {
		c.authFailed(ctx, username, "", secerr.ReasonLocked, models.SeverityMedium)
		metrics.AuthAttemptsTotal.WithLabelValues("locked").Inc()
		err := secerr.AccessDenied(secerr.ReasonLocked)
		err.RetryAfter = remaining
		return nil, err
	}

	user, err := c.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hash := c.dummyHash
	if user != nil {
		hash = []byte(user.PasswordHash)
	}
	pwErr := bcrypt.CompareHashAndPassword(hash, []byte(creds.Password))
	if user == nil || user.Disabled || pwErr != nil {
		userID := ""
		if user != nil {
			userID = user.ID
		}
		severity := models.SeverityMedium
		if c.lockout.RecordFailure(username) {
			severity = models.SeverityHigh
		}
		c.authFailed(ctx, username, userID, secerr.ReasonInvalidCredentials, severity)
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		return nil, secerr.AccessDenied(secerr.ReasonInvalidCredentials)
	}

	c.lockout.ClearFailures(username)

	ac, err := c.issue(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, &models.SecurityEvent{
		Type:      models.EventAuthSucceeded,
		Severity:  models.SeverityLow,
		Component: models.ComponentAccess,
		UserID:    user.ID,
		SessionID: ac.SessionID,
	})
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	return ac, nil
}

// IssueSystemContext issues a context for an internal principal with the system role.
func (c *Controller) IssueSystemContext(ctx context.Context, principal string) (*models.AccessContext, error) {
	if principal == "" {
		return nil, secerr.Validation("principal is required")
	}
	ac, err := c.issue(principal, models.RoleSystem)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, &models.SecurityEvent{
		Type:      models.EventAuthSucceeded,
		Severity:  models.SeverityMedium,
		Component: models.ComponentAccess,
		UserID:    principal,
		SessionID: ac.SessionID,
		Details:   map[string]string{"role": string(models.RoleSystem)},
	})
	return ac, nil
}

func (c *Controller) issue(userID string, role models.Role) (*models.AccessContext, error) {
	now := c.now().UTC()
	ac := models.AccessContext{
		UserID:    userID,
		Role:      role,
		SessionID: uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(c.cfg.SessionTTL),
	}
	token, err := c.tokens.Generate(&ac)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	ac.Token = token

	c.mu.Lock()
	c.sessions[ac.SessionID] = &session{ctx: ac}
	c.mu.Unlock()

	out := ac
	return &out, nil
}

// ValidateAccess checks that ac may perform op on a resource owned by ownerID.
// Every decision is recorded as an audit event.
func (c *Controller) ValidateAccess(ctx context.Context, ac *models.AccessContext, op models.Operation, ownerID string) error {
	current, reason := c.check(ac, op, ownerID)
	if reason == "" {
		c.emit(ctx, &models.SecurityEvent{
			Type:      models.EventAccessGranted,
			Severity:  models.SeverityLow,
			Component: models.ComponentAccess,
			UserID:    current.UserID,
			SessionID: current.SessionID,
			Operation: op,
		})
		return nil
	}

	severity := models.SeverityMedium
	if reason == secerr.ReasonRevoked {
		severity = models.SeverityHigh
	}
	e := &models.SecurityEvent{
		Type:      models.EventAccessDenied,
		Severity:  severity,
		Component: models.ComponentAccess,
		Operation: op,
		Details:   map[string]string{"reason": reason},
	}
	if ac != nil {
		e.UserID = ac.UserID
		e.SessionID = ac.SessionID
	}
	c.emit(ctx, e)
	metrics.AccessDenials.WithLabelValues(reason).Inc()
	return secerr.AccessDenied(reason)
}

// check evaluates a context against the session table. The session's stored
// identity is authoritative over the fields of the presented context.
func (c *Controller) check(ac *models.AccessContext, op models.Operation, ownerID string) (models.AccessContext, string) {
	if ac == nil || ac.SessionID == "" {
		return models.AccessContext{}, secerr.ReasonInvalidCredentials
	}

	c.mu.RLock()
	s, ok := c.sessions[ac.SessionID]
	var current models.AccessContext
	var revoked bool
	if ok {
		current, revoked = s.ctx, s.revoked
	}
	c.mu.RUnlock()

	switch {
	case !ok && ac.ExpiredAt(c.now()):
		// Swept or lost on restart; the presented expiry still decides.
		return current, secerr.ReasonExpired
	case !ok || revoked:
		return current, secerr.ReasonRevoked
	case current.UserID != ac.UserID || current.Role != ac.Role:
		return current, secerr.ReasonRevoked
	case current.ExpiredAt(c.now()):
		return current, secerr.ReasonExpired
	case !Permits(current.Role, op):
		return current, secerr.ReasonRoleForbidden
	case !current.Role.Privileged() && ownerID != current.UserID:
		return current, secerr.ReasonWrongOwner
	}
	return current, ""
}

// Refresh issues a replacement for an active context and revokes the old one.
// Expired or revoked contexts cannot be refreshed.
func (c *Controller) Refresh(ctx context.Context, ac *models.AccessContext) (*models.AccessContext, error) {
	if ac == nil {
		return nil, secerr.AccessDenied(secerr.ReasonInvalidCredentials)
	}

	c.mu.Lock()
	s, ok := c.sessions[ac.SessionID]
	var reason string
	switch {
	case !ok && ac.ExpiredAt(c.now()):
		reason = secerr.ReasonExpired
	case !ok || s.revoked || s.ctx.UserID != ac.UserID:
		reason = secerr.ReasonRevoked
	case s.ctx.ExpiredAt(c.now()):
		reason = secerr.ReasonExpired
	default:
		s.revoked = true
	}
	var old models.AccessContext
	if ok {
		old = s.ctx
	}
	c.mu.Unlock()

	if reason != "" {
		c.emit(ctx, &models.SecurityEvent{
			Type:      models.EventAccessDenied,
			Severity:  models.SeverityMedium,
			Component: models.ComponentAccess,
			UserID:    ac.UserID,
			SessionID: ac.SessionID,
			Details:   map[string]string{"reason": reason, "action": "refresh"},
		})
		return nil, secerr.AccessDenied(reason)
	}

	if old.Role != models.RoleSystem {
		user, err := c.users.GetByID(ctx, old.UserID)
		if err != nil {
			return nil, fmt.Errorf("lookup user: %w", err)
		}
		if user == nil || user.Disabled {
			return nil, secerr.AccessDenied(secerr.ReasonRevoked)
		}
		old.Role = user.Role
	}

	next, err := c.issue(old.UserID, old.Role)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, &models.SecurityEvent{
		Type:      models.EventContextRefreshed,
		Severity:  models.SeverityLow,
		Component: models.ComponentAccess,
		UserID:    next.UserID,
		SessionID: next.SessionID,
		Details:   map[string]string{"replaced_session": old.SessionID},
	})
	return next, nil
}

// Revoke ends a single session.
func (c *Controller) Revoke(ctx context.Context, sessionID, reason string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	alreadyRevoked := ok && s.revoked
	if ok {
		s.revoked = true
	}
	c.mu.Unlock()

	if !ok {
		return secerr.NotFound("session")
	}
	if alreadyRevoked {
		return nil
	}
	c.emit(ctx, &models.SecurityEvent{
		Type:      models.EventContextRevoked,
		Severity:  models.SeverityMedium,
		Component: models.ComponentAccess,
		UserID:    s.ctx.UserID,
		SessionID: sessionID,
		Details:   map[string]string{"reason": reason},
	})
	return nil
}

// RevokeUser ends every active session of a user and returns how many were revoked.
func (c *Controller) RevokeUser(ctx context.Context, userID, reason string) (int, error) {
	if userID == "" {
		return 0, secerr.Validation("user id is required")
	}
	c.mu.Lock()
	revoked := 0
	for _, s := range c.sessions {
		if s.ctx.UserID == userID && !s.revoked {
			s.revoked = true
			revoked++
		}
	}
	c.mu.Unlock()

	c.emit(ctx, &models.SecurityEvent{
		Type:      models.EventContextRevoked,
		Severity:  models.SeverityHigh,
		Component: models.ComponentAccess,
		UserID:    userID,
		Details:   map[string]string{"reason": reason, "sessions": fmt.Sprint(revoked)},
	})
	log.Printf("access: revoked %d sessions of user %s: %s", revoked, userID, reason)
	return revoked, nil
}

// Resolve maps a bearer token to its access context.
func (c *Controller) Resolve(_ context.Context, token string) (*models.AccessContext, error) {
	claims, err := c.tokens.Parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, secerr.AccessDenied(secerr.ReasonExpired)
		}
		return nil, secerr.AccessDenied(secerr.ReasonInvalidCredentials)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[claims.SessionID]
	switch {
	case !ok || s.revoked || s.ctx.Token != token:
		return nil, secerr.AccessDenied(secerr.ReasonRevoked)
	case s.ctx.ExpiredAt(c.now()):
		return nil, secerr.AccessDenied(secerr.ReasonExpired)
	}
	out := s.ctx
	return &out, nil
}

// CreateUser adds a user to the credential store.
func (c *Controller) CreateUser(ctx context.Context, username, password string, role models.Role) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, secerr.Validation("username is required")
	}
	if !role.Valid() {
		return nil, secerr.Validation("invalid role %q", role)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, secerr.Validation("%v", err)
	}

	existing, err := c.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return nil, secerr.Validation("username already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := models.NewUser(username, role)
	user.ID = uuid.NewString()
	user.PasswordHash = string(hash)
	if err := c.users.Create(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, secerr.Validation("username already exists")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// ChangePassword replaces a user's password and ends their sessions.
func (c *Controller) ChangePassword(ctx context.Context, username, password string) error {
	if err := ValidatePassword(password); err != nil {
		return secerr.Validation("%v", err)
	}
	user, err := c.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return secerr.NotFound("user")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)
	user.UpdatedAt = c.now().UTC()
	if err := c.users.Update(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	c.lockout.ClearFailures(user.Username)

	if _, err := c.RevokeUser(ctx, user.ID, "password-changed"); err != nil {
		log.Printf("access: revoke sessions of %s: %v", user.Username, err)
	}
	return nil
}

// Bootstrap creates an admin account when the credential store is empty.
// It returns false if users already exist.
func (c *Controller) Bootstrap(ctx context.Context, username, password string) (bool, error) {
	count, err := c.users.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if _, err := c.CreateUser(ctx, username, password, models.RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

// ActiveSessions returns the contexts that are neither revoked nor expired,
// oldest first, without their bearer tokens.
func (c *Controller) ActiveSessions() []models.AccessContext {
	now := c.now()
	c.mu.RLock()
	out := make([]models.AccessContext, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.revoked || s.ctx.ExpiredAt(now) {
			continue
		}
		ac := s.ctx
		ac.Token = ""
		out = append(out, ac)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// Sweep forgets sessions that expired more than one TTL ago and stale lockouts.
// Keeping recently expired sessions lets validation report "expired" rather than "revoked".
func (c *Controller) Sweep() int {
	cutoff := c.now().Add(-c.cfg.SessionTTL)
	c.mu.Lock()
	removed := 0
	for id, s := range c.sessions {
		if s.ctx.ExpiresAt.Before(cutoff) {
			delete(c.sessions, id)
			removed++
		}
	}
	c.mu.Unlock()
	metrics.ActiveSessions.Set(float64(len(c.ActiveSessions())))
	return removed + c.lockout.Sweep()
}

// Run sweeps state periodically until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Controller) authFailed(ctx context.Context, username, userID, reason string, severity models.Severity) {
	c.emit(ctx, &models.SecurityEvent{
		Type:      models.EventAuthFailed,
		Severity:  severity,
		Component: models.ComponentAccess,
		UserID:    userID,
		Details:   map[string]string{"reason": reason, "username": username},
	})
}

func (c *Controller) emit(ctx context.Context, e *models.SecurityEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Emit(ctx, e); err != nil {
		log.Printf("access: emit %s: %v", e.Type, err)
	}
}
