// Package orchestrator composes access control, rate limiting, the secure store
// and recovery into one pipeline for every operation on alarm records.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/alarmvault/internal/access"
	"github.com/good-yellow-bee/alarmvault/internal/backup"
	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/integrity"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/monitoring"
	"github.com/good-yellow-bee/alarmvault/internal/ratelimit"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/vault"
)

// DefaultOperationTimeout bounds each pipeline stage.
const DefaultOperationTimeout = 5 * time.Second

// Pipeline stage names, attached to returned errors.
const (
	StageResolve   = "resolve"
	StageAccess    = "access"
	StageRateLimit = "ratelimit"
	StageStore     = "store"
	StageRecovery  = "recovery"
)

// unrecoverableSignature names alerts raised for errors the pipeline cannot handle.
const unrecoverableSignature = "unrecoverable-error"

// RecordStore is the part of the Secure Store the pipeline drives.
type RecordStore interface {
	Store(ctx context.Context, rec *models.AlarmRecord) (*models.EncryptedBlob, error)
	Retrieve(ctx context.Context, id string) (*models.AlarmRecord, error)
	Update(ctx context.Context, id string, fn func(*models.AlarmRecord)) (*models.AlarmRecord, error)
	Delete(ctx context.Context, id string) error
	Owner(ctx context.Context, id string) (string, error)
	IDs(ctx context.Context) ([]string, error)
	SelfTest(ctx context.Context) error
	Stats(ctx context.Context) (vault.Stats, error)
}

// Components are the collaborators the orchestrator composes.
type Components struct {
	Store     RecordStore
	Access    *access.Controller
	Limiter   *ratelimit.Limiter
	Integrity *integrity.Monitor
	Backups   *backup.Manager
	Monitor   *monitoring.Monitor
	Events    events.Emitter
}

// Config tunes the orchestrator.
type Config struct {
	OperationTimeout time.Duration
}

// Orchestrator runs secure operations and owns the background tasks.
type Orchestrator struct {
	store     RecordStore
	access    *access.Controller
	limiter   *ratelimit.Limiter
	integrity *integrity.Monitor
	backups   *backup.Manager
	monitor   *monitoring.Monitor
	events    events.Emitter
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

// New creates an orchestrator. Store, Access and Limiter are required.
func New(c Components, cfg Config) (*Orchestrator, error) {
	if c.Store == nil || c.Access == nil || c.Limiter == nil {
		return nil, errors.New("orchestrator: store, access and limiter are required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	return &Orchestrator{
		store:     c.Store,
		access:    c.Access,
		limiter:   c.Limiter,
		integrity: c.Integrity,
		backups:   c.Backups,
		monitor:   c.Monitor,
		events:    c.Events,
		timeout:   cfg.OperationTimeout,
		now:       time.Now,
	}, nil
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Start launches the integrity and backup schedulers.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	if o.integrity != nil {
		o.integrity.Start(ctx)
	}
	if o.backups != nil {
		o.backups.Start(ctx)
	}
	o.running = true
	log.Printf("orchestrator: started (operation timeout %s)", o.timeout)
}

// Stop halts the schedulers and waits for running cycles.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	if o.backups != nil {
		o.backups.Stop()
	}
	if o.integrity != nil {
		o.integrity.Stop()
	}
	o.running = false
	log.Printf("orchestrator: stopped")
}

// Running reports whether Start has been called without Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// stage runs fn under the per-operation timeout. A deadline hit inside the
// stage becomes a retryable TimeoutError.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	err := fn(sctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (sctx.Err() != nil && ctx.Err() == nil) {
		return secerr.WithStage(secerr.Timeout(name, err), name)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return secerr.WithStage(err, name)
}

// failure applies the error policy. Expected security errors pass through with
// their stage. Recovery failures and anything unclassified raise a critical
// alert and are replaced by an opaque UnknownSecurityError.
func (o *Orchestrator) failure(ctx context.Context, op models.Operation, ac *models.AccessContext, recordID string, err error) error {
	if errors.Is(err, context.Canceled) {
		o.audit(ctx, models.EventOperationFailed, models.SeverityLow, op, ac, recordID, map[string]string{"error": "canceled"})
		return err
	}

	var serr *secerr.Error
	if !errors.As(err, &serr) {
		serr = secerr.WithStage(err, "")
	}

	details := map[string]string{"kind": string(serr.Kind)}
	if serr.Stage != "" {
		details["stage"] = serr.Stage
	}
	if serr.Reason != "" {
		details["reason"] = serr.Reason
	}

	switch serr.Kind {
	case secerr.KindRecoveryFailed, secerr.KindUnknown:
		ref := uuid.NewString()
		details["ref"] = ref
		log.Printf("orchestrator: [%s] %s %s failed at %s: %v", ref, op, recordID, serr.Stage, err)
		o.raiseCritical(ctx, ac, op, recordID, serr, ref)
		o.audit(ctx, models.EventOperationFailed, models.SeverityCritical, op, ac, recordID, details)
		out := secerr.Unknown(ref)
		out.Stage = serr.Stage
		return out
	case secerr.KindIntegrityViolation, secerr.KindQuarantined, secerr.KindBackupUnavailable:
		o.audit(ctx, models.EventOperationFailed, models.SeverityHigh, op, ac, recordID, details)
	case secerr.KindRateLimitExceeded:
		details["retry_after"] = serr.RetryAfter.String()
		o.audit(ctx, models.EventOperationFailed, models.SeverityMedium, op, ac, recordID, details)
	default:
		o.audit(ctx, models.EventOperationFailed, models.SeverityMedium, op, ac, recordID, details)
	}
	return serr
}

func (o *Orchestrator) raiseCritical(ctx context.Context, ac *models.AccessContext, op models.Operation, recordID string, serr *secerr.Error, ref string) {
	if o.monitor == nil {
		return
	}
	msg := string(op) + " failed: " + string(serr.Kind)
	if recordID != "" {
		msg += " on record " + recordID
	}
	userID := ""
	if ac != nil {
		userID = ac.UserID
	}
	if _, err := o.monitor.RaiseAlert(context.WithoutCancel(ctx), unrecoverableSignature, models.SeverityCritical, userID, msg, ref); err != nil {
		log.Printf("orchestrator: [%s] raise alert: %v", ref, err)
	}
}

// audit records the outcome of an operation. It survives caller cancellation.
func (o *Orchestrator) audit(ctx context.Context, typ models.EventType, sev models.Severity, op models.Operation, ac *models.AccessContext, recordID string, details map[string]string) {
	e := &models.SecurityEvent{
		Type:      typ,
		Severity:  sev,
		Component: models.ComponentOrchestrator,
		RecordID:  recordID,
		Operation: op,
		Details:   details,
	}
	if ac != nil {
		e.UserID = ac.UserID
		e.SessionID = ac.SessionID
	}
	o.emit(ctx, e)
}

func (o *Orchestrator) emit(ctx context.Context, e *models.SecurityEvent) {
	if o.events == nil {
		return
	}
	if err := o.events.Emit(context.WithoutCancel(ctx), e); err != nil {
		log.Printf("orchestrator: emit %s: %v", e.Type, err)
	}
}

func versionDetail(rec *models.AlarmRecord) map[string]string {
	if rec == nil {
		return nil
	}
	return map[string]string{"version": strconv.FormatInt(rec.Version, 10)}
}
