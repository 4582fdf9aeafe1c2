package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

// Payload carries the inputs of a secure operation. Create uses Alarm, update
// uses RecordID and Changes, retrieve and delete use RecordID.
type Payload struct {
	RecordID string
	Alarm    *models.AlarmRecord
	Changes  *AlarmChanges
}

// AlarmChanges is a partial update. Nil fields are left unchanged.
type AlarmChanges struct {
	Label         *string         `json:"label,omitempty"`
	Hour          *int            `json:"hour,omitempty"`
	Minute        *int            `json:"minute,omitempty"`
	Days          *[]time.Weekday `json:"days,omitempty"`
	Timezone      *string         `json:"timezone,omitempty"`
	Enabled       *bool           `json:"enabled,omitempty"`
	SnoozeMinutes *int            `json:"snooze_minutes,omitempty"`
	Payload       *[]byte         `json:"payload,omitempty"`
}

// Empty reports whether no field is set.
func (c *AlarmChanges) Empty() bool {
	return c == nil || (c.Label == nil && c.Hour == nil && c.Minute == nil && c.Days == nil &&
		c.Timezone == nil && c.Enabled == nil && c.SnoozeMinutes == nil && c.Payload == nil)
}

// Apply writes the set fields onto rec.
func (c *AlarmChanges) Apply(rec *models.AlarmRecord) {
	if c.Label != nil {
		rec.Label = *c.Label
	}
	if c.Hour != nil {
		rec.Hour = *c.Hour
	}
	if c.Minute != nil {
		rec.Minute = *c.Minute
	}
	if c.Days != nil {
		rec.Days = append([]time.Weekday(nil), (*c.Days)...)
	}
	if c.Timezone != nil {
		rec.Timezone = *c.Timezone
	}
	if c.Enabled != nil {
		rec.Enabled = *c.Enabled
	}
	if c.SnoozeMinutes != nil {
		rec.SnoozeMinutes = *c.SnoozeMinutes
	}
	if c.Payload != nil {
		rec.Payload = append([]byte(nil), (*c.Payload)...)
	}
}

// CreateAlarmSecurely stores a new alarm owned by the caller, or by
// alarm.OwnerID when a privileged caller sets it. The id is always assigned.
func (o *Orchestrator) CreateAlarmSecurely(ctx context.Context, ac *models.AccessContext, alarm *models.AlarmRecord) (*models.AlarmRecord, error) {
	return o.PerformSecureOperation(ctx, models.OpCreate, ac, Payload{Alarm: alarm})
}

// RetrieveAlarmSecurely returns a verified, decrypted alarm.
func (o *Orchestrator) RetrieveAlarmSecurely(ctx context.Context, ac *models.AccessContext, id string) (*models.AlarmRecord, error) {
	return o.PerformSecureOperation(ctx, models.OpRetrieve, ac, Payload{RecordID: id})
}

// UpdateAlarmSecurely applies changes to an alarm and stores the next version.
func (o *Orchestrator) UpdateAlarmSecurely(ctx context.Context, ac *models.AccessContext, id string, changes AlarmChanges) (*models.AlarmRecord, error) {
	return o.PerformSecureOperation(ctx, models.OpUpdate, ac, Payload{RecordID: id, Changes: &changes})
}

// DeleteAlarmSecurely tombstones an alarm.
func (o *Orchestrator) DeleteAlarmSecurely(ctx context.Context, ac *models.AccessContext, id string) error {
	_, err := o.PerformSecureOperation(ctx, models.OpDelete, ac, Payload{RecordID: id})
	return err
}

// PerformSecureOperation runs op through access validation, rate limiting and
// the Secure Store, and records the outcome as a security event. Delete
// returns a nil record.
func (o *Orchestrator) PerformSecureOperation(ctx context.Context, op models.Operation, ac *models.AccessContext, p Payload) (*models.AlarmRecord, error) {
	start := time.Now()
	recordID := p.RecordID

	rec, err := o.perform(ctx, op, ac, &p)
	if p.Alarm != nil && recordID == "" {
		recordID = p.Alarm.ID
	}

	result := "ok"
	if err != nil {
		err = o.failure(ctx, op, ac, recordID, err)
		result = string(secerr.KindOf(err))
	} else {
		o.audit(ctx, models.EventOperationSucceeded, models.SeverityLow, op, ac, recordID, versionDetail(rec))
	}
	metrics.OperationsTotal.WithLabelValues(string(op), result).Inc()
	metrics.OperationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) perform(ctx context.Context, op models.Operation, ac *models.AccessContext, p *Payload) (*models.AlarmRecord, error) {
	var (
		rec   *models.AlarmRecord
		owner string
	)

	switch op {
	case models.OpCreate:
		if p.Alarm == nil {
			return nil, secerr.WithStage(secerr.Validation("alarm is required"), StageResolve)
		}
		rec = p.Alarm.Clone()
		rec.ID = uuid.NewString()
		rec.Version = 0
		if rec.OwnerID == "" && ac != nil {
			rec.OwnerID = ac.UserID
		}
		owner = rec.OwnerID
		p.Alarm = rec
	case models.OpRetrieve, models.OpUpdate, models.OpDelete:
		if p.RecordID == "" {
			return nil, secerr.WithStage(secerr.Validation("record id is required"), StageResolve)
		}
		if op == models.OpUpdate && p.Changes.Empty() {
			return nil, secerr.WithStage(secerr.Validation("no changes"), StageResolve)
		}
		// Unknown and deleted ids resolve to no owner, so non-privileged
		// callers are denied as wrong-owner without learning whether it exists.
		err := o.stage(ctx, StageResolve, func(ctx context.Context) error {
			var err error
			owner, err = o.store.Owner(ctx, p.RecordID)
			return err
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, secerr.WithStage(secerr.Validation("unsupported operation %q", op), StageResolve)
	}

	if err := o.authorize(ctx, op, ac, owner); err != nil {
		return nil, err
	}

	switch op {
	case models.OpCreate:
		return rec, o.stage(ctx, StageStore, func(ctx context.Context) error {
			_, err := o.store.Store(ctx, rec)
			return err
		})
	case models.OpRetrieve:
		return o.retrieve(ctx, p.RecordID)
	case models.OpUpdate:
		return o.update(ctx, p.RecordID, p.Changes)
	default:
		return nil, o.stage(ctx, StageStore, func(ctx context.Context) error {
			return o.store.Delete(ctx, p.RecordID)
		})
	}
}

// authorize runs the access and rate-limit stages. The limiter itself skips
// consumption while the caller holds an emergency bypass.
func (o *Orchestrator) authorize(ctx context.Context, op models.Operation, ac *models.AccessContext, owner string) error {
	if err := o.stage(ctx, StageAccess, func(ctx context.Context) error {
		return o.access.ValidateAccess(ctx, ac, op, owner)
	}); err != nil {
		return err
	}
	return o.stage(ctx, StageRateLimit, func(ctx context.Context) error {
		_, err := o.limiter.CheckAndConsume(ctx, models.RateLimitKey{UserID: ac.UserID, Operation: op}, ac.Role, 1)
		return err
	})
}

// retrieve reads a record, recovering it first if it fails verification.
func (o *Orchestrator) retrieve(ctx context.Context, id string) (*models.AlarmRecord, error) {
	var rec *models.AlarmRecord
	err := o.withRecovery(ctx, id, func(ctx context.Context) error {
		var err error
		rec, err = o.store.Retrieve(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// update applies changes to the current version in one locked
// read-modify-write, recovering the record first if it fails verification.
func (o *Orchestrator) update(ctx context.Context, id string, changes *AlarmChanges) (*models.AlarmRecord, error) {
	var rec *models.AlarmRecord
	err := o.withRecovery(ctx, id, func(ctx context.Context) error {
		var err error
		rec, err = o.store.Update(ctx, id, changes.Apply)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// withRecovery runs fn in the store stage. On an integrity violation it asks
// the integrity monitor to recover the record and runs fn once more.
func (o *Orchestrator) withRecovery(ctx context.Context, id string, fn func(context.Context) error) error {
	err := o.stage(ctx, StageStore, fn)
	if err == nil || !errors.Is(err, secerr.ErrIntegrityViolation) || o.integrity == nil {
		return err
	}

	log.Printf("orchestrator: integrity violation on %s, recovering", id)
	if err := o.stage(ctx, StageRecovery, func(ctx context.Context) error {
		return o.integrity.Recover(ctx, id)
	}); err != nil {
		return err
	}
	return o.stage(ctx, StageStore, fn)
}
