package models

import (
	"strings"
	"testing"
	"time"
)

func validAlarm() *AlarmRecord {
	return &AlarmRecord{
		ID:      "a1",
		OwnerID: "u1",
		Label:   "Gym",
		Hour:    6,
		Minute:  30,
		Days:    []time.Weekday{time.Monday, time.Wednesday},
		Enabled: true,
	}
}

func TestAlarmRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *AlarmRecord)
		wantErr bool
	}{
		{"valid", func(a *AlarmRecord) {}, false},
		{"missing id", func(a *AlarmRecord) { a.ID = "" }, true},
		{"missing owner", func(a *AlarmRecord) { a.OwnerID = "" }, true},
		{"hour too high", func(a *AlarmRecord) { a.Hour = 24 }, true},
		{"negative minute", func(a *AlarmRecord) { a.Minute = -1 }, true},
		{"long label", func(a *AlarmRecord) { a.Label = strings.Repeat("x", MaxLabelLength+1) }, true},
		{"snooze too long", func(a *AlarmRecord) { a.SnoozeMinutes = 61 }, true},
		{"payload too large", func(a *AlarmRecord) { a.Payload = make([]byte, MaxPayloadSize+1) }, true},
		{"payload at limit", func(a *AlarmRecord) { a.Payload = make([]byte, MaxPayloadSize) }, false},
		{"bad weekday", func(a *AlarmRecord) { a.Days = []time.Weekday{7} }, true},
		{"duplicate weekday", func(a *AlarmRecord) { a.Days = []time.Weekday{1, 1} }, true},
		{"valid timezone", func(a *AlarmRecord) { a.Timezone = "UTC" }, false},
		{"bad timezone", func(a *AlarmRecord) { a.Timezone = "Mars/Olympus" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAlarm()
			tt.mutate(a)
			err := a.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAlarmRecord_Clone(t *testing.T) {
	a := validAlarm()
	a.Payload = []byte("abc")
	cp := a.Clone()
	cp.Payload[0] = 'z'
	cp.Days[0] = time.Sunday
	if a.Payload[0] != 'a' || a.Days[0] != time.Monday {
		t.Error("Clone should not share slices")
	}
}

func TestEscalationLevel_Next(t *testing.T) {
	tests := []struct {
		from, want EscalationLevel
	}{
		{LevelNormal, LevelThrottled},
		{LevelThrottled, LevelEscalated},
		{LevelEscalated, LevelCooldown},
		{LevelCooldown, LevelCooldown},
	}
	for _, tt := range tests {
		if got := tt.from.Next(); got != tt.want {
			t.Errorf("%s.Next() = %s, want %s", tt.from, got, tt.want)
		}
	}
}

func TestSeverity_Rank(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if !order[i].AtLeast(order[i-1]) || order[i-1].AtLeast(order[i]) {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if ParseSeverity("CRITICAL") != SeverityCritical {
		t.Error("ParseSeverity should accept upper case")
	}
	if ParseSeverity("bogus") != SeverityMedium {
		t.Error("unknown severities default to medium")
	}
}

func TestRole(t *testing.T) {
	if !RoleAdmin.Privileged() || !RoleSystem.Privileged() || RolePremium.Privileged() {
		t.Error("only admin and system are privileged")
	}
	if Role("root").Valid() {
		t.Error("unknown role should be invalid")
	}
	if ParseRole("nope") != RoleUser {
		t.Error("ParseRole should default to user")
	}
}

func TestAccessContext_ExpiredAt(t *testing.T) {
	now := time.Now()
	ac := &AccessContext{ExpiresAt: now}
	if !ac.ExpiredAt(now) {
		t.Error("context is expired at its expiry instant")
	}
	if ac.ExpiredAt(now.Add(-time.Nanosecond)) {
		t.Error("context is active before expiry")
	}
}

func TestStoredRecord_Clone(t *testing.T) {
	now := time.Now()
	r := &StoredRecord{ID: "r", DeletedAt: &now, Blob: EncryptedBlob{Ciphertext: []byte("ct")}}
	cp := r.Clone()
	cp.Blob.Ciphertext[0] = 'x'
	*cp.DeletedAt = now.Add(time.Hour)
	if string(r.Blob.Ciphertext) != "ct" || !r.DeletedAt.Equal(now) {
		t.Error("Clone should deep copy")
	}
	if !r.IsDeleted() {
		t.Error("tombstoned record should report deleted")
	}
}
