package monitoring

import (
	"fmt"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// Scope decides how events are grouped when counting toward a signature.
type Scope string

const (
	// ScopeUser counts events per user.
	ScopeUser Scope = "user"
	// ScopeGlobal counts all events together.
	ScopeGlobal Scope = "global"
)

// MitigationRevokeAccess revokes every session of the offending user.
const MitigationRevokeAccess = "revoke_access"

// Stage is one step of a signature: Count events of Event, in order after the previous stage.
type Stage struct {
	Event models.EventType `yaml:"event"`
	Count int              `yaml:"count"`
}

// ThreatSignature is a pattern over the event stream that indicates an attack.
type ThreatSignature struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Severity    models.Severity `yaml:"severity"`
	Scope       Scope           `yaml:"scope,omitempty"`
	// Stages must complete in order within Window.
	Stages []Stage `yaml:"stages"`
	Window string  `yaml:"window"`
	// Where is an optional expr-lang filter applied to every candidate event.
	Where      string `yaml:"where,omitempty"`
	Mitigation string `yaml:"mitigation,omitempty"`
	Cooldown   string `yaml:"cooldown,omitempty"`
	Enabled    *bool  `yaml:"enabled,omitempty"`

	windowDuration   time.Duration
	cooldownDuration time.Duration
	filter           *ExprMatcher
}

// IsEnabled returns whether the signature is active.
func (s *ThreatSignature) IsEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// Validate checks and compiles the signature.
func (s *ThreatSignature) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("signature name is required")
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("signature %q needs at least one stage", s.Name)
	}
	for i, st := range s.Stages {
		if st.Event == "" {
			return fmt.Errorf("stage %d of signature %q has no event", i, s.Name)
		}
		if st.Count <= 0 {
			return fmt.Errorf("stage %d of signature %q needs a positive count", i, s.Name)
		}
	}

	switch s.Scope {
	case "":
		s.Scope = ScopeUser
	case ScopeUser, ScopeGlobal:
	default:
		return fmt.Errorf("invalid scope %q for signature %q", s.Scope, s.Name)
	}

	if s.Window == "" {
		return fmt.Errorf("window is required for signature %q", s.Name)
	}
	d, err := time.ParseDuration(s.Window)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid window %q for signature %q", s.Window, s.Name)
	}
	s.windowDuration = d

	if s.Cooldown != "" {
		d, err := time.ParseDuration(s.Cooldown)
		if err != nil {
			return fmt.Errorf("invalid cooldown %q for signature %q: %w", s.Cooldown, s.Name, err)
		}
		s.cooldownDuration = d
	}

	switch s.Mitigation {
	case "", MitigationRevokeAccess:
	default:
		return fmt.Errorf("unknown mitigation %q for signature %q", s.Mitigation, s.Name)
	}
	if s.Mitigation == MitigationRevokeAccess && s.Scope != ScopeUser {
		return fmt.Errorf("signature %q: %s requires user scope", s.Name, MitigationRevokeAccess)
	}

	if s.Where != "" {
		m, err := NewExprMatcher(s.Where)
		if err != nil {
			return fmt.Errorf("signature %q: %w", s.Name, err)
		}
		s.filter = m
	}

	if s.Severity == "" {
		s.Severity = models.SeverityMedium
	} else {
		s.Severity = models.ParseSeverity(string(s.Severity))
	}
	return nil
}

// WindowDuration returns the parsed window.
func (s *ThreatSignature) WindowDuration() time.Duration {
	return s.windowDuration
}

// CooldownDuration returns the parsed cooldown.
func (s *ThreatSignature) CooldownDuration() time.Duration {
	return s.cooldownDuration
}

// relevant reports whether the event can contribute to any stage.
func (s *ThreatSignature) relevant(e *models.SecurityEvent) bool {
	found := false
	for _, st := range s.Stages {
		if st.Event == e.Type {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if s.filter != nil {
		ok, err := s.filter.Match(e)
		return err == nil && ok
	}
	return true
}

// groupKey returns the counting group of an event, and false if the event
// cannot be attributed under the signature's scope.
func (s *ThreatSignature) groupKey(e *models.SecurityEvent) (string, bool) {
	if s.Scope == ScopeGlobal {
		return "", true
	}
	if e.UserID != "" {
		return e.UserID, true
	}
	// Failed logins for unknown accounts carry only the attempted username.
	if u := e.Detail("username"); u != "" {
		return "username:" + u, true
	}
	return "", false
}

// complete reports whether the entries, oldest first, satisfy every stage in order.
func (s *ThreatSignature) complete(entries []entry) bool {
	stage, count := 0, 0
	for _, en := range entries {
		if en.typ != s.Stages[stage].Event {
			continue
		}
		count++
		if count == s.Stages[stage].Count {
			stage++
			count = 0
			if stage == len(s.Stages) {
				return true
			}
		}
	}
	return false
}

// SignatureSet is the top-level YAML document.
type SignatureSet struct {
	Signatures []*ThreatSignature `yaml:"signatures"`
}

func enabled(v bool) *bool { return &v }

// DefaultSignatures returns the built-in signature set.
func DefaultSignatures() []*ThreatSignature {
	sigs := []*ThreatSignature{
		{
			Name:        "probable-intrusion",
			Description: "Repeated access denials followed by rate limiting",
			Severity:    models.SeverityCritical,
			Scope:       ScopeUser,
			Stages: []Stage{
				{Event: models.EventAccessDenied, Count: 3},
				{Event: models.EventRateLimitExceeded, Count: 1},
			},
			Window:     "10m",
			Mitigation: MitigationRevokeAccess,
			Cooldown:   "10m",
			Enabled:    enabled(true),
		},
		{
			Name:        "credential-stuffing",
			Description: "Many failed logins for one account",
			Severity:    models.SeverityHigh,
			Scope:       ScopeUser,
			Stages:      []Stage{{Event: models.EventAuthFailed, Count: 5}},
			Window:      "5m",
			Cooldown:    "5m",
			Enabled:     enabled(true),
		},
		{
			Name:        "tamper-storm",
			Description: "Several records tampered within an hour",
			Severity:    models.SeverityCritical,
			Scope:       ScopeGlobal,
			Stages:      []Stage{{Event: models.EventTamperDetected, Count: 3}},
			Window:      "1h",
			Cooldown:    "1h",
			Enabled:     enabled(true),
		},
		{
			Name:        "bypass-abuse",
			Description: "Repeated emergency bypasses for one user",
			Severity:    models.SeverityHigh,
			Scope:       ScopeUser,
			Stages:      []Stage{{Event: models.EventEmergencyBypass, Count: 2}},
			Window:      "1h",
			Cooldown:    "1h",
			Enabled:     enabled(true),
		},
	}
	for _, s := range sigs {
		if err := s.Validate(); err != nil {
			panic(err)
		}
	}
	return sigs
}
