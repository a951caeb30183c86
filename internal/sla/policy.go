package sla

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// TimeTargets holds the ordered response-time thresholds of a policy, in hours.
// Invariant: WarningHours < TargetHours < EscalationHours < CriticalHours.
type TimeTargets struct {
	TargetHours     float64 `json:"target_hours"`
	WarningHours    float64 `json:"warning_hours"`
	EscalationHours float64 `json:"escalation_hours"`
	CriticalHours   float64 `json:"critical_hours"`
}

// Validate enforces the threshold ordering invariant.
func (t TimeTargets) Validate() error {
	if t.WarningHours <= 0 {
		return newValidationError("time_targets", "warning_hours must be positive, got %v", t.WarningHours)
	}
	if !(t.WarningHours < t.TargetHours && t.TargetHours < t.EscalationHours && t.EscalationHours < t.CriticalHours) {
		return newValidationError("time_targets",
			"thresholds must satisfy warning < target < escalation < critical, got %v/%v/%v/%v",
			t.WarningHours, t.TargetHours, t.EscalationHours, t.CriticalHours)
	}
	return nil
}

// Classify buckets a raw response time against the raw thresholds. The
// business-hour adjustment from Deadline is deliberately not applied here.
func (t TimeTargets) Classify(responseHours float64) Severity {
	switch {
	case responseHours <= t.TargetHours:
		return SeverityCompliant
	case responseHours <= t.EscalationHours:
		return SeverityWarning
	case responseHours <= t.CriticalHours:
		return SeverityViolation
	default:
		return SeverityCriticalViolation
	}
}

func (t TimeTargets) Value() (driver.Value, error) { return jsonbValue(t) }
func (t *TimeTargets) Scan(src interface{}) error  { return jsonbScan(t, src) }

// BusinessHoursConfig controls the simplified business-hour stretch applied to
// deadlines. WorkingDays lists the weekdays the team is staffed.
type BusinessHoursConfig struct {
	Enabled           bool           `json:"enabled"`
	WorkingDays       []time.Weekday `json:"working_days"`
	HolidayMultiplier float64        `json:"holiday_multiplier"`
}

// IsWorkingDay reports whether d is one of the configured working days. An
// empty WorkingDays list treats every day as working.
func (b BusinessHoursConfig) IsWorkingDay(d time.Weekday) bool {
	if len(b.WorkingDays) == 0 {
		return true
	}
	for _, wd := range b.WorkingDays {
		if wd == d {
			return true
		}
	}
	return false
}

func (b BusinessHoursConfig) Value() (driver.Value, error) { return jsonbValue(b) }
func (b *BusinessHoursConfig) Scan(src interface{}) error  { return jsonbScan(b, src) }

// EscalationStep is one responder level in a policy's escalation chain.
// TimeToEscalateToNext is measured in hours from violation start (cumulative).
type EscalationStep struct {
	Level                int      `json:"level"`
	RoleRequired         string   `json:"role_required"`
	Channels             []string `json:"channels"`
	TimeToEscalateToNext float64  `json:"time_to_escalate_to_next"`
}

// EscalationChain is the ordered list of responder levels for a policy.
type EscalationChain []EscalationStep

// Validate checks level ordering and positive escalation windows.
func (c EscalationChain) Validate() error {
	for i, step := range c {
		if step.Level != i+1 {
			return newValidationError("escalation_chain", "levels must be contiguous from 1, step %d has level %d", i, step.Level)
		}
		if step.TimeToEscalateToNext <= 0 {
			return newValidationError("escalation_chain", "level %d has non-positive escalation window", step.Level)
		}
	}
	return nil
}

func (c EscalationChain) Value() (driver.Value, error) { return jsonbValue(c) }
func (c *EscalationChain) Scan(src interface{}) error  { return jsonbScan(c, src) }

// ChangeRecord is one append-only audit entry on a policy.
type ChangeRecord struct {
	ChangedBy      string                 `json:"changed_by"`
	ChangeType     string                 `json:"change_type"`
	PreviousValues map[string]interface{} `json:"previous_values,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	ChangeDate     time.Time              `json:"change_date"`
}

// ChangeHistory is the append-only mutation log embedded in a policy.
type ChangeHistory []ChangeRecord

func (h ChangeHistory) Value() (driver.Value, error) { return jsonbValue(h) }
func (h *ChangeHistory) Scan(src interface{}) error  { return jsonbScan(h, src) }

// Policy is the configured SLA for one (entity type, action type, priority)
// combination. Policies are never hard-deleted; supersession happens by
// mutating in place and appending to ChangeHistory.
type Policy struct {
	ID                 string              `db:"id" json:"id"`
	EntityType         EntityType          `db:"entity_type" json:"entity_type"`
	ActionType         ActionType          `db:"action_type" json:"action_type"`
	Priority           Priority            `db:"priority" json:"priority"`
	TimeTargets        TimeTargets         `db:"time_targets" json:"time_targets"`
	BusinessHours      BusinessHoursConfig `db:"business_hours" json:"business_hours"`
	EscalationChain    EscalationChain     `db:"escalation_chain" json:"escalation_chain"`
	MaxEscalationLevel int                 `db:"max_escalation_level" json:"max_escalation_level"`
	IsActive           bool                `db:"is_active" json:"is_active"`
	EffectiveDate      time.Time           `db:"effective_date" json:"effective_date"`
	ExpiryDate         *time.Time          `db:"expiry_date" json:"expiry_date,omitempty"`
	ChangeHistory      ChangeHistory       `db:"change_history" json:"change_history"`
	Version            int                 `db:"version" json:"version"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// Validate checks the closed enums, the threshold invariant and the chain.
func (p *Policy) Validate() error {
	if !p.EntityType.Valid() {
		return newValidationError("entity_type", "unknown entity type %q", string(p.EntityType))
	}
	if !p.ActionType.Valid() {
		return newValidationError("action_type", "unknown action type %q", string(p.ActionType))
	}
	if !p.Priority.Valid() {
		return newValidationError("priority", "unknown priority %q", string(p.Priority))
	}
	if err := p.TimeTargets.Validate(); err != nil {
		return err
	}
	if err := p.EscalationChain.Validate(); err != nil {
		return err
	}
	if p.MaxEscalationLevel < 0 || p.MaxEscalationLevel > len(p.EscalationChain) {
		return newValidationError("max_escalation_level",
			"must be between 0 and chain length %d, got %d", len(p.EscalationChain), p.MaxEscalationLevel)
	}
	return nil
}

// ActiveAt reports whether the policy applies at the given instant.
func (p *Policy) ActiveAt(now time.Time) bool {
	if !p.IsActive || p.EffectiveDate.After(now) {
		return false
	}
	return p.ExpiryDate == nil || p.ExpiryDate.After(now)
}

// Deadline computes the due time for an action submitted at submittedAt.
// When business hours are enabled and fewer than seven working days are
// configured, the target is stretched linearly by the weekend share
// (target + weekendDays/7 * target). This is a deliberate approximation,
// not a calendar walk that skips non-working days exactly.
func (p *Policy) Deadline(submittedAt time.Time, considerBusinessHours bool) time.Time {
	hours := p.TimeTargets.TargetHours
	if considerBusinessHours && p.BusinessHours.Enabled && len(p.BusinessHours.WorkingDays) < 7 && len(p.BusinessHours.WorkingDays) > 0 {
		weekendDays := 7 - len(p.BusinessHours.WorkingDays)
		hours += float64(weekendDays) / 7.0 * p.TimeTargets.TargetHours
	}
	return submittedAt.Add(time.Duration(hours * float64(time.Hour)))
}

// ClassifySeverity buckets the elapsed response time for an action.
func (p *Policy) ClassifySeverity(submittedAt, actionTakenAt time.Time) Severity {
	return p.TimeTargets.Classify(actionTakenAt.Sub(submittedAt).Hours())
}

// Key returns the composite lookup key for logging and cache indexing.
func (p *Policy) Key() string {
	return policyKey(p.EntityType, p.ActionType, p.Priority)
}

func policyKey(e EntityType, a ActionType, pr Priority) string {
	return fmt.Sprintf("%s:%s:%s", e, a, pr)
}

// FallbackSLAHours is the global default applied when neither a policy nor a
// default-table entry matches.
const FallbackSLAHours = 24

// defaultSLAHours is the static fallback table consulted when no active
// policy matches a lookup key.
var defaultSLAHours = map[string]float64{
	"vendor:verification:urgent": 4,
	"vendor:verification:high":   8,
	"vendor:verification:medium": 24,
	"vendor:verification:low":    48,
	"listing:approval:urgent":    6,
	"listing:approval:high":      12,
	"listing:approval:medium":    24,
	"listing:approval:low":       72,
	"product:review:urgent":      4,
	"product:review:high":        8,
	"product:review:medium":      36,
	"product:review:low":         72,
	"order:review:high":          6,
	"order:review:medium":        12,
}

// DefaultSLAHours returns the static target hours for a key, falling back to
// the global 24h default when no table entry exists.
func DefaultSLAHours(e EntityType, a ActionType, p Priority) float64 {
	if hours, ok := defaultSLAHours[policyKey(e, a, p)]; ok {
		return hours
	}
	return FallbackSLAHours
}

// DefaultTargets derives a full threshold set from a bare target-hours value,
// used when classification must proceed without a configured policy.
func DefaultTargets(targetHours float64) TimeTargets {
	return TimeTargets{
		WarningHours:    targetHours * 0.75,
		TargetHours:     targetHours,
		EscalationHours: targetHours * 1.5,
		CriticalHours:   targetHours * 3,
	}
}
