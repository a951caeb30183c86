package sla

import "time"

// EntityType identifies the kind of marketplace record a gating action applies to.
type EntityType string

const (
	EntityVendor  EntityType = "vendor"
	EntityListing EntityType = "listing"
	EntityProduct EntityType = "product"
	EntityOrder   EntityType = "order"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityVendor, EntityListing, EntityProduct, EntityOrder:
		return true
	}
	return false
}

// ParseEntityType validates an inbound entity type string.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(s)
	if !e.Valid() {
		return "", newValidationError("entity_type", "unknown entity type %q", s)
	}
	return e, nil
}

// ActionType identifies the administrative decision that was taken.
type ActionType string

const (
	ActionApproval     ActionType = "approval"
	ActionRejection    ActionType = "rejection"
	ActionReview       ActionType = "review"
	ActionVerification ActionType = "verification"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionApproval, ActionRejection, ActionReview, ActionVerification:
		return true
	}
	return false
}

func ParseActionType(s string) (ActionType, error) {
	a := ActionType(s)
	if !a.Valid() {
		return "", newValidationError("action_type", "unknown action type %q", s)
	}
	return a, nil
}

// Priority orders how urgently a gating action must be handled.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", newValidationError("priority", "unknown priority %q", s)
	}
	return p, nil
}

// Severity classifies the timeliness of a completed action against its policy.
type Severity string

const (
	SeverityCompliant         Severity = "compliant"
	SeverityWarning           Severity = "warning"
	SeverityViolation         Severity = "violation"
	SeverityCriticalViolation Severity = "critical_violation"
)

// Rank orders severities from compliant (0) to critical violation (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityCompliant:
		return 0
	case SeverityWarning:
		return 1
	case SeverityViolation:
		return 2
	case SeverityCriticalViolation:
		return 3
	}
	return -1
}

// ViolationType labels why a late action is recorded as a violation.
type ViolationType string

const (
	ViolationLateApproval        ViolationType = "late_approval"
	ViolationMissedDeadline      ViolationType = "missed_deadline"
	ViolationEscalationTriggered ViolationType = "escalation_triggered"
	ViolationWeekendDelay        ViolationType = "weekend_delay"
)

func (v ViolationType) Valid() bool {
	switch v {
	case ViolationLateApproval, ViolationMissedDeadline, ViolationEscalationTriggered, ViolationWeekendDelay:
		return true
	}
	return false
}

func ParseViolationType(s string) (ViolationType, error) {
	v := ViolationType(s)
	if !v.Valid() {
		return "", newValidationError("violation_type", "unknown violation type %q", s)
	}
	return v, nil
}

// SeverityLevel grades how far past its target a violation landed.
type SeverityLevel string

const (
	SeverityLevelLow      SeverityLevel = "low"
	SeverityLevelMedium   SeverityLevel = "medium"
	SeverityLevelHigh     SeverityLevel = "high"
	SeverityLevelCritical SeverityLevel = "critical"
)

func (s SeverityLevel) Valid() bool {
	switch s {
	case SeverityLevelLow, SeverityLevelMedium, SeverityLevelHigh, SeverityLevelCritical:
		return true
	}
	return false
}

func ParseSeverityLevel(s string) (SeverityLevel, error) {
	l := SeverityLevel(s)
	if !l.Valid() {
		return "", newValidationError("severity_level", "unknown severity level %q", s)
	}
	return l, nil
}

// PeriodType selects the granularity a scorecard aggregates over.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodMonthly PeriodType = "monthly"
)

func (p PeriodType) Valid() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

func ParsePeriodType(s string) (PeriodType, error) {
	p := PeriodType(s)
	if !p.Valid() {
		return "", newValidationError("period_type", "unknown period type %q", s)
	}
	return p, nil
}

// FormatPeriod encodes a timestamp as a period key: "2006-01" for monthly,
// "2006-01-02" for daily.
func FormatPeriod(pt PeriodType, t time.Time) string {
	if pt == PeriodDaily {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01")
}

// CurrentPeriod returns the period key containing now.
func CurrentPeriod(pt PeriodType, now time.Time) string {
	return FormatPeriod(pt, now)
}
