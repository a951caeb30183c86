package sla

import "time"

// ActionOutcome is the inbound message emitted by the approval workflow when
// an administrator finishes a gating decision. Delivery is at-most-once per
// action; recording the same outcome twice double-counts it.
type ActionOutcome struct {
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	AdminID       string     `json:"admin_id"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	ActionTakenAt time.Time  `json:"action_taken_at"`
	ActionType    ActionType `json:"action_type"`
	Priority      Priority   `json:"priority"`
}

// ResponseHours is the elapsed wall-clock time between submission and action.
func (o ActionOutcome) ResponseHours() float64 {
	return o.ActionTakenAt.Sub(o.SubmittedAt).Hours()
}

// Validate checks the closed enums and timestamp ordering at the boundary.
func (o ActionOutcome) Validate() error {
	if !o.EntityType.Valid() {
		return newValidationError("entity_type", "unknown entity type %q", string(o.EntityType))
	}
	if o.EntityID == "" {
		return newValidationError("entity_id", "must not be empty")
	}
	if o.AdminID == "" {
		return newValidationError("admin_id", "must not be empty")
	}
	if !o.ActionType.Valid() {
		return newValidationError("action_type", "unknown action type %q", string(o.ActionType))
	}
	if !o.Priority.Valid() {
		return newValidationError("priority", "unknown priority %q", string(o.Priority))
	}
	if o.SubmittedAt.IsZero() || o.ActionTakenAt.IsZero() {
		return newValidationError("timestamps", "submitted_at and action_taken_at are required")
	}
	if o.ActionTakenAt.Before(o.SubmittedAt) {
		return newValidationError("timestamps", "action_taken_at precedes submitted_at")
	}
	return nil
}
