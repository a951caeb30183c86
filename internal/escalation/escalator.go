// Package escalation resolves the current escalation level for an aging
// violation from its policy's chain. It sends nothing itself; the resolved
// target is handed to an external notifier.
package escalation

import (
	"log/slog"

	"github.com/marketgate/sla-engine/internal/sla"
)

// Target is the responder level resolved for a violation's current age,
// exposed to the notifier collaborator.
type Target struct {
	Level        int      `json:"level"`
	RoleRequired string   `json:"role_required"`
	Channels     []string `json:"channels"`
}

// Escalator walks policy escalation chains.
type Escalator struct {
	logger *slog.Logger
}

// NewEscalator creates a new escalator.
func NewEscalator(logger *slog.Logger) *Escalator {
	return &Escalator{logger: logger}
}

// CurrentLevel returns the highest chain level whose cumulative threshold the
// violation age has exceeded, capped at the policy's max escalation level.
// Thresholds accumulate from violation start: level N is reached once the age
// exceeds the sum of TimeToEscalateToNext for levels 1..N. Level 0 means no
// escalation yet.
func (e *Escalator) CurrentLevel(policy *sla.Policy, violationAgeHours float64) int {
	level := 0
	cumulative := 0.0
	for _, step := range policy.EscalationChain {
		cumulative += step.TimeToEscalateToNext
		if violationAgeHours < cumulative {
			break
		}
		level = step.Level
	}
	if policy.MaxEscalationLevel > 0 && level > policy.MaxEscalationLevel {
		level = policy.MaxEscalationLevel
	}
	return level
}

// Resolve returns the notification target for a violation's current age, or
// nil when no escalation level has been reached.
func (e *Escalator) Resolve(policy *sla.Policy, violationAgeHours float64) *Target {
	level := e.CurrentLevel(policy, violationAgeHours)
	if level == 0 {
		return nil
	}
	for _, step := range policy.EscalationChain {
		if step.Level == level {
			return &Target{
				Level:        step.Level,
				RoleRequired: step.RoleRequired,
				Channels:     step.Channels,
			}
		}
	}
	e.logger.Warn("Escalation level missing from chain",
		"policy_id", policy.ID,
		"level", level)
	return nil
}
