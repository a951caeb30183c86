package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicy() *Policy {
	return &Policy{
		EntityType: EntityVendor,
		ActionType: ActionVerification,
		Priority:   PriorityHigh,
		TimeTargets: TimeTargets{
			WarningHours:    6,
			TargetHours:     8,
			EscalationHours: 12,
			CriticalHours:   24,
		},
		EscalationChain: EscalationChain{
			{Level: 1, RoleRequired: "senior_admin", Channels: []string{"email"}, TimeToEscalateToNext: 2},
			{Level: 2, RoleRequired: "team_lead", Channels: []string{"email", "slack"}, TimeToEscalateToNext: 4},
		},
		MaxEscalationLevel: 2,
		IsActive:           true,
		EffectiveDate:      time.Now().Add(-time.Hour),
	}
}

func TestTimeTargets_Validate(t *testing.T) {
	t.Run("ordered thresholds pass", func(t *testing.T) {
		targets := TimeTargets{WarningHours: 6, TargetHours: 8, EscalationHours: 12, CriticalHours: 24}
		assert.NoError(t, targets.Validate())
	})

	t.Run("rejects warning above target", func(t *testing.T) {
		targets := TimeTargets{WarningHours: 10, TargetHours: 8, EscalationHours: 12, CriticalHours: 24}
		err := targets.Validate()
		require.Error(t, err)

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "time_targets", validationErr.Field)
	})

	t.Run("rejects non-positive warning", func(t *testing.T) {
		targets := TimeTargets{WarningHours: 0, TargetHours: 8, EscalationHours: 12, CriticalHours: 24}
		assert.Error(t, targets.Validate())
	})

	t.Run("rejects equal thresholds", func(t *testing.T) {
		targets := TimeTargets{WarningHours: 8, TargetHours: 8, EscalationHours: 12, CriticalHours: 24}
		assert.Error(t, targets.Validate())
	})
}

func TestTimeTargets_Classify(t *testing.T) {
	targets := TimeTargets{WarningHours: 6, TargetHours: 8, EscalationHours: 12, CriticalHours: 24}

	tests := []struct {
		name          string
		responseHours float64
		want          Severity
	}{
		{"under target is compliant", 5, SeverityCompliant},
		{"exactly target is compliant", 8, SeverityCompliant},
		{"between target and escalation is warning", 10, SeverityWarning},
		{"exactly escalation is warning", 12, SeverityWarning},
		{"between escalation and critical is violation", 18, SeverityViolation},
		{"exactly critical is violation", 24, SeverityViolation},
		{"past critical is critical violation", 30, SeverityCriticalViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, targets.Classify(tt.responseHours))
		})
	}
}

func TestTimeTargets_ClassifyMonotonic(t *testing.T) {
	targets := TimeTargets{WarningHours: 6, TargetHours: 8, EscalationHours: 12, CriticalHours: 24}

	previous := -1
	for hours := 0.0; hours <= 48; hours += 0.5 {
		rank := targets.Classify(hours).Rank()
		assert.GreaterOrEqual(t, rank, previous, "severity regressed at %v hours", hours)
		previous = rank
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Run("valid policy passes", func(t *testing.T) {
		assert.NoError(t, validPolicy().Validate())
	})

	t.Run("rejects unknown entity type", func(t *testing.T) {
		policy := validPolicy()
		policy.EntityType = "warehouse"
		assert.Error(t, policy.Validate())
	})

	t.Run("rejects non-contiguous escalation chain", func(t *testing.T) {
		policy := validPolicy()
		policy.EscalationChain = EscalationChain{
			{Level: 1, RoleRequired: "senior_admin", TimeToEscalateToNext: 2},
			{Level: 3, RoleRequired: "director", TimeToEscalateToNext: 4},
		}
		assert.Error(t, policy.Validate())
	})

	t.Run("rejects non-positive escalation window", func(t *testing.T) {
		policy := validPolicy()
		policy.EscalationChain = EscalationChain{
			{Level: 1, RoleRequired: "senior_admin", TimeToEscalateToNext: 0},
		}
		policy.MaxEscalationLevel = 1
		assert.Error(t, policy.Validate())
	})

	t.Run("rejects max level beyond chain", func(t *testing.T) {
		policy := validPolicy()
		policy.MaxEscalationLevel = 5
		assert.Error(t, policy.Validate())
	})
}

func TestPolicy_ActiveAt(t *testing.T) {
	now := time.Now()

	t.Run("active within window", func(t *testing.T) {
		policy := validPolicy()
		assert.True(t, policy.ActiveAt(now))
	})

	t.Run("inactive flag wins", func(t *testing.T) {
		policy := validPolicy()
		policy.IsActive = false
		assert.False(t, policy.ActiveAt(now))
	})

	t.Run("not yet effective", func(t *testing.T) {
		policy := validPolicy()
		policy.EffectiveDate = now.Add(time.Hour)
		assert.False(t, policy.ActiveAt(now))
	})

	t.Run("expired", func(t *testing.T) {
		policy := validPolicy()
		expiry := now.Add(-time.Minute)
		policy.ExpiryDate = &expiry
		assert.False(t, policy.ActiveAt(now))
	})
}

func TestPolicy_Deadline(t *testing.T) {
	submitted := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC) // a Monday

	t.Run("plain target without business hours", func(t *testing.T) {
		policy := validPolicy()
		deadline := policy.Deadline(submitted, true)
		assert.Equal(t, submitted.Add(8*time.Hour), deadline)
	})

	t.Run("five working days stretch the target linearly", func(t *testing.T) {
		policy := validPolicy()
		policy.TimeTargets.TargetHours = 24
		policy.BusinessHours = BusinessHoursConfig{
			Enabled: true,
			WorkingDays: []time.Weekday{
				time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
			},
		}

		// 24h + 2/7 * 24h, a linear weekend share rather than a calendar walk.
		wantHours := 24 + 2.0/7.0*24
		deadline := policy.Deadline(submitted, true)
		assert.InDelta(t, wantHours, deadline.Sub(submitted).Hours(), 0.001)
	})

	t.Run("empty working days means every day, no stretch", func(t *testing.T) {
		policy := validPolicy()
		policy.BusinessHours = BusinessHoursConfig{Enabled: true}
		deadline := policy.Deadline(submitted, true)
		assert.Equal(t, submitted.Add(8*time.Hour), deadline)
	})

	t.Run("business hours disabled by caller", func(t *testing.T) {
		policy := validPolicy()
		policy.BusinessHours = BusinessHoursConfig{
			Enabled:     true,
			WorkingDays: []time.Weekday{time.Monday},
		}
		deadline := policy.Deadline(submitted, false)
		assert.Equal(t, submitted.Add(8*time.Hour), deadline)
	})
}

func TestDefaultSLAHours(t *testing.T) {
	t.Run("known key", func(t *testing.T) {
		assert.Equal(t, 8.0, DefaultSLAHours(EntityVendor, ActionVerification, PriorityHigh))
		assert.Equal(t, 24.0, DefaultSLAHours(EntityVendor, ActionVerification, PriorityMedium))
	})

	t.Run("unknown key falls back to global default", func(t *testing.T) {
		assert.Equal(t, float64(FallbackSLAHours), DefaultSLAHours(EntityOrder, ActionApproval, PriorityLow))
	})
}

func TestDefaultTargets(t *testing.T) {
	targets := DefaultTargets(8)

	assert.Equal(t, 6.0, targets.WarningHours)
	assert.Equal(t, 8.0, targets.TargetHours)
	assert.Equal(t, 12.0, targets.EscalationHours)
	assert.Equal(t, 24.0, targets.CriticalHours)
	assert.NoError(t, targets.Validate())
}

func TestFormatPeriod(t *testing.T) {
	at := time.Date(2024, 3, 15, 13, 30, 0, 0, time.UTC)

	assert.Equal(t, "2024-03", FormatPeriod(PeriodMonthly, at))
	assert.Equal(t, "2024-03-15", FormatPeriod(PeriodDaily, at))
}
