package reporting

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/scoring"
	"github.com/marketgate/sla-engine/internal/sla"
)

type mockScorecards struct {
	byPeriod map[string][]*sla.Scorecard
	byAdmin  map[string][]*sla.Scorecard
	inRange  []*sla.Scorecard
}

func (m *mockScorecards) ListByPeriod(_ context.Context, _ sla.PeriodType, period string) ([]*sla.Scorecard, error) {
	return m.byPeriod[period], nil
}

func (m *mockScorecards) ListRecentForAdmin(_ context.Context, adminID string, _ sla.PeriodType, limit int) ([]*sla.Scorecard, error) {
	cards := m.byAdmin[adminID]
	if limit > 0 && len(cards) > limit {
		cards = cards[:limit]
	}
	return cards, nil
}

func (m *mockScorecards) ListForRange(_ context.Context, _ sla.PeriodType, _, _ string, _ []string) ([]*sla.Scorecard, error) {
	return m.inRange, nil
}

type mockViolations struct {
	rows  []*database.ViolationRow
	stats []*database.ViolationGroupStats
}

func (m *mockViolations) List(_ context.Context, _ database.ViolationFilter) ([]*database.ViolationRow, int, error) {
	return m.rows, len(m.rows), nil
}

func (m *mockViolations) GroupStats(_ context.Context, _, _ time.Time, _ []string) ([]*database.ViolationGroupStats, error) {
	return m.stats, nil
}

func testService(scorecards *mockScorecards, violations *mockViolations) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewService(logger, scorecards, violations)
	s.now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	return s
}

func card(adminID, period string, approvalRate, compliance, avgResponse float64, totalActions int) *sla.Scorecard {
	return &sla.Scorecard{
		AdminID:    adminID,
		Period:     period,
		PeriodType: sla.PeriodMonthly,
		Metrics: sla.Metrics{
			ApprovalRate:    approvalRate,
			AvgResponseTime: avgResponse,
			TotalActions:    totalActions,
		},
		SLAPerformance: sla.SLAPerformance{ComplianceRate: compliance},
	}
}

func TestService_TopPerformers(t *testing.T) {
	scorecards := &mockScorecards{
		byPeriod: map[string][]*sla.Scorecard{
			"2024-03": {
				card("admin-b", "2024-03", 90, 95, 4, 40),
				card("admin-a", "2024-03", 95, 80, 6, 50),
				card("admin-c", "2024-03", 90, 98, 3, 30),
			},
		},
	}
	service := testService(scorecards, &mockViolations{})

	performers, err := service.TopPerformers(context.Background(), sla.PeriodMonthly, 0)
	require.NoError(t, err)
	require.Len(t, performers, 3)

	// Approval rate first, compliance breaks the 90/90 tie.
	assert.Equal(t, "admin-a", performers[0].AdminID)
	assert.Equal(t, "admin-c", performers[1].AdminID)
	assert.Equal(t, "admin-b", performers[2].AdminID)

	t.Run("truncates to limit", func(t *testing.T) {
		top, err := service.TopPerformers(context.Background(), sla.PeriodMonthly, 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "admin-a", top[0].AdminID)
	})

	t.Run("empty period yields empty leaderboard", func(t *testing.T) {
		empty := testService(&mockScorecards{byPeriod: map[string][]*sla.Scorecard{}}, &mockViolations{})
		performers, err := empty.TopPerformers(context.Background(), sla.PeriodMonthly, 10)
		require.NoError(t, err)
		assert.Empty(t, performers)
	})
}

func TestService_Trend(t *testing.T) {
	latest := card("admin-1", "2024-03", 90, 95, 4, 40)
	previous := card("admin-1", "2024-02", 80, 90, 6, 35)

	scorecards := &mockScorecards{
		byAdmin: map[string][]*sla.Scorecard{
			"admin-1": {latest, previous},
		},
	}
	service := testService(scorecards, &mockViolations{})

	trend, err := service.Trend(context.Background(), "admin-1", sla.PeriodMonthly, 6)
	require.NoError(t, err)
	require.Len(t, trend.Points, 2)

	assert.Equal(t, "2024-03", trend.Points[0].Period)
	assert.InDelta(t, 10.0, trend.ApprovalRateChange, 0.001)
	assert.InDelta(t, 5.0, trend.SLAComplianceChange, 0.001)
	assert.InDelta(t, 2.0, trend.ResponseTimeChange, 0.001, "inverted: faster is positive")

	wantScoreChange := scoring.OverallScore(latest) - scoring.OverallScore(previous)
	assert.InDelta(t, wantScoreChange, trend.OverallScoreChange, 0.001)

	t.Run("single period has zero deltas", func(t *testing.T) {
		scorecards.byAdmin["admin-2"] = []*sla.Scorecard{card("admin-2", "2024-03", 90, 95, 4, 40)}
		trend, err := service.Trend(context.Background(), "admin-2", sla.PeriodMonthly, 6)
		require.NoError(t, err)
		assert.Len(t, trend.Points, 1)
		assert.Zero(t, trend.OverallScoreChange)
	})
}

func TestService_TeamComparison(t *testing.T) {
	high := card("admin-high", "2024-03", 95, 98, 2, 60)
	mid := card("admin-mid", "2024-03", 85, 88, 10, 40)
	low := card("admin-low", "2024-03", 50, 60, 30, 20)

	scorecards := &mockScorecards{
		byPeriod: map[string][]*sla.Scorecard{
			"2024-03": {high, mid, low},
		},
	}
	service := testService(scorecards, &mockViolations{})

	comparison, err := service.TeamComparison(context.Background(), sla.PeriodMonthly)
	require.NoError(t, err)

	assert.Equal(t, 3, comparison.AdminCount)
	assert.Equal(t, 120, comparison.TotalActions)
	assert.InDelta(t, (95.0+85+50)/3, comparison.AvgApprovalRate, 0.001)
	assert.InDelta(t, (98.0+88+60)/3, comparison.AvgSLACompliance, 0.001)
	assert.InDelta(t, (2.0+10+30)/3, comparison.AvgResponseTime, 0.001)
	assert.InDelta(t, scoring.OverallScore(high), comparison.MaxOverallScore, 0.001)
	assert.InDelta(t, scoring.OverallScore(low), comparison.MinOverallScore, 0.001)
	assert.Equal(t, 1, comparison.HighPerformers)
	assert.Equal(t, 1, comparison.NeedsImprovement)

	t.Run("empty period returns zeroed aggregates", func(t *testing.T) {
		empty := testService(&mockScorecards{byPeriod: map[string][]*sla.Scorecard{}}, &mockViolations{})
		comparison, err := empty.TeamComparison(context.Background(), sla.PeriodMonthly)
		require.NoError(t, err)
		assert.Equal(t, 0, comparison.AdminCount)
		assert.Zero(t, comparison.AvgApprovalRate)
	})
}

func TestService_GenerateReport(t *testing.T) {
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	scorecards := &mockScorecards{
		inRange: []*sla.Scorecard{
			card("admin-1", "2024-03", 90, 95, 4, 40),
			card("admin-1", "2024-02", 85, 90, 5, 35),
			card("admin-2", "2024-03", 70, 75, 12, 20),
		},
		byAdmin: map[string][]*sla.Scorecard{
			"admin-1": {card("admin-1", "2024-03", 90, 95, 4, 40)},
			"admin-2": {card("admin-2", "2024-03", 70, 75, 12, 20)},
		},
	}
	violations := &mockViolations{
		rows: []*database.ViolationRow{
			{ID: "v-1", AdminID: "admin-1", ViolationType: sla.ViolationLateApproval},
			{ID: "v-2", AdminID: "admin-2", ViolationType: sla.ViolationMissedDeadline},
		},
		stats: []*database.ViolationGroupStats{
			{AdminID: "admin-1", ViolationType: sla.ViolationLateApproval, Count: 1},
		},
	}
	service := testService(scorecards, violations)

	t.Run("summary report carries only the summary", func(t *testing.T) {
		report, err := service.GenerateReport(context.Background(),
			ReportSummary, sla.PeriodMonthly, from, to, nil)
		require.NoError(t, err)

		require.NotNil(t, report.Summary)
		assert.Equal(t, 3, report.Summary.AdminCount)
		assert.Nil(t, report.Scorecards)
		assert.Nil(t, report.Violations)
		assert.Nil(t, report.Breakdown)
	})

	t.Run("comprehensive report carries everything", func(t *testing.T) {
		report, err := service.GenerateReport(context.Background(),
			ReportComprehensive, sla.PeriodMonthly, from, to, nil)
		require.NoError(t, err)

		assert.Len(t, report.Scorecards, 3)
		assert.Len(t, report.Trends, 2, "one trend per distinct admin")
		assert.Len(t, report.Violations, 2)
		assert.Len(t, report.Breakdown, 1)
	})

	t.Run("violations report skips scorecards", func(t *testing.T) {
		report, err := service.GenerateReport(context.Background(),
			ReportViolations, sla.PeriodMonthly, from, to, nil)
		require.NoError(t, err)

		assert.Nil(t, report.Scorecards)
		assert.Nil(t, report.Trends)
		assert.Len(t, report.Violations, 2)
		assert.Len(t, report.Breakdown, 1)
	})

	t.Run("admin subset filters violations", func(t *testing.T) {
		report, err := service.GenerateReport(context.Background(),
			ReportViolations, sla.PeriodMonthly, from, to, []string{"admin-1"})
		require.NoError(t, err)

		require.Len(t, report.Violations, 1)
		assert.Equal(t, "v-1", report.Violations[0].ID)
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		_, err := service.GenerateReport(context.Background(),
			ReportKind("quarterly"), sla.PeriodMonthly, from, to, nil)
		require.Error(t, err)

		var validationErr *sla.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("rejects inverted range", func(t *testing.T) {
		_, err := service.GenerateReport(context.Background(),
			ReportSummary, sla.PeriodMonthly, to, from, nil)
		require.Error(t, err)
	})
}
