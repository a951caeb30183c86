// Package reporting builds cross-scorecard aggregations: leaderboards,
// per-administrator trends, team comparison and report generation. All
// operations are read-only point-in-time snapshots; concurrent writes during
// a report may mix before/after states of different scorecards, which is
// acceptable staleness rather than a correctness bug.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/scoring"
	"github.com/marketgate/sla-engine/internal/sla"
)

// ScorecardReader is the read surface over stored scorecards.
type ScorecardReader interface {
	ListByPeriod(ctx context.Context, periodType sla.PeriodType, period string) ([]*sla.Scorecard, error)
	ListRecentForAdmin(ctx context.Context, adminID string, periodType sla.PeriodType, limit int) ([]*sla.Scorecard, error)
	ListForRange(ctx context.Context, periodType sla.PeriodType, fromPeriod, toPeriod string, adminIDs []string) ([]*sla.Scorecard, error)
}

// ViolationReader is the read surface over stored violation rows.
type ViolationReader interface {
	List(ctx context.Context, filter database.ViolationFilter) ([]*database.ViolationRow, int, error)
	GroupStats(ctx context.Context, from, to time.Time, adminIDs []string) ([]*database.ViolationGroupStats, error)
}

// ReportKind selects the shape of a generated report.
type ReportKind string

const (
	ReportComprehensive ReportKind = "comprehensive"
	ReportSummary       ReportKind = "summary"
	ReportViolations    ReportKind = "violations"
)

func (k ReportKind) Valid() bool {
	return k == ReportComprehensive || k == ReportSummary || k == ReportViolations
}

// TopPerformer is one leaderboard entry.
type TopPerformer struct {
	AdminID           string    `json:"admin_id"`
	Period            string    `json:"period"`
	ApprovalRate      float64   `json:"approval_rate"`
	SLAComplianceRate float64   `json:"sla_compliance_rate"`
	AvgResponseTime   float64   `json:"avg_response_time"`
	TotalActions      int       `json:"total_actions"`
	OverallScore      float64   `json:"overall_score"`
	Grade             sla.Grade `json:"grade"`
}

// TrendPoint is one period in an administrator's trend, newest first.
type TrendPoint struct {
	Period            string    `json:"period"`
	ApprovalRate      float64   `json:"approval_rate"`
	SLAComplianceRate float64   `json:"sla_compliance_rate"`
	AvgResponseTime   float64   `json:"avg_response_time"`
	OverallScore      float64   `json:"overall_score"`
	Grade             sla.Grade `json:"grade"`
}

// Trend is an administrator's recent trajectory with improvement deltas
// between the latest and previous period. ResponseTimeChange is inverted
// (previous minus latest) because lower response time is better.
type Trend struct {
	AdminID             string         `json:"admin_id"`
	PeriodType          sla.PeriodType `json:"period_type"`
	Points              []TrendPoint   `json:"points"`
	ApprovalRateChange  float64        `json:"approval_rate_change"`
	SLAComplianceChange float64        `json:"sla_compliance_change"`
	OverallScoreChange  float64        `json:"overall_score_change"`
	ResponseTimeChange  float64        `json:"response_time_change"`
}

// TeamComparison aggregates one period across all administrators.
type TeamComparison struct {
	PeriodType        sla.PeriodType `json:"period_type"`
	Period            string         `json:"period"`
	AdminCount        int            `json:"admin_count"`
	AvgApprovalRate   float64        `json:"avg_approval_rate"`
	AvgResponseTime   float64        `json:"avg_response_time"`
	AvgSLACompliance  float64        `json:"avg_sla_compliance"`
	TotalActions      int            `json:"total_actions"`
	MinOverallScore   float64        `json:"min_overall_score"`
	MaxOverallScore   float64        `json:"max_overall_score"`
	HighPerformers    int            `json:"high_performers"`
	NeedsImprovement  int            `json:"needs_improvement"`
}

// Report is the result of GenerateReport; sections are populated per kind.
type Report struct {
	Kind        ReportKind                      `json:"kind"`
	PeriodType  sla.PeriodType                  `json:"period_type"`
	From        time.Time                       `json:"from"`
	To          time.Time                       `json:"to"`
	GeneratedAt time.Time                       `json:"generated_at"`
	Summary     *TeamComparison                 `json:"summary,omitempty"`
	Scorecards  []*sla.Scorecard                `json:"scorecards,omitempty"`
	Trends      []*Trend                        `json:"trends,omitempty"`
	Violations  []*database.ViolationRow        `json:"violations,omitempty"`
	Breakdown   []*database.ViolationGroupStats `json:"violation_breakdown,omitempty"`
}

// Service builds reports from stored scorecards and violations.
type Service struct {
	logger     *slog.Logger
	scorecards ScorecardReader
	violations ViolationReader
	now        func() time.Time
}

// NewService creates a new reporting service.
func NewService(logger *slog.Logger, scorecards ScorecardReader, violations ViolationReader) *Service {
	return &Service{
		logger:     logger,
		scorecards: scorecards,
		violations: violations,
		now:        time.Now,
	}
}

// TopPerformers ranks the current period's scorecards by approval rate with
// SLA compliance as a stable secondary sort, truncated to limit. An empty
// period yields an empty leaderboard, never an error.
func (s *Service) TopPerformers(ctx context.Context, periodType sla.PeriodType, limit int) ([]TopPerformer, error) {
	period := sla.CurrentPeriod(periodType, s.now())
	cards, err := s.scorecards.ListByPeriod(ctx, periodType, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load scorecards for leaderboard: %w", err)
	}

	performers := make([]TopPerformer, 0, len(cards))
	for _, card := range cards {
		performers = append(performers, TopPerformer{
			AdminID:           card.AdminID,
			Period:            card.Period,
			ApprovalRate:      card.Metrics.ApprovalRate,
			SLAComplianceRate: card.SLAPerformance.ComplianceRate,
			AvgResponseTime:   card.Metrics.AvgResponseTime,
			TotalActions:      card.Metrics.TotalActions,
			OverallScore:      scoring.OverallScore(card),
			Grade:             scoring.GradeFromScore(scoring.OverallScore(card)),
		})
	}

	sort.SliceStable(performers, func(i, j int) bool {
		if performers[i].ApprovalRate != performers[j].ApprovalRate {
			return performers[i].ApprovalRate > performers[j].ApprovalRate
		}
		return performers[i].SLAComplianceRate > performers[j].SLAComplianceRate
	})

	if limit > 0 && len(performers) > limit {
		performers = performers[:limit]
	}
	return performers, nil
}

// Trend returns the N most recent scorecards of an administrator, newest
// first, with improvement deltas between the latest and previous period.
func (s *Service) Trend(ctx context.Context, adminID string, periodType sla.PeriodType, lastN int) (*Trend, error) {
	if lastN <= 0 {
		lastN = 6
	}
	cards, err := s.scorecards.ListRecentForAdmin(ctx, adminID, periodType, lastN)
	if err != nil {
		return nil, fmt.Errorf("failed to load scorecards for trend: %w", err)
	}

	trend := &Trend{AdminID: adminID, PeriodType: periodType, Points: make([]TrendPoint, 0, len(cards))}
	for _, card := range cards {
		score := scoring.OverallScore(card)
		trend.Points = append(trend.Points, TrendPoint{
			Period:            card.Period,
			ApprovalRate:      card.Metrics.ApprovalRate,
			SLAComplianceRate: card.SLAPerformance.ComplianceRate,
			AvgResponseTime:   card.Metrics.AvgResponseTime,
			OverallScore:      score,
			Grade:             scoring.GradeFromScore(score),
		})
	}

	if len(trend.Points) >= 2 {
		latest, previous := trend.Points[0], trend.Points[1]
		trend.ApprovalRateChange = latest.ApprovalRate - previous.ApprovalRate
		trend.SLAComplianceChange = latest.SLAComplianceRate - previous.SLAComplianceRate
		trend.OverallScoreChange = latest.OverallScore - previous.OverallScore
		trend.ResponseTimeChange = previous.AvgResponseTime - latest.AvgResponseTime
	}

	return trend, nil
}

// TeamComparison aggregates the current period across all administrators.
// An empty period returns zeroed aggregates, never an error.
func (s *Service) TeamComparison(ctx context.Context, periodType sla.PeriodType) (*TeamComparison, error) {
	period := sla.CurrentPeriod(periodType, s.now())
	cards, err := s.scorecards.ListByPeriod(ctx, periodType, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load scorecards for team comparison: %w", err)
	}
	return buildComparison(periodType, period, cards), nil
}

func buildComparison(periodType sla.PeriodType, period string, cards []*sla.Scorecard) *TeamComparison {
	comparison := &TeamComparison{
		PeriodType: periodType,
		Period:     period,
		AdminCount: len(cards),
	}
	if len(cards) == 0 {
		return comparison
	}

	var sumApproval, sumResponse, sumCompliance float64
	for i, card := range cards {
		score := scoring.OverallScore(card)
		sumApproval += card.Metrics.ApprovalRate
		sumResponse += card.Metrics.AvgResponseTime
		sumCompliance += card.SLAPerformance.ComplianceRate
		comparison.TotalActions += card.Metrics.TotalActions

		if i == 0 || score < comparison.MinOverallScore {
			comparison.MinOverallScore = score
		}
		if i == 0 || score > comparison.MaxOverallScore {
			comparison.MaxOverallScore = score
		}
		if scoring.IsHighPerformer(card) {
			comparison.HighPerformers++
		}
		if scoring.NeedsImprovement(card) {
			comparison.NeedsImprovement++
		}
	}

	n := float64(len(cards))
	comparison.AvgApprovalRate = sumApproval / n
	comparison.AvgResponseTime = sumResponse / n
	comparison.AvgSLACompliance = sumCompliance / n
	return comparison
}

// GenerateReport builds a report of the requested kind over a date range
// with an optional admin subset. Read-only; never mutates scorecards.
func (s *Service) GenerateReport(ctx context.Context, kind ReportKind, periodType sla.PeriodType, from, to time.Time, adminIDs []string) (*Report, error) {
	if !kind.Valid() {
		return nil, &sla.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown report kind %q", kind)}
	}
	if to.Before(from) {
		return nil, &sla.ValidationError{Field: "range", Reason: "report range end precedes start"}
	}

	report := &Report{
		Kind:        kind,
		PeriodType:  periodType,
		From:        from,
		To:          to,
		GeneratedAt: s.now().UTC(),
	}

	fromPeriod := sla.FormatPeriod(periodType, from)
	toPeriod := sla.FormatPeriod(periodType, to)

	cards, err := s.scorecards.ListForRange(ctx, periodType, fromPeriod, toPeriod, adminIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load scorecards for report: %w", err)
	}
	report.Summary = buildComparison(periodType, fmt.Sprintf("%s..%s", fromPeriod, toPeriod), cards)

	if kind == ReportSummary {
		return report, nil
	}

	if kind == ReportComprehensive {
		report.Scorecards = cards
		for _, adminID := range distinctAdmins(cards) {
			trend, err := s.Trend(ctx, adminID, periodType, 6)
			if err != nil {
				return nil, err
			}
			report.Trends = append(report.Trends, trend)
		}
	}

	violations, _, err := s.violations.List(ctx, database.ViolationFilter{
		DateFrom: &from,
		DateTo:   &to,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load violations for report: %w", err)
	}
	report.Violations = filterViolationsByAdmin(violations, adminIDs)

	breakdown, err := s.violations.GroupStats(ctx, from, to, adminIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load violation breakdown: %w", err)
	}
	report.Breakdown = breakdown

	s.logger.Info("Report generated",
		"kind", kind,
		"period_type", periodType,
		"scorecards", len(cards),
		"violations", len(report.Violations))
	return report, nil
}

func distinctAdmins(cards []*sla.Scorecard) []string {
	seen := make(map[string]struct{}, len(cards))
	var admins []string
	for _, card := range cards {
		if _, ok := seen[card.AdminID]; !ok {
			seen[card.AdminID] = struct{}{}
			admins = append(admins, card.AdminID)
		}
	}
	return admins
}

func filterViolationsByAdmin(rows []*database.ViolationRow, adminIDs []string) []*database.ViolationRow {
	if len(adminIDs) == 0 {
		return rows
	}
	allowed := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		allowed[id] = struct{}{}
	}
	filtered := rows[:0:0]
	for _, row := range rows {
		if _, ok := allowed[row.AdminID]; ok {
			filtered = append(filtered, row)
		}
	}
	return filtered
}
