package sla

import (
	"database/sql/driver"
	"time"
)

// Grade is a letter bucket derived from a 0-100 weighted score.
type Grade string

const (
	GradeAPlus Grade = "A+"
	GradeA     Grade = "A"
	GradeBPlus Grade = "B+"
	GradeB     Grade = "B"
	GradeCPlus Grade = "C+"
	GradeC     Grade = "C"
	GradeD     Grade = "D"
	GradeF     Grade = "F"
)

// QualityMetrics carries quality signals reported about an administrator
// outside the timeliness pipeline.
type QualityMetrics struct {
	ComplaintsReceived   int `json:"complaints_received"`
	EscalationsTriggered int `json:"escalations_triggered"`
}

// Metrics is the incremental per-period action aggregate of a scorecard.
type Metrics struct {
	TotalActions    int            `json:"total_actions"`
	Approvals       int            `json:"approvals"`
	Rejections      int            `json:"rejections"`
	ApprovalRate    float64        `json:"approval_rate"`
	AvgResponseTime float64        `json:"avg_response_time"`
	LateActions     int            `json:"late_actions"`
	ActionBreakdown map[string]int `json:"action_breakdown,omitempty"`
	Quality         QualityMetrics `json:"quality_metrics"`
}

func (m Metrics) Value() (driver.Value, error) { return jsonbValue(m) }
func (m *Metrics) Scan(src interface{}) error  { return jsonbScan(m, src) }

// SLAPerformance tracks how many recorded actions met their SLA target.
type SLAPerformance struct {
	TotalSLATargets int     `json:"total_sla_targets"`
	MetSLATargets   int     `json:"met_sla_targets"`
	ComplianceRate  float64 `json:"sla_compliance_rate"`
}

func (s SLAPerformance) Value() (driver.Value, error) { return jsonbValue(s) }
func (s *SLAPerformance) Scan(src interface{}) error  { return jsonbScan(s, src) }

// Violation records one action that exceeded its SLA target. Immutable once
// appended to a scorecard; EscalationLevel is maintained on the denormalized
// violation row by the escalation sweep, not here.
type Violation struct {
	ID                string        `json:"id"`
	EntityType        EntityType    `json:"entity_type"`
	EntityID          string        `json:"entity_id"`
	SubmittedAt       time.Time     `json:"submitted_at"`
	ActionTakenAt     time.Time     `json:"action_taken_at"`
	ResponseTimeHours float64       `json:"response_time_hours"`
	SLATargetHours    float64       `json:"sla_target_hours"`
	Type              ViolationType `json:"violation_type"`
	SeverityLevel     SeverityLevel `json:"severity_level"`
}

// ViolationList is the ordered, append-only violation log of a scorecard.
type ViolationList []Violation

func (v ViolationList) Value() (driver.Value, error) { return jsonbValue(v) }
func (v *ViolationList) Scan(src interface{}) error  { return jsonbScan(v, src) }

// PerformanceGrade is the derived letter-grade block. Recomputed immediately
// before every persist; never read back as authoritative state.
type PerformanceGrade struct {
	Overall       Grade `json:"overall"`
	ResponseTime  Grade `json:"response_time"`
	SLACompliance Grade `json:"sla_compliance"`
	QualityScore  Grade `json:"quality_score"`
}

func (g PerformanceGrade) Value() (driver.Value, error) { return jsonbValue(g) }
func (g *PerformanceGrade) Scan(src interface{}) error  { return jsonbScan(g, src) }

// Scorecard is the period-scoped performance ledger of one administrator,
// unique on (admin_id, period, period_type). Mutated only through
// RecordAction, AddViolation and AddComplaint; all saves go through the
// versioned repository save which recomputes Grade first.
type Scorecard struct {
	ID             string           `db:"id" json:"id"`
	AdminID        string           `db:"admin_id" json:"admin_id"`
	Period         string           `db:"period" json:"period"`
	PeriodType     PeriodType       `db:"period_type" json:"period_type"`
	Metrics        Metrics          `db:"metrics" json:"metrics"`
	SLAPerformance SLAPerformance   `db:"sla_performance" json:"sla_performance"`
	Violations     ViolationList    `db:"violations" json:"violations"`
	Grade          PerformanceGrade `db:"performance_grade" json:"performance_grade"`
	Version        int              `db:"version" json:"version"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// RecordAction folds one completed action into the aggregate. Not idempotent:
// replaying the same outcome double-counts it (at-most-once delivery is the
// producer's contract).
func (s *Scorecard) RecordAction(outcome ActionOutcome, slaTargetHours float64) {
	m := &s.Metrics
	m.TotalActions++

	switch outcome.ActionType {
	case ActionApproval:
		m.Approvals++
	case ActionRejection:
		m.Rejections++
	}

	if decided := m.Approvals + m.Rejections; decided > 0 {
		m.ApprovalRate = float64(m.Approvals) / float64(decided) * 100
	} else {
		m.ApprovalRate = 0
	}

	// O(1) running average over all recorded actions.
	responseHours := outcome.ResponseHours()
	m.AvgResponseTime = (m.AvgResponseTime*float64(m.TotalActions-1) + responseHours) / float64(m.TotalActions)

	if m.ActionBreakdown == nil {
		m.ActionBreakdown = make(map[string]int)
	}
	m.ActionBreakdown[string(outcome.ActionType)]++

	s.SLAPerformance.TotalSLATargets++
	if responseHours <= slaTargetHours {
		s.SLAPerformance.MetSLATargets++
	}
	s.SLAPerformance.ComplianceRate = float64(s.SLAPerformance.MetSLATargets) /
		float64(s.SLAPerformance.TotalSLATargets) * 100
}

// AddViolation appends a violation and re-derives the late-action compliance
// rate from the violation count.
func (s *Scorecard) AddViolation(v Violation) {
	s.Violations = append(s.Violations, v)
	s.Metrics.LateActions = len(s.Violations)
	if total := s.SLAPerformance.TotalSLATargets; total > 0 {
		s.SLAPerformance.ComplianceRate = float64(total-s.Metrics.LateActions) / float64(total) * 100
	}
}

// AddComplaint registers one quality complaint against the administrator.
func (s *Scorecard) AddComplaint() {
	s.Metrics.Quality.ComplaintsReceived++
}
