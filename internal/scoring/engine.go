// Package scoring derives weighted performance scores and letter grades from
// scorecard aggregates. All functions are pure over an already-fetched
// scorecard and safe for unlimited concurrent readers.
package scoring

import "github.com/marketgate/sla-engine/internal/sla"

// Component weights of the overall score.
const (
	approvalWeight   = 0.3
	complianceWeight = 0.4
	responseWeight   = 0.2
	qualityWeight    = 0.1
)

// High-performer and needs-improvement thresholds.
const (
	highPerformerScore      = 85
	highPerformerCompliance = 90
	highPerformerApproval   = 80

	needsImprovementScore      = 70
	needsImprovementCompliance = 75
	needsImprovementResponse   = 24
)

// ResponseTimeScore maps average response hours onto a 0-100 scale, clamped
// at zero (50h average and worse all score 0).
func ResponseTimeScore(avgResponseHours float64) float64 {
	return clampFloor(100 - avgResponseHours*2)
}

// QualityScore maps the complaint count onto a 0-100 scale, clamped at zero.
func QualityScore(complaints int) float64 {
	return clampFloor(100 - float64(complaints)*10)
}

// OverallScore computes the weighted multi-factor score. The approval and
// compliance terms are already 0-100 percentages and are not clamped; the
// response-time and quality terms are individually floored at zero before
// weighting.
func OverallScore(card *sla.Scorecard) float64 {
	return approvalWeight*card.Metrics.ApprovalRate +
		complianceWeight*card.SLAPerformance.ComplianceRate +
		responseWeight*ResponseTimeScore(card.Metrics.AvgResponseTime) +
		qualityWeight*QualityScore(card.Metrics.Quality.ComplaintsReceived)
}

// GradeFromScore maps a score onto the contiguous letter-grade scale.
func GradeFromScore(score float64) sla.Grade {
	switch {
	case score >= 97:
		return sla.GradeAPlus
	case score >= 93:
		return sla.GradeA
	case score >= 90:
		return sla.GradeBPlus
	case score >= 87:
		return sla.GradeB
	case score >= 83:
		return sla.GradeCPlus
	case score >= 80:
		return sla.GradeC
	case score >= 70:
		return sla.GradeD
	default:
		return sla.GradeF
	}
}

// CalculateGrade recomputes all four grade fields in place. Must run
// immediately before every persist so no scorecard is saved with a grade
// derived from a prior metrics snapshot.
func CalculateGrade(card *sla.Scorecard) {
	card.Grade = sla.PerformanceGrade{
		Overall:       GradeFromScore(OverallScore(card)),
		ResponseTime:  GradeFromScore(ResponseTimeScore(card.Metrics.AvgResponseTime)),
		SLACompliance: GradeFromScore(card.SLAPerformance.ComplianceRate),
		QualityScore:  GradeFromScore(QualityScore(card.Metrics.Quality.ComplaintsReceived)),
	}
}

// IsHighPerformer reports whether the scorecard clears every high-performer bar.
func IsHighPerformer(card *sla.Scorecard) bool {
	return OverallScore(card) >= highPerformerScore &&
		card.SLAPerformance.ComplianceRate >= highPerformerCompliance &&
		card.Metrics.ApprovalRate >= highPerformerApproval
}

// NeedsImprovement reports whether any needs-improvement trigger fires.
func NeedsImprovement(card *sla.Scorecard) bool {
	return OverallScore(card) < needsImprovementScore ||
		card.SLAPerformance.ComplianceRate < needsImprovementCompliance ||
		card.Metrics.AvgResponseTime > needsImprovementResponse
}

func clampFloor(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
