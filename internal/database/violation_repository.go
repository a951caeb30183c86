package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketgate/sla-engine/internal/sla"
)

// ViolationRow is the denormalized, queryable copy of a ledger-embedded
// violation. The embedded list on the scorecard stays authoritative for
// ledger math; rows exist for the filtered query surface and the escalation
// sweep, and carry the last resolved escalation level.
type ViolationRow struct {
	ID                string            `db:"id" json:"id"`
	AdminID           string            `db:"admin_id" json:"admin_id"`
	Period            string            `db:"period" json:"period"`
	PeriodType        sla.PeriodType    `db:"period_type" json:"period_type"`
	PolicyID          *string           `db:"policy_id" json:"policy_id,omitempty"`
	EntityType        sla.EntityType    `db:"entity_type" json:"entity_type"`
	EntityID          string            `db:"entity_id" json:"entity_id"`
	SubmittedAt       time.Time         `db:"submitted_at" json:"submitted_at"`
	ActionTakenAt     time.Time         `db:"action_taken_at" json:"action_taken_at"`
	ResponseTimeHours float64           `db:"response_time_hours" json:"response_time_hours"`
	SLATargetHours    float64           `db:"sla_target_hours" json:"sla_target_hours"`
	ViolationType     sla.ViolationType `db:"violation_type" json:"violation_type"`
	SeverityLevel     sla.SeverityLevel `db:"severity_level" json:"severity_level"`
	EscalationLevel   int               `db:"escalation_level" json:"escalation_level"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// ViolationFilter narrows violation list queries.
type ViolationFilter struct {
	AdminID       string
	EntityType    sla.EntityType
	ViolationType sla.ViolationType
	SeverityLevel sla.SeverityLevel
	DateFrom      *time.Time
	DateTo        *time.Time
	Limit         int
	Offset        int
}

// ViolationGroupStats is one row of the violations report grouping.
type ViolationGroupStats struct {
	AdminID       string            `db:"admin_id" json:"admin_id"`
	EntityType    sla.EntityType    `db:"entity_type" json:"entity_type"`
	ViolationType sla.ViolationType `db:"violation_type" json:"violation_type"`
	Count         int               `db:"count" json:"count"`
	AvgExceedance float64           `db:"avg_exceedance" json:"avg_exceedance_hours"`
}

// ViolationRepository handles violation row operations
type ViolationRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewViolationRepository creates a new violation repository
func NewViolationRepository(db *sqlx.DB, logger *slog.Logger) *ViolationRepository {
	return &ViolationRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

func insertViolationRow(ctx context.Context, execer namedExecer, row *ViolationRow) error {
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt

	query := `
		INSERT INTO violations (
			id, admin_id, period, period_type, policy_id, entity_type, entity_id,
			submitted_at, action_taken_at, response_time_hours, sla_target_hours,
			violation_type, severity_level, escalation_level, created_at, updated_at
		) VALUES (
			:id, :admin_id, :period, :period_type, :policy_id, :entity_type, :entity_id,
			:submitted_at, :action_taken_at, :response_time_hours, :sla_target_hours,
			:violation_type, :severity_level, :escalation_level, :created_at, :updated_at
		)`

	if _, err := execer.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// Insert stores a violation row outside a ledger transaction (sweep backfill).
func (v *ViolationRepository) Insert(ctx context.Context, row *ViolationRow) error {
	if err := insertViolationRow(ctx, v.db, row); err != nil {
		v.logger.Error("Failed to insert violation", "violation_id", row.ID, "error", err)
		return err
	}
	return nil
}

// List retrieves violations with filtering and pagination. Empty result sets
// are returned as empty slices, never as errors.
func (v *ViolationRepository) List(ctx context.Context, filter ViolationFilter) ([]*ViolationRow, int, error) {
	var conditions []string
	var args []interface{}
	argIndex := 0

	addCondition := func(clause string, value interface{}) {
		argIndex++
		conditions = append(conditions, fmt.Sprintf(clause, argIndex))
		args = append(args, value)
	}

	if filter.AdminID != "" {
		addCondition("admin_id = $%d", filter.AdminID)
	}
	if filter.EntityType != "" {
		addCondition("entity_type = $%d", filter.EntityType)
	}
	if filter.ViolationType != "" {
		addCondition("violation_type = $%d", filter.ViolationType)
	}
	if filter.SeverityLevel != "" {
		addCondition("severity_level = $%d", filter.SeverityLevel)
	}
	if filter.DateFrom != nil {
		addCondition("action_taken_at >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		addCondition("action_taken_at <= $%d", *filter.DateTo)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM violations %s", whereClause)
	var total int
	if err := v.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		v.logger.Error("Failed to count violations", "error", err)
		return nil, 0, fmt.Errorf("failed to count violations: %w", err)
	}

	limitClause := ""
	if filter.Limit > 0 {
		argIndex++
		limitClause = fmt.Sprintf("LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			argIndex++
			limitClause += fmt.Sprintf(" OFFSET $%d", argIndex)
			args = append(args, filter.Offset)
		}
	}

	dataQuery := fmt.Sprintf(`
		SELECT * FROM violations %s
		ORDER BY action_taken_at DESC %s`,
		whereClause, limitClause)

	rows := []*ViolationRow{}
	if err := v.db.SelectContext(ctx, &rows, dataQuery, args...); err != nil {
		v.logger.Error("Failed to list violations", "error", err)
		return nil, 0, fmt.Errorf("failed to list violations: %w", err)
	}

	return rows, total, nil
}

// ListForSweep returns violations recorded since the cutoff whose escalation
// level may still change, oldest first so the sweep escalates in order.
func (v *ViolationRepository) ListForSweep(ctx context.Context, since time.Time) ([]*ViolationRow, error) {
	query := `
		SELECT * FROM violations
		WHERE action_taken_at >= $1 AND policy_id IS NOT NULL
		ORDER BY action_taken_at ASC`

	rows := []*ViolationRow{}
	if err := v.db.SelectContext(ctx, &rows, query, since); err != nil {
		v.logger.Error("Failed to list violations for sweep", "error", err)
		return nil, fmt.Errorf("failed to list violations for sweep: %w", err)
	}

	return rows, nil
}

// UpdateEscalationLevel records a newly resolved escalation level.
func (v *ViolationRepository) UpdateEscalationLevel(ctx context.Context, id string, level int) error {
	query := `
		UPDATE violations SET
			escalation_level = $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := v.db.ExecContext(ctx, query, id, level)
	if err != nil {
		v.logger.Error("Failed to update escalation level", "violation_id", id, "error", err)
		return fmt.Errorf("failed to update escalation level: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("violation not found: %s", id)
	}

	return nil
}

// GroupStats aggregates violations by admin, entity type and violation type
// with the average exceedance over the SLA target, for the violations report.
func (v *ViolationRepository) GroupStats(ctx context.Context, from, to time.Time, adminIDs []string) ([]*ViolationGroupStats, error) {
	query := `
		SELECT
			admin_id,
			entity_type,
			violation_type,
			COUNT(*) AS count,
			AVG(response_time_hours - sla_target_hours) AS avg_exceedance
		FROM violations
		WHERE action_taken_at >= $1 AND action_taken_at <= $2`
	args := []interface{}{from, to}

	if len(adminIDs) > 0 {
		query += ` AND admin_id = ANY($3)`
		args = append(args, pq.Array(adminIDs))
	}
	query += `
		GROUP BY admin_id, entity_type, violation_type
		ORDER BY count DESC`

	stats := []*ViolationGroupStats{}
	if err := v.db.SelectContext(ctx, &stats, query, args...); err != nil {
		v.logger.Error("Failed to get violation group stats", "error", err)
		return nil, fmt.Errorf("failed to get violation group stats: %w", err)
	}

	return stats, nil
}

// Stats returns violation counts by severity for the metrics collector.
func (v *ViolationRepository) Stats(ctx context.Context) (map[sla.SeverityLevel]int, error) {
	query := `
		SELECT severity_level, COUNT(*) AS count
		FROM violations
		GROUP BY severity_level`

	rows := []struct {
		SeverityLevel sla.SeverityLevel `db:"severity_level"`
		Count         int               `db:"count"`
	}{}
	if err := v.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get violation stats: %w", err)
	}

	stats := make(map[sla.SeverityLevel]int, len(rows))
	for _, row := range rows {
		stats[row.SeverityLevel] = row.Count
	}
	return stats, nil
}
