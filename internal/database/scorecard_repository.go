package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketgate/sla-engine/internal/scoring"
	"github.com/marketgate/sla-engine/internal/sla"
)

// ScorecardRepository handles performance scorecard data operations. Save is
// the only persist path and unconditionally recomputes the grade block first,
// so no scorecard is ever stored with a grade from a prior metrics snapshot.
type ScorecardRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewScorecardRepository creates a new scorecard repository
func NewScorecardRepository(db *sqlx.DB, logger *slog.Logger) *ScorecardRepository {
	return &ScorecardRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// GetOrCreate is an idempotent fetch-or-insert of the unique scorecard key,
// with all-zero metrics on creation.
func (s *ScorecardRepository) GetOrCreate(ctx context.Context, adminID, period string, periodType sla.PeriodType) (*sla.Scorecard, error) {
	card := &sla.Scorecard{
		ID:         uuid.NewString(),
		AdminID:    adminID,
		Period:     period,
		PeriodType: periodType,
		Metrics:    sla.Metrics{},
		Version:    1,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	scoring.CalculateGrade(card)

	insert := `
		INSERT INTO scorecards (
			id, admin_id, period, period_type, metrics, sla_performance,
			violations, performance_grade, version, created_at, updated_at
		) VALUES (
			:id, :admin_id, :period, :period_type, :metrics, :sla_performance,
			:violations, :performance_grade, :version, :created_at, :updated_at
		) ON CONFLICT (admin_id, period, period_type) DO NOTHING`

	if _, err := s.db.NamedExecContext(ctx, insert, card); err != nil {
		s.logger.Error("Failed to create scorecard",
			"admin_id", adminID,
			"period", period,
			"error", err)
		return nil, fmt.Errorf("failed to create scorecard: %w", err)
	}

	return s.Get(ctx, adminID, period, periodType)
}

// Get fetches a scorecard by its unique key.
func (s *ScorecardRepository) Get(ctx context.Context, adminID, period string, periodType sla.PeriodType) (*sla.Scorecard, error) {
	query := `
		SELECT * FROM scorecards
		WHERE admin_id = $1 AND period = $2 AND period_type = $3`

	var card sla.Scorecard
	err := s.db.GetContext(ctx, &card, query, adminID, period, periodType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sla.ErrScorecardNotFound
		}
		s.logger.Error("Failed to get scorecard",
			"admin_id", adminID,
			"period", period,
			"error", err)
		return nil, fmt.Errorf("failed to get scorecard: %w", err)
	}

	return &card, nil
}

// Save persists a mutated scorecard under optimistic concurrency: the stored
// version must equal the version the caller read, otherwise the write fails
// with sla.ErrVersionConflict and the caller re-reads and retries. The grade
// block is recomputed from the current metrics before every write.
func (s *ScorecardRepository) Save(ctx context.Context, card *sla.Scorecard) error {
	return s.save(ctx, s.db, card)
}

// SaveWithViolation persists the scorecard and the denormalized violation row
// in one transaction so the embedded and queryable copies cannot diverge.
func (s *ScorecardRepository) SaveWithViolation(ctx context.Context, card *sla.Scorecard, row *ViolationRow) error {
	return s.Transaction(func(tx *sqlx.Tx) error {
		if err := s.save(ctx, tx, card); err != nil {
			return err
		}
		return insertViolationRow(ctx, tx, row)
	})
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

func (s *ScorecardRepository) save(ctx context.Context, execer namedExecer, card *sla.Scorecard) error {
	scoring.CalculateGrade(card)
	card.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE scorecards SET
			metrics = :metrics,
			sla_performance = :sla_performance,
			violations = :violations,
			performance_grade = :performance_grade,
			version = version + 1,
			updated_at = :updated_at
		WHERE id = :id AND version = :version`

	result, err := execer.NamedExecContext(ctx, query, card)
	if err != nil {
		s.logger.Error("Failed to save scorecard",
			"scorecard_id", card.ID,
			"admin_id", card.AdminID,
			"error", err)
		return fmt.Errorf("failed to save scorecard: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return sla.ErrVersionConflict
	}

	card.Version++
	return nil
}

// ListByPeriod returns all scorecards of a period, for leaderboards and team
// comparison. Reads are point-in-time snapshots with no cross-card isolation.
func (s *ScorecardRepository) ListByPeriod(ctx context.Context, periodType sla.PeriodType, period string) ([]*sla.Scorecard, error) {
	query := `
		SELECT * FROM scorecards
		WHERE period_type = $1 AND period = $2
		ORDER BY admin_id ASC`

	var cards []*sla.Scorecard
	if err := s.db.SelectContext(ctx, &cards, query, periodType, period); err != nil {
		s.logger.Error("Failed to list scorecards by period",
			"period_type", periodType,
			"period", period,
			"error", err)
		return nil, fmt.Errorf("failed to list scorecards by period: %w", err)
	}

	return cards, nil
}

// ListRecentForAdmin returns the most recent scorecards of one administrator,
// newest period first.
func (s *ScorecardRepository) ListRecentForAdmin(ctx context.Context, adminID string, periodType sla.PeriodType, limit int) ([]*sla.Scorecard, error) {
	query := `
		SELECT * FROM scorecards
		WHERE admin_id = $1 AND period_type = $2
		ORDER BY period DESC
		LIMIT $3`

	var cards []*sla.Scorecard
	if err := s.db.SelectContext(ctx, &cards, query, adminID, periodType, limit); err != nil {
		s.logger.Error("Failed to list recent scorecards",
			"admin_id", adminID,
			"error", err)
		return nil, fmt.Errorf("failed to list recent scorecards: %w", err)
	}

	return cards, nil
}

// ListForRange returns scorecards whose period key falls inside the range,
// optionally restricted to an admin subset. Period keys sort
// lexicographically within one period type.
func (s *ScorecardRepository) ListForRange(ctx context.Context, periodType sla.PeriodType, fromPeriod, toPeriod string, adminIDs []string) ([]*sla.Scorecard, error) {
	query := `
		SELECT * FROM scorecards
		WHERE period_type = $1 AND period >= $2 AND period <= $3`
	args := []interface{}{periodType, fromPeriod, toPeriod}

	if len(adminIDs) > 0 {
		query += ` AND admin_id = ANY($4)`
		args = append(args, pq.Array(adminIDs))
	}
	query += ` ORDER BY admin_id ASC, period DESC`

	var cards []*sla.Scorecard
	if err := s.db.SelectContext(ctx, &cards, query, args...); err != nil {
		s.logger.Error("Failed to list scorecards for range",
			"period_type", periodType,
			"from", fromPeriod,
			"to", toPeriod,
			"error", err)
		return nil, fmt.Errorf("failed to list scorecards for range: %w", err)
	}

	return cards, nil
}

// Stats returns scorecard counts for the metrics collector.
func (s *ScorecardRepository) Stats(ctx context.Context) (total int, err error) {
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM scorecards`); err != nil {
		return 0, fmt.Errorf("failed to get scorecard stats: %w", err)
	}
	return total, nil
}
