package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketgate/sla-engine/internal/sla"
)

// PolicyRepository handles SLA policy data operations
type PolicyRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *sqlx.DB, logger *slog.Logger) *PolicyRepository {
	return &PolicyRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create inserts a new policy. The threshold ordering invariant is validated
// before anything is written.
func (p *PolicyRepository) Create(ctx context.Context, policy *sla.Policy, createdBy string) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	policy.Version = 1
	policy.CreatedAt = now
	policy.UpdatedAt = now
	if policy.EffectiveDate.IsZero() {
		policy.EffectiveDate = now
	}
	policy.ChangeHistory = append(policy.ChangeHistory, sla.ChangeRecord{
		ChangedBy:  createdBy,
		ChangeType: "created",
		ChangeDate: now,
	})

	query := `
		INSERT INTO sla_policies (
			id, entity_type, action_type, priority, time_targets, business_hours,
			escalation_chain, max_escalation_level, is_active, effective_date,
			expiry_date, change_history, version, created_at, updated_at
		) VALUES (
			:id, :entity_type, :action_type, :priority, :time_targets, :business_hours,
			:escalation_chain, :max_escalation_level, :is_active, :effective_date,
			:expiry_date, :change_history, :version, :created_at, :updated_at
		)`

	_, err := p.db.NamedExecContext(ctx, query, policy)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return &sla.ValidationError{
				Field:  "policy",
				Reason: fmt.Sprintf("policy already exists for %s", policy.Key()),
			}
		}
		p.logger.Error("Failed to create sla policy",
			"policy_id", policy.ID,
			"key", policy.Key(),
			"error", err)
		return fmt.Errorf("failed to create sla policy: %w", err)
	}

	p.logger.Info("SLA policy created",
		"policy_id", policy.ID,
		"key", policy.Key())
	return nil
}

// GetByID retrieves a policy by ID
func (p *PolicyRepository) GetByID(ctx context.Context, id string) (*sla.Policy, error) {
	query := `SELECT * FROM sla_policies WHERE id = $1`

	var policy sla.Policy
	err := p.db.GetContext(ctx, &policy, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sla.ErrPolicyNotFound
		}
		p.logger.Error("Failed to get sla policy by ID", "policy_id", id, "error", err)
		return nil, fmt.Errorf("failed to get sla policy by ID: %w", err)
	}

	return &policy, nil
}

// Resolve returns the unique active policy for a lookup key: is_active,
// effective_date <= now and expiry_date unset or in the future. A missing
// policy is the recoverable sla.ErrPolicyNotFound; callers fall back to the
// static default-hours table.
func (p *PolicyRepository) Resolve(ctx context.Context, entityType sla.EntityType, actionType sla.ActionType, priority sla.Priority) (*sla.Policy, error) {
	query := `
		SELECT * FROM sla_policies
		WHERE entity_type = $1 AND action_type = $2 AND priority = $3
		AND is_active = true
		AND effective_date <= NOW()
		AND (expiry_date IS NULL OR expiry_date > NOW())`

	var policy sla.Policy
	err := p.db.GetContext(ctx, &policy, query, entityType, actionType, priority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sla.ErrPolicyNotFound
		}
		p.logger.Error("Failed to resolve sla policy",
			"entity_type", entityType,
			"action_type", actionType,
			"priority", priority,
			"error", err)
		return nil, fmt.Errorf("failed to resolve sla policy: %w", err)
	}

	return &policy, nil
}

// Update mutates a policy in place. The threshold invariant is validated
// before the write; a failed validation leaves the stored policy unchanged.
// Every successful mutation appends one change record and bumps the version
// (optimistic locking, sla.ErrVersionConflict on a stale version).
func (p *PolicyRepository) Update(ctx context.Context, policy *sla.Policy, changedBy, reason string) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	current, err := p.GetByID(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("failed to get current policy: %w", err)
	}

	policy.ChangeHistory = append(current.ChangeHistory, sla.ChangeRecord{
		ChangedBy:  changedBy,
		ChangeType: "updated",
		Reason:     reason,
		PreviousValues: map[string]interface{}{
			"time_targets":     current.TimeTargets,
			"business_hours":   current.BusinessHours,
			"escalation_chain": current.EscalationChain,
			"is_active":        current.IsActive,
		},
		ChangeDate: time.Now().UTC(),
	})

	query := `
		UPDATE sla_policies SET
			time_targets = :time_targets,
			business_hours = :business_hours,
			escalation_chain = :escalation_chain,
			max_escalation_level = :max_escalation_level,
			is_active = :is_active,
			effective_date = :effective_date,
			expiry_date = :expiry_date,
			change_history = :change_history,
			version = :version,
			updated_at = :updated_at
		WHERE id = :id AND version = :current_version`

	policy.Version = current.Version + 1
	policy.UpdatedAt = time.Now().UTC()

	updateData := struct {
		*sla.Policy
		CurrentVersion int `db:"current_version"`
	}{
		Policy:         policy,
		CurrentVersion: current.Version,
	}

	result, err := p.db.NamedExecContext(ctx, query, updateData)
	if err != nil {
		p.logger.Error("Failed to update sla policy", "policy_id", policy.ID, "error", err)
		return fmt.Errorf("failed to update sla policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return sla.ErrVersionConflict
	}

	p.logger.Info("SLA policy updated",
		"policy_id", policy.ID,
		"new_version", policy.Version,
		"changed_by", changedBy)
	return nil
}

// Deactivate marks a policy inactive. Policies are never hard-deleted.
func (p *PolicyRepository) Deactivate(ctx context.Context, id, changedBy, reason string) error {
	policy, err := p.GetByID(ctx, id)
	if err != nil {
		return err
	}
	policy.IsActive = false
	return p.Update(ctx, policy, changedBy, reason)
}

// List retrieves policies with filtering and pagination
func (p *PolicyRepository) List(ctx context.Context, filter PolicyFilter) ([]*sla.Policy, int, error) {
	var conditions []string
	var args []interface{}
	argIndex := 0

	if filter.EntityType != "" {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", argIndex))
		args = append(args, filter.EntityType)
	}
	if filter.ActionType != "" {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("action_type = $%d", argIndex))
		args = append(args, filter.ActionType)
	}
	if filter.Priority != "" {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("priority = $%d", argIndex))
		args = append(args, filter.Priority)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active = true")
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sla_policies %s", whereClause)
	var total int
	if err := p.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		p.logger.Error("Failed to count sla policies", "error", err)
		return nil, 0, fmt.Errorf("failed to count sla policies: %w", err)
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
		SELECT * FROM sla_policies %s
		ORDER BY entity_type, action_type, priority %s`,
		whereClause, limitClause)

	var policies []*sla.Policy
	if err := p.db.SelectContext(ctx, &policies, dataQuery, args...); err != nil {
		p.logger.Error("Failed to list sla policies", "error", err)
		return nil, 0, fmt.Errorf("failed to list sla policies: %w", err)
	}

	return policies, total, nil
}

// Stats returns policy counts for the metrics collector.
func (p *PolicyRepository) Stats(ctx context.Context) (total, active int, err error) {
	query := `
		SELECT COUNT(*) AS total,
			COUNT(*) FILTER (WHERE is_active) AS active
		FROM sla_policies`

	row := struct {
		Total  int `db:"total"`
		Active int `db:"active"`
	}{}
	if err := p.db.GetContext(ctx, &row, query); err != nil {
		return 0, 0, fmt.Errorf("failed to get policy stats: %w", err)
	}
	return row.Total, row.Active, nil
}

// PolicyFilter narrows policy list queries.
type PolicyFilter struct {
	EntityType sla.EntityType
	ActionType sla.ActionType
	Priority   sla.Priority
	ActiveOnly bool
	Limit      int
	Offset     int
}
