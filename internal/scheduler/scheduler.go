// Package scheduler runs the periodic escalation sweep: as recorded
// violations age, their escalation level is re-resolved against the policy
// chain and an event is published for the notifier on every level change.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/engine"
	"github.com/marketgate/sla-engine/internal/escalation"
	"github.com/marketgate/sla-engine/internal/sla"
)

// Scheduler manages periodic tasks
type Scheduler struct {
	config        *config.Config
	logger        *slog.Logger
	cron          *cron.Cron
	policyRepo    *database.PolicyRepository
	violationRepo *database.ViolationRepository
	escalator     *escalation.Escalator
	notifier      engine.Notifier

	mu          sync.Mutex
	sweepRuns   int64
	sweepErrors int64
	lastSweep   time.Time
	escalated   int64
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	SweepRuns   int64     `json:"sweep_runs"`
	SweepErrors int64     `json:"sweep_errors"`
	Escalated   int64     `json:"escalated"`
	LastSweep   time.Time `json:"last_sweep"`
}

// NewScheduler creates a new scheduler
func NewScheduler(
	cfg *config.Config,
	logger *slog.Logger,
	policyRepo *database.PolicyRepository,
	violationRepo *database.ViolationRepository,
	escalator *escalation.Escalator,
	notifier engine.Notifier,
) *Scheduler {
	return &Scheduler{
		config:        cfg,
		logger:        logger,
		cron:          cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		policyRepo:    policyRepo,
		violationRepo: violationRepo,
		escalator:     escalator,
		notifier:      notifier,
	}
}

// Start schedules the periodic tasks and runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Scheduler.Enabled {
		s.logger.Info("Scheduler disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := s.cron.AddFunc(s.config.Scheduler.EscalationSweep, func() {
		if err := s.RunEscalationSweep(ctx); err != nil {
			s.logger.Error("Escalation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule escalation sweep: %w", err)
	}

	if spec := s.config.Scheduler.StatsInterval; spec != "" {
		if _, err := s.cron.AddFunc(spec, s.logStats); err != nil {
			return fmt.Errorf("failed to schedule stats task: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "escalation_sweep", s.config.Scheduler.EscalationSweep)

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
	return ctx.Err()
}

// RunEscalationSweep re-resolves the escalation level of every violation in
// the lookback window and publishes an event for each level increase.
// Thresholds accumulate from the moment the violation's SLA deadline passed.
func (s *Scheduler) RunEscalationSweep(ctx context.Context) error {
	s.mu.Lock()
	s.sweepRuns++
	s.lastSweep = time.Now()
	s.mu.Unlock()

	lookback := time.Duration(s.config.Scheduler.SweepLookbackDays) * 24 * time.Hour
	since := time.Now().Add(-lookback)

	rows, err := s.violationRepo.ListForSweep(ctx, since)
	if err != nil {
		s.countError()
		return err
	}

	policies := make(map[string]*sla.Policy)
	escalated := 0

	for _, row := range rows {
		policy, err := s.policyForRow(ctx, policies, row)
		if err != nil {
			if errors.Is(err, sla.ErrPolicyNotFound) {
				continue // policy retired since the violation was recorded
			}
			s.countError()
			return err
		}

		age := engine.ViolationAgeHours(row, time.Now())
		level := s.escalator.CurrentLevel(policy, age)
		if level <= row.EscalationLevel {
			continue
		}

		if err := s.violationRepo.UpdateEscalationLevel(ctx, row.ID, level); err != nil {
			s.countError()
			s.logger.Error("Failed to persist escalation level",
				"violation_id", row.ID,
				"level", level,
				"error", err)
			continue
		}

		if target := s.escalator.Resolve(policy, age); target != nil && s.notifier != nil {
			event := escalation.Event{
				ViolationID:  row.ID,
				AdminID:      row.AdminID,
				EntityType:   row.EntityType,
				EntityID:     row.EntityID,
				Level:        target.Level,
				RoleRequired: target.RoleRequired,
				Channels:     target.Channels,
				Timestamp:    time.Now().UTC(),
			}
			if err := s.notifier.PublishEscalation(ctx, event); err != nil {
				s.logger.Error("Failed to publish escalation event",
					"violation_id", row.ID,
					"level", level,
					"error", err)
			}
		}
		escalated++
	}

	s.mu.Lock()
	s.escalated += int64(escalated)
	s.mu.Unlock()

	s.logger.Info("Escalation sweep complete",
		"checked", len(rows),
		"escalated", escalated)
	return nil
}

func (s *Scheduler) policyForRow(ctx context.Context, cache map[string]*sla.Policy, row *database.ViolationRow) (*sla.Policy, error) {
	if row.PolicyID == nil {
		return nil, sla.ErrPolicyNotFound
	}
	if policy, ok := cache[*row.PolicyID]; ok {
		return policy, nil
	}
	policy, err := s.policyRepo.GetByID(ctx, *row.PolicyID)
	if err != nil {
		return nil, err
	}
	cache[*row.PolicyID] = policy
	return policy, nil
}

func (s *Scheduler) logStats() {
	stats := s.GetStats()
	s.logger.Info("Scheduler stats",
		"sweep_runs", stats.SweepRuns,
		"sweep_errors", stats.SweepErrors,
		"escalated", stats.Escalated,
		"last_sweep", stats.LastSweep)
}

func (s *Scheduler) countError() {
	s.mu.Lock()
	s.sweepErrors++
	s.mu.Unlock()
}

// GetStats returns a snapshot of scheduler counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SweepRuns:   s.sweepRuns,
		SweepErrors: s.sweepErrors,
		Escalated:   s.escalated,
		LastSweep:   s.lastSweep,
	}
}
