// Package engine runs the scoring pipeline: it resolves the applicable policy
// for each completed gating action, classifies its timeliness, folds it into
// the administrator's period scorecards and records violations. All mutations
// of one administrator's scorecards are serialized through a single shard
// worker, with versioned saves as a backstop against concurrent engine
// replicas.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marketgate/sla-engine/internal/cache"
	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/escalation"
	"github.com/marketgate/sla-engine/internal/sla"
)

// periodTypes lists the scorecard granularities maintained per action.
var periodTypes = []sla.PeriodType{sla.PeriodDaily, sla.PeriodMonthly}

// PolicyResolver resolves the active policy for a lookup key.
type PolicyResolver interface {
	Resolve(ctx context.Context, entityType sla.EntityType, actionType sla.ActionType, priority sla.Priority) (*sla.Policy, error)
}

// ScorecardStore is the persistence surface the pipeline mutates through.
type ScorecardStore interface {
	GetOrCreate(ctx context.Context, adminID, period string, periodType sla.PeriodType) (*sla.Scorecard, error)
	Save(ctx context.Context, card *sla.Scorecard) error
	SaveWithViolation(ctx context.Context, card *sla.Scorecard, row *database.ViolationRow) error
}

// Notifier publishes escalation events for the external notification layer.
type Notifier interface {
	PublishEscalation(ctx context.Context, event escalation.Event) error
}

// ResolvedTargets is the outcome of a policy lookup including the static
// default fallback.
type ResolvedTargets struct {
	Policy      *sla.Policy // nil when the defaults were used
	Targets     sla.TimeTargets
	UsedDefault bool
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Recorded      int64     `json:"recorded"`
	Violations    int64     `json:"violations"`
	Conflicts     int64     `json:"conflicts"`
	Errors        int64     `json:"errors"`
	LastProcessed time.Time `json:"last_processed"`
}

// Engine is the scoring pipeline.
type Engine struct {
	config      *config.Config
	logger      *slog.Logger
	policies    PolicyResolver
	scorecards  ScorecardStore
	escalator   *escalation.Escalator
	notifier    Notifier
	policyCache cache.Cache

	shards       []chan job
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	startOnce    sync.Once
	stopOnce     sync.Once

	recorded    atomic.Int64
	violations  atomic.Int64
	conflicts   atomic.Int64
	errorCount  atomic.Int64
	lastMu      sync.Mutex
	lastProcess time.Time
}

type job struct {
	outcome sla.ActionOutcome
	errc    chan error
}

// New creates a new scoring engine.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	policies PolicyResolver,
	scorecards ScorecardStore,
	escalator *escalation.Escalator,
	notifier Notifier,
	policyCache cache.Cache,
) *Engine {
	shardCount := cfg.SLA.ShardCount
	if shardCount <= 0 {
		shardCount = 1
	}
	queueSize := cfg.SLA.ShardQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	shards := make([]chan job, shardCount)
	for i := range shards {
		shards[i] = make(chan job, queueSize)
	}

	return &Engine{
		config:       cfg,
		logger:       logger,
		policies:     policies,
		scorecards:   scorecards,
		escalator:    escalator,
		notifier:     notifier,
		policyCache:  policyCache,
		shards:       shards,
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the shard workers.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		for i, shard := range e.shards {
			e.wg.Add(1)
			go e.worker(ctx, i, shard)
		}
		e.logger.Info("Scoring engine started", "shards", len(e.shards))
	})
	return nil
}

// Stop drains the shard workers.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.shutdownChan)
		e.wg.Wait()
		e.logger.Info("Scoring engine stopped")
	})
}

// Record validates an outcome and applies it on the owning shard worker,
// blocking until the mutation is persisted. Recording is not idempotent;
// at-most-once delivery per action is the producer's contract.
func (e *Engine) Record(ctx context.Context, outcome sla.ActionOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}

	j := job{outcome: outcome, errc: make(chan error, 1)}
	shard := e.shards[shardIndex(outcome.AdminID, len(e.shards))]

	select {
	case shard <- j:
	case <-e.shutdownChan:
		return fmt.Errorf("engine is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardIndex(adminID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(adminID))
	return int(h.Sum32() % uint32(shards))
}

func (e *Engine) worker(ctx context.Context, id int, shard chan job) {
	defer e.wg.Done()

	e.logger.Debug("Starting scoring shard worker", "shard", id)

	for {
		select {
		case <-ctx.Done():
			e.drain(ctx, id, shard)
			return
		case <-e.shutdownChan:
			e.drain(ctx, id, shard)
			return
		case j := <-shard:
			e.handle(ctx, id, j)
		}
	}
}

// drain answers every job already buffered on the shard before the worker
// exits; a Record caller must never be left waiting on a dead worker.
func (e *Engine) drain(ctx context.Context, id int, shard chan job) {
	for {
		select {
		case j := <-shard:
			e.handle(ctx, id, j)
		default:
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, id int, j job) {
	err := e.process(ctx, j.outcome)
	if err != nil {
		e.errorCount.Add(1)
		e.logger.Error("Failed to process action outcome",
			"shard", id,
			"admin_id", j.outcome.AdminID,
			"entity_id", j.outcome.EntityID,
			"error", err)
	} else {
		e.recorded.Add(1)
		e.lastMu.Lock()
		e.lastProcess = time.Now()
		e.lastMu.Unlock()
	}
	j.errc <- err
}

// ResolveTargets returns the thresholds applicable to a lookup key, falling
// back to the static default table (then the global 24h default) when no
// active policy matches. A missing policy is recoverable, never fatal.
func (e *Engine) ResolveTargets(ctx context.Context, entityType sla.EntityType, actionType sla.ActionType, priority sla.Priority) (ResolvedTargets, error) {
	cacheKey := fmt.Sprintf("policy:%s:%s:%s", entityType, actionType, priority)

	var cached sla.Policy
	if e.policyCache != nil {
		found, err := e.policyCache.Get(ctx, cacheKey, &cached)
		if err != nil {
			e.logger.Warn("Policy cache read failed", "key", cacheKey, "error", err)
		} else if found {
			return ResolvedTargets{Policy: &cached, Targets: cached.TimeTargets}, nil
		}
	}

	policy, err := e.policies.Resolve(ctx, entityType, actionType, priority)
	if err != nil {
		if errors.Is(err, sla.ErrPolicyNotFound) {
			hours := sla.DefaultSLAHours(entityType, actionType, priority)
			return ResolvedTargets{Targets: sla.DefaultTargets(hours), UsedDefault: true}, nil
		}
		return ResolvedTargets{}, err
	}

	if e.policyCache != nil {
		if err := e.policyCache.Set(ctx, cacheKey, policy, e.config.Cache.PolicyTTL); err != nil {
			e.logger.Warn("Policy cache write failed", "key", cacheKey, "error", err)
		}
	}

	return ResolvedTargets{Policy: policy, Targets: policy.TimeTargets}, nil
}

// process applies one outcome to the daily and monthly scorecards of its
// administrator. Runs on the shard worker owning the admin ID.
func (e *Engine) process(ctx context.Context, outcome sla.ActionOutcome) error {
	resolved, err := e.ResolveTargets(ctx, outcome.EntityType, outcome.ActionType, outcome.Priority)
	if err != nil {
		return fmt.Errorf("failed to resolve policy: %w", err)
	}

	severity := resolved.Targets.Classify(outcome.ResponseHours())

	for _, periodType := range periodTypes {
		period := sla.FormatPeriod(periodType, outcome.ActionTakenAt)
		if err := e.apply(ctx, periodType, period, outcome, resolved, severity); err != nil {
			return fmt.Errorf("failed to apply outcome to %s scorecard: %w", periodType, err)
		}
	}

	if severity != sla.SeverityCompliant {
		e.violations.Add(1)
	}
	return nil
}

// apply mutates one scorecard under optimistic-concurrency retry: on a
// version conflict the card is re-read and the mutation re-applied to the
// fresh copy, so no concurrent update is ever lost.
func (e *Engine) apply(ctx context.Context, periodType sla.PeriodType, period string, outcome sla.ActionOutcome, resolved ResolvedTargets, severity sla.Severity) error {
	retries := e.config.SLA.SaveRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		card, err := e.scorecards.GetOrCreate(ctx, outcome.AdminID, period, periodType)
		if err != nil {
			return err
		}

		card.RecordAction(outcome, resolved.Targets.TargetHours)

		if severity == sla.SeverityCompliant {
			lastErr = e.scorecards.Save(ctx, card)
		} else {
			violation := e.buildViolation(outcome, resolved, severity)
			card.AddViolation(violation)
			// Both granularities embed the violation, but the queryable
			// row exists exactly once, keyed to the monthly period.
			if periodType == sla.PeriodMonthly {
				row := e.buildViolationRow(violation, outcome, resolved, period, periodType)
				lastErr = e.scorecards.SaveWithViolation(ctx, card, row)
				if lastErr == nil {
					e.emitEscalation(ctx, row, resolved)
				}
			} else {
				lastErr = e.scorecards.Save(ctx, card)
			}
		}

		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, sla.ErrVersionConflict) {
			return lastErr
		}
		e.conflicts.Add(1)
		e.logger.Debug("Scorecard version conflict, retrying",
			"admin_id", outcome.AdminID,
			"period", period,
			"attempt", attempt+1)
	}

	return fmt.Errorf("scorecard save exhausted retries: %w", lastErr)
}

func (e *Engine) buildViolation(outcome sla.ActionOutcome, resolved ResolvedTargets, severity sla.Severity) sla.Violation {
	violationType, severityLevel := classifyViolation(outcome, resolved, severity)
	return sla.Violation{
		ID:                uuid.NewString(),
		EntityType:        outcome.EntityType,
		EntityID:          outcome.EntityID,
		SubmittedAt:       outcome.SubmittedAt,
		ActionTakenAt:     outcome.ActionTakenAt,
		ResponseTimeHours: outcome.ResponseHours(),
		SLATargetHours:    resolved.Targets.TargetHours,
		Type:              violationType,
		SeverityLevel:     severityLevel,
	}
}

func (e *Engine) buildViolationRow(v sla.Violation, outcome sla.ActionOutcome, resolved ResolvedTargets, period string, periodType sla.PeriodType) *database.ViolationRow {
	row := &database.ViolationRow{
		ID:                v.ID,
		AdminID:           outcome.AdminID,
		Period:            period,
		PeriodType:        periodType,
		EntityType:        v.EntityType,
		EntityID:          v.EntityID,
		SubmittedAt:       v.SubmittedAt,
		ActionTakenAt:     v.ActionTakenAt,
		ResponseTimeHours: v.ResponseTimeHours,
		SLATargetHours:    v.SLATargetHours,
		ViolationType:     v.Type,
		SeverityLevel:     v.SeverityLevel,
	}
	if resolved.Policy != nil {
		policyID := resolved.Policy.ID
		row.PolicyID = &policyID
	}
	return row
}

// emitEscalation resolves the violation's current escalation level and, when
// a level is already due at record time, publishes an event for the notifier.
// Subsequent level changes are picked up by the scheduler sweep.
func (e *Engine) emitEscalation(ctx context.Context, row *database.ViolationRow, resolved ResolvedTargets) {
	if e.notifier == nil || resolved.Policy == nil {
		return
	}

	age := ViolationAgeHours(row, time.Now())
	target := e.escalator.Resolve(resolved.Policy, age)
	if target == nil {
		return
	}

	row.EscalationLevel = target.Level
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
	if err := e.notifier.PublishEscalation(ctx, event); err != nil {
		e.logger.Error("Failed to publish escalation event",
			"violation_id", row.ID,
			"level", target.Level,
			"error", err)
	}
}

// ViolationAgeHours measures how long a violation has been outstanding: the
// hours elapsed since the action's SLA deadline (submission plus target)
// passed. The escalation chain accumulates from this instant.
func ViolationAgeHours(row *database.ViolationRow, now time.Time) float64 {
	deadline := row.SubmittedAt.Add(time.Duration(row.SLATargetHours * float64(time.Hour)))
	age := now.Sub(deadline).Hours()
	if age < 0 {
		return 0
	}
	return age
}

// classifyViolation derives the violation type and severity level from the
// classification. A late action submitted on a non-working day of its policy
// is tagged as a weekend delay.
func classifyViolation(outcome sla.ActionOutcome, resolved ResolvedTargets, severity sla.Severity) (sla.ViolationType, sla.SeverityLevel) {
	weekend := false
	if resolved.Policy != nil && resolved.Policy.BusinessHours.Enabled {
		weekend = !resolved.Policy.BusinessHours.IsWorkingDay(outcome.SubmittedAt.Weekday())
	}

	switch severity {
	case sla.SeverityWarning:
		if weekend {
			return sla.ViolationWeekendDelay, sla.SeverityLevelLow
		}
		return sla.ViolationLateApproval, sla.SeverityLevelMedium
	case sla.SeverityViolation:
		if weekend {
			return sla.ViolationWeekendDelay, sla.SeverityLevelHigh
		}
		return sla.ViolationMissedDeadline, sla.SeverityLevelHigh
	default:
		return sla.ViolationEscalationTriggered, sla.SeverityLevelCritical
	}
}

// GetStats returns a snapshot of the pipeline counters.
func (e *Engine) GetStats() Stats {
	e.lastMu.Lock()
	last := e.lastProcess
	e.lastMu.Unlock()
	return Stats{
		Recorded:      e.recorded.Load(),
		Violations:    e.violations.Load(),
		Conflicts:     e.conflicts.Load(),
		Errors:        e.errorCount.Load(),
		LastProcessed: last,
	}
}
