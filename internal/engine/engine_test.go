package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/escalation"
	"github.com/marketgate/sla-engine/internal/sla"
)

type mockResolver struct {
	policy *sla.Policy
	err    error
}

func (m *mockResolver) Resolve(context.Context, sla.EntityType, sla.ActionType, sla.Priority) (*sla.Policy, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.policy, nil
}

// mockStore keeps scorecards in memory and can inject version conflicts to
// exercise the retry path.
type mockStore struct {
	mu            sync.Mutex
	cards         map[string]*sla.Scorecard
	rows          []*database.ViolationRow
	conflictsLeft int
	saves         int
}

func newMockStore() *mockStore {
	return &mockStore{cards: make(map[string]*sla.Scorecard)}
}

func storeKey(adminID, period string, periodType sla.PeriodType) string {
	return fmt.Sprintf("%s|%s|%s", adminID, period, periodType)
}

func cloneCard(card *sla.Scorecard) *sla.Scorecard {
	copied := *card
	copied.Violations = append(sla.ViolationList(nil), card.Violations...)
	return &copied
}

func (m *mockStore) GetOrCreate(_ context.Context, adminID, period string, periodType sla.PeriodType) (*sla.Scorecard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := storeKey(adminID, period, periodType)
	if card, ok := m.cards[key]; ok {
		return cloneCard(card), nil
	}
	card := &sla.Scorecard{
		ID:         key,
		AdminID:    adminID,
		Period:     period,
		PeriodType: periodType,
		Version:    1,
	}
	m.cards[key] = card
	return cloneCard(card), nil
}

func (m *mockStore) Save(_ context.Context, card *sla.Scorecard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return sla.ErrVersionConflict
	}
	m.saves++
	card.Version++
	m.cards[storeKey(card.AdminID, card.Period, card.PeriodType)] = cloneCard(card)
	return nil
}

func (m *mockStore) SaveWithViolation(ctx context.Context, card *sla.Scorecard, row *database.ViolationRow) error {
	if err := m.Save(ctx, card); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

func (m *mockStore) card(adminID, period string, periodType sla.PeriodType) *sla.Scorecard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cards[storeKey(adminID, period, periodType)]
}

type mockNotifier struct {
	mu     sync.Mutex
	events []escalation.Event
}

func (m *mockNotifier) PublishEscalation(_ context.Context, event escalation.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		SLA: config.SLAConfig{
			ShardCount:     2,
			ShardQueueSize: 8,
			SaveRetries:    3,
		},
		Cache: config.CacheConfig{PolicyTTL: time.Minute},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startedEngine(t *testing.T, resolver PolicyResolver, store ScorecardStore, notifier Notifier) *Engine {
	t.Helper()
	eng := New(testConfig(), testLogger(), resolver, store,
		escalation.NewEscalator(testLogger()), notifier, nil)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

func testPolicy() *sla.Policy {
	return &sla.Policy{
		ID:         "policy-1",
		EntityType: sla.EntityVendor,
		ActionType: sla.ActionVerification,
		Priority:   sla.PriorityHigh,
		TimeTargets: sla.TimeTargets{
			WarningHours:    6,
			TargetHours:     8,
			EscalationHours: 12,
			CriticalHours:   24,
		},
		EscalationChain: sla.EscalationChain{
			{Level: 1, RoleRequired: "senior_admin", Channels: []string{"email"}, TimeToEscalateToNext: 24 * 365},
		},
		MaxEscalationLevel: 1,
		IsActive:           true,
	}
}

func testOutcome(responseHours float64, submittedAt time.Time) sla.ActionOutcome {
	return sla.ActionOutcome{
		EntityType:    sla.EntityVendor,
		EntityID:      "vendor-1",
		AdminID:       "admin-1",
		SubmittedAt:   submittedAt,
		ActionTakenAt: submittedAt.Add(time.Duration(responseHours * float64(time.Hour))),
		ActionType:    sla.ActionVerification,
		Priority:      sla.PriorityHigh,
	}
}

func TestEngine_RecordCompliant(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	eng := startedEngine(t, &mockResolver{policy: testPolicy()}, store, notifier)

	outcome := testOutcome(4, time.Now().Add(-5*time.Hour))
	require.NoError(t, eng.Record(context.Background(), outcome))

	for _, periodType := range []sla.PeriodType{sla.PeriodDaily, sla.PeriodMonthly} {
		period := sla.FormatPeriod(periodType, outcome.ActionTakenAt)
		card := store.card("admin-1", period, periodType)
		require.NotNil(t, card, "missing %s scorecard", periodType)
		assert.Equal(t, 1, card.Metrics.TotalActions)
		assert.Empty(t, card.Violations)
	}
	assert.Empty(t, store.rows)
	assert.Empty(t, notifier.events)

	stats := eng.GetStats()
	assert.Equal(t, int64(1), stats.Recorded)
	assert.Equal(t, int64(0), stats.Violations)
}

func TestEngine_RecordViolation(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	eng := startedEngine(t, &mockResolver{policy: testPolicy()}, store, notifier)

	// 10h response against an 8h target: a warning-severity late approval.
	outcome := testOutcome(10, time.Now().Add(-11*time.Hour))
	require.NoError(t, eng.Record(context.Background(), outcome))

	// Both granularities embed the violation.
	for _, periodType := range []sla.PeriodType{sla.PeriodDaily, sla.PeriodMonthly} {
		period := sla.FormatPeriod(periodType, outcome.ActionTakenAt)
		card := store.card("admin-1", period, periodType)
		require.NotNil(t, card)
		require.Len(t, card.Violations, 1)
		assert.Equal(t, sla.ViolationLateApproval, card.Violations[0].Type)
		assert.Equal(t, sla.SeverityLevelMedium, card.Violations[0].SeverityLevel)
		assert.Equal(t, 1, card.Metrics.LateActions)
	}

	// The queryable row exists exactly once, keyed to the monthly period.
	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, sla.PeriodMonthly, row.PeriodType)
	assert.Equal(t, sla.FormatPeriod(sla.PeriodMonthly, outcome.ActionTakenAt), row.Period)
	require.NotNil(t, row.PolicyID)
	assert.Equal(t, "policy-1", *row.PolicyID)
	assert.InDelta(t, 10.0, row.ResponseTimeHours, 0.001)

	assert.Equal(t, int64(1), eng.GetStats().Violations)
}

func TestEngine_RecordEmitsDueEscalation(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}

	policy := testPolicy()
	policy.EscalationChain = sla.EscalationChain{
		{Level: 1, RoleRequired: "senior_admin", Channels: []string{"email"}, TimeToEscalateToNext: 1},
	}
	eng := startedEngine(t, &mockResolver{policy: policy}, store, notifier)

	// Submitted two days ago with an 8h target: the violation is already well
	// past the first escalation window when recorded.
	outcome := testOutcome(48, time.Now().Add(-48*time.Hour))
	require.NoError(t, eng.Record(context.Background(), outcome))

	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, 1, event.Level)
	assert.Equal(t, "senior_admin", event.RoleRequired)
	assert.Equal(t, "admin-1", event.AdminID)

	require.Len(t, store.rows, 1)
	assert.Equal(t, 1, store.rows[0].EscalationLevel)
}

func TestEngine_RecordRetriesVersionConflict(t *testing.T) {
	store := newMockStore()
	store.conflictsLeft = 1
	eng := startedEngine(t, &mockResolver{policy: testPolicy()}, store, &mockNotifier{})

	outcome := testOutcome(4, time.Now().Add(-5*time.Hour))
	require.NoError(t, eng.Record(context.Background(), outcome))

	assert.Equal(t, int64(1), eng.GetStats().Conflicts)
	assert.Equal(t, 2, store.saves, "daily and monthly saves after one retried conflict")
}

func TestEngine_RecordExhaustsRetries(t *testing.T) {
	store := newMockStore()
	store.conflictsLeft = 100
	eng := startedEngine(t, &mockResolver{policy: testPolicy()}, store, &mockNotifier{})

	outcome := testOutcome(4, time.Now().Add(-5*time.Hour))
	err := eng.Record(context.Background(), outcome)
	require.Error(t, err)
	assert.ErrorIs(t, err, sla.ErrVersionConflict)
}

func TestEngine_RecordRejectsInvalidOutcome(t *testing.T) {
	store := newMockStore()
	eng := startedEngine(t, &mockResolver{policy: testPolicy()}, store, &mockNotifier{})

	outcome := testOutcome(4, time.Now().Add(-5*time.Hour))
	outcome.AdminID = ""

	err := eng.Record(context.Background(), outcome)
	require.Error(t, err)

	var validationErr *sla.ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Empty(t, store.cards)
}

func TestEngine_WeekendDelayClassification(t *testing.T) {
	store := newMockStore()
	eng := startedEngine(t, &mockResolver{policy: weekendPolicy()}, store, &mockNotifier{})

	// Saturday submission under a Mon-Fri policy, 10h response vs 8h target.
	submitted := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	require.Equal(t, time.Saturday, submitted.Weekday())

	require.NoError(t, eng.Record(context.Background(), testOutcome(10, submitted)))

	require.Len(t, store.rows, 1)
	assert.Equal(t, sla.ViolationWeekendDelay, store.rows[0].ViolationType)
	assert.Equal(t, sla.SeverityLevelLow, store.rows[0].SeverityLevel)
}

func weekendPolicy() *sla.Policy {
	policy := testPolicy()
	policy.EscalationChain = nil
	policy.MaxEscalationLevel = 0
	policy.BusinessHours = sla.BusinessHoursConfig{
		Enabled: true,
		WorkingDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
	}
	return policy
}

func TestEngine_ResolveTargetsDefaultFallback(t *testing.T) {
	eng := New(testConfig(), testLogger(),
		&mockResolver{err: sla.ErrPolicyNotFound}, newMockStore(),
		escalation.NewEscalator(testLogger()), nil, nil)

	resolved, err := eng.ResolveTargets(context.Background(),
		sla.EntityVendor, sla.ActionVerification, sla.PriorityHigh)
	require.NoError(t, err)

	assert.True(t, resolved.UsedDefault)
	assert.Nil(t, resolved.Policy)
	assert.InDelta(t, 8.0, resolved.Targets.TargetHours, 0.001)
	assert.InDelta(t, 24.0, resolved.Targets.CriticalHours, 0.001)
}

func TestEngine_ResolveTargetsUnknownKeyUsesGlobalDefault(t *testing.T) {
	eng := New(testConfig(), testLogger(),
		&mockResolver{err: sla.ErrPolicyNotFound}, newMockStore(),
		escalation.NewEscalator(testLogger()), nil, nil)

	resolved, err := eng.ResolveTargets(context.Background(),
		sla.EntityOrder, sla.ActionApproval, sla.PriorityLow)
	require.NoError(t, err)

	assert.True(t, resolved.UsedDefault)
	assert.InDelta(t, float64(sla.FallbackSLAHours), resolved.Targets.TargetHours, 0.001)
}

// gatedStore blocks reads until released, letting a test pile jobs onto a
// shard while the worker is busy.
type gatedStore struct {
	*mockStore
	gate        chan struct{}
	started     chan struct{}
	startedOnce sync.Once
}

func (g *gatedStore) GetOrCreate(ctx context.Context, adminID, period string, periodType sla.PeriodType) (*sla.Scorecard, error) {
	g.startedOnce.Do(func() { close(g.started) })
	<-g.gate
	return g.mockStore.GetOrCreate(ctx, adminID, period, periodType)
}

func TestEngine_StopDrainsQueuedRecords(t *testing.T) {
	store := &gatedStore{
		mockStore: newMockStore(),
		gate:      make(chan struct{}),
		started:   make(chan struct{}),
	}
	eng := startedEngine(t, &mockResolver{policy: testPolicy()}, store, &mockNotifier{})

	errA := make(chan error, 1)
	go func() {
		errA <- eng.Record(context.Background(), testOutcome(4, time.Now().Add(-5*time.Hour)))
	}()
	<-store.started // worker is mid-flight on the first outcome

	// Same admin, so the second outcome queues behind the first on its shard.
	errB := make(chan error, 1)
	go func() {
		errB <- eng.Record(context.Background(), testOutcome(3, time.Now().Add(-4*time.Hour)))
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		eng.Stop()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	require.NoError(t, <-errA)
	require.NoError(t, <-errB, "queued outcome must be answered during shutdown")
	<-stopped

	assert.Equal(t, 4, store.saves, "both outcomes persisted at both granularities")
}

func TestViolationAgeHours(t *testing.T) {
	submitted := time.Now().Add(-20 * time.Hour)
	row := &database.ViolationRow{SubmittedAt: submitted, SLATargetHours: 8}

	age := ViolationAgeHours(row, time.Now())
	assert.InDelta(t, 12.0, age, 0.01)

	t.Run("floored at zero before the deadline", func(t *testing.T) {
		fresh := &database.ViolationRow{SubmittedAt: time.Now(), SLATargetHours: 8}
		assert.Equal(t, 0.0, ViolationAgeHours(fresh, time.Now()))
	})
}
