package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apexbt/internal/domain"
	"apexbt/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockRepo struct {
	mu             sync.Mutex
	open           map[string]*domain.Position
	closed         []*domain.Position
	snapshotWrites [][]domain.SnapshotRow
	athUpdates     []string

	insertErr     error
	updateErr     error
	closeErr      error
	snapshotErr   error
	loadClosedErr error
	forceNoMatch  bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{open: make(map[string]*domain.Position)}
}

func (m *mockRepo) LoadOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0, len(m.open))
	for _, pos := range m.open {
		cp := *pos
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) LoadClosedPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadClosedErr != nil {
		return nil, m.loadClosedErr
	}
	return append([]*domain.Position(nil), m.closed...), nil
}

func (m *mockRepo) InsertPosition(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	key := pos.Key()
	if _, exists := m.open[key]; exists {
		return ports.ErrDuplicateEntry
	}
	cp := *pos
	m.open[key] = &cp
	return nil
}

func (m *mockRepo) UpdateATH(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if row, ok := m.open[pos.Key()]; ok {
		row.ATHPrice = pos.ATHPrice
		row.ATHTime = pos.ATHTime
		row.StopLossPrice = pos.StopLossPrice
	}
	m.athUpdates = append(m.athUpdates, pos.Ticker)
	return nil
}

func (m *mockRepo) CloseOpenPosition(ctx context.Context, pos *domain.Position) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return false, m.closeErr
	}
	if m.forceNoMatch {
		return false, nil
	}
	key := pos.Key()
	if _, ok := m.open[key]; !ok {
		return false, nil
	}
	delete(m.open, key)
	cp := *pos
	m.closed = append(m.closed, &cp)
	return true, nil
}

func (m *mockRepo) ReplacePnlSnapshot(ctx context.Context, rows []domain.SnapshotRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return m.snapshotErr
	}
	m.snapshotWrites = append(m.snapshotWrites, append([]domain.SnapshotRow(nil), rows...))
	return nil
}

func (m *mockRepo) snapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshotWrites)
}

type mockPriceSource struct {
	mu     sync.Mutex
	quotes []ports.PriceQuote
	err    error
	calls  int
}

func (m *mockPriceSource) Name() string { return "mock" }

func (m *mockPriceSource) FetchPrices(ctx context.Context, keys []ports.PriceKey) ([]ports.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.quotes, nil
}

func (m *mockPriceSource) setPrice(contract, network string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = []ports.PriceQuote{{ContractAddress: contract, Network: network, Price: price, At: time.Now()}}
}

type mockDispatcher struct {
	mu      sync.Mutex
	signals []ports.Signal
	err     error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, sig ports.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, sig)
	return m.err
}

func (m *mockDispatcher) count(kind domain.SignalKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sig := range m.signals {
		if sig.Kind == kind {
			n++
		}
	}
	return n
}

// Test helpers

func newTestEngine(t *testing.T, repo *mockRepo, prices *mockPriceSource, dispatcher *mockDispatcher) *Engine {
	t.Helper()
	eng, err := New(Config{
		StopLossFactor:  0.95,
		PositionSizeUSD: 100.0,
		Interval:        time.Minute,
	}, &mockLogger{}, repo, prices, dispatcher)
	require.NoError(t, err)
	return eng
}

func openRequest() OpenRequest {
	return OpenRequest{
		Ticker:          "PEPE",
		ContractAddress: "0xabc",
		Network:         "base",
		SourceAgent:     "alpha-agent",
		EntryPrice:      1.0,
	}
}

func TestNewValidation(t *testing.T) {
	repo := newMockRepo()
	prices := &mockPriceSource{}
	dispatcher := &mockDispatcher{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero factor", cfg: Config{StopLossFactor: 0, PositionSizeUSD: 100, Interval: time.Minute}},
		{name: "factor of one", cfg: Config{StopLossFactor: 1, PositionSizeUSD: 100, Interval: time.Minute}},
		{name: "zero size", cfg: Config{StopLossFactor: 0.95, PositionSizeUSD: 0, Interval: time.Minute}},
		{name: "zero interval", cfg: Config{StopLossFactor: 0.95, PositionSizeUSD: 100, Interval: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, &mockLogger{}, repo, prices, dispatcher)
			assert.Error(t, err)
		})
	}

	_, err := New(Config{StopLossFactor: 0.95, PositionSizeUSD: 100, Interval: time.Minute},
		nil, repo, prices, dispatcher)
	assert.Error(t, err, "nil logger must be rejected")
}

func TestOpenPosition(t *testing.T) {
	repo := newMockRepo()
	dispatcher := &mockDispatcher{}
	eng := newTestEngine(t, repo, &mockPriceSource{}, dispatcher)
	ctx := context.Background()

	opened, err := eng.OpenPosition(ctx, openRequest())
	require.NoError(t, err)
	assert.True(t, opened)

	positions := eng.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "PEPE", positions[0].Ticker)
	assert.Equal(t, 100.0, positions[0].PositionSizeUSD)
	assert.InDelta(t, 0.95, positions[0].StopLossPrice, 1e-12)

	assert.Eventually(t, func() bool { return dispatcher.count(domain.SignalBuy) == 1 },
		time.Second, 10*time.Millisecond, "buy signal should be dispatched")
}

func TestOpenPositionDuplicateSuppressed(t *testing.T) {
	repo := newMockRepo()
	dispatcher := &mockDispatcher{}
	eng := newTestEngine(t, repo, &mockPriceSource{}, dispatcher)
	ctx := context.Background()

	opened, err := eng.OpenPosition(ctx, openRequest())
	require.NoError(t, err)
	require.True(t, opened)

	// Same pair again, different case: suppressed without error.
	dup := openRequest()
	dup.Ticker = "pepe"
	dup.ContractAddress = "0xABC"
	dup.EntryPrice = 2.0
	opened, err = eng.OpenPosition(ctx, dup)
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Len(t, eng.OpenPositions(), 1)

	assert.Eventually(t, func() bool { return dispatcher.count(domain.SignalBuy) == 1 },
		time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dispatcher.count(domain.SignalBuy), "duplicate must not dispatch")
}

func TestOpenPositionInsertErrorIsCommitPoint(t *testing.T) {
	repo := newMockRepo()
	repo.insertErr = errors.New("disk full")
	dispatcher := &mockDispatcher{}
	eng := newTestEngine(t, repo, &mockPriceSource{}, dispatcher)

	opened, err := eng.OpenPosition(context.Background(), openRequest())
	assert.Error(t, err)
	assert.False(t, opened)
	assert.Empty(t, eng.OpenPositions(), "failed insert must not enter the open set")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, dispatcher.count(domain.SignalBuy))
}

func TestOpenPositionInvalidRequest(t *testing.T) {
	eng := newTestEngine(t, newMockRepo(), &mockPriceSource{}, &mockDispatcher{})

	req := openRequest()
	req.EntryPrice = 0
	opened, err := eng.OpenPosition(context.Background(), req)
	assert.False(t, opened)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestEvaluateCycleTrailingStop(t *testing.T) {
	repo := newMockRepo()
	prices := &mockPriceSource{}
	dispatcher := &mockDispatcher{}
	eng := newTestEngine(t, repo, prices, dispatcher)
	ctx := context.Background()

	_, err := eng.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	// Cycle 1: flat at entry. No raise, no exit (1.00 > 0.95).
	prices.setPrice("0xabc", "base", 1.00)
	require.NoError(t, eng.EvaluateCycle(ctx))
	positions := eng.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 1.00, positions[0].ATHPrice)

	// Cycle 2: new high at 1.20 drags the stop to 1.14.
	prices.setPrice("0xabc", "base", 1.20)
	require.NoError(t, eng.EvaluateCycle(ctx))
	positions = eng.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 1.20, positions[0].ATHPrice)
	assert.InDelta(t, 1.14, positions[0].StopLossPrice, 1e-12)
	assert.Contains(t, repo.athUpdates, "PEPE")

	// Cycle 3: 1.13 breaches the trailed stop; profit is locked in at +13%.
	prices.setPrice("0xabc", "base", 1.13)
	require.NoError(t, eng.EvaluateCycle(ctx))
	assert.Empty(t, eng.OpenPositions())

	repo.mu.Lock()
	require.Len(t, repo.closed, 1)
	closed := repo.closed[0]
	repo.mu.Unlock()
	assert.Equal(t, domain.ExitReasonStopLoss, closed.ExitReason)
	assert.InDelta(t, 13.0, closed.PnlPercentage, 1e-9)
	assert.InDelta(t, 13.0, closed.PnlAmount, 1e-9)
	assert.InDelta(t, 20.0, closed.MaxProfitPct, 1e-9)

	assert.Eventually(t, func() bool { return dispatcher.count(domain.SignalSell) == 1 },
		time.Second, 10*time.Millisecond, "exactly one sell dispatch")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dispatcher.count(domain.SignalSell))

	// The closed position shows up in the next snapshot.
	require.NoError(t, eng.EvaluateCycle(ctx))
	report := eng.LastReport()
	require.NotNil(t, report)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, domain.StatusClosed, report.Rows[0].Status)
}

func TestEvaluateCycleStopCheckBeforeATH(t *testing.T) {
	repo := newMockRepo()
	prices := &mockPriceSource{}
	eng := newTestEngine(t, repo, prices, &mockDispatcher{})
	ctx := context.Background()

	req := openRequest()
	_, err := eng.OpenPosition(ctx, req)
	require.NoError(t, err)

	// Drop straight through the initial stop. The exit must record the
	// ATH as it was when the stop was derived, not the breach price.
	prices.setPrice("0xabc", "base", 0.90)
	require.NoError(t, eng.EvaluateCycle(ctx))

	repo.mu.Lock()
	require.Len(t, repo.closed, 1)
	closed := repo.closed[0]
	repo.mu.Unlock()
	assert.Equal(t, 1.0, closed.ATHPrice)
	assert.InDelta(t, -10.0, closed.PnlPercentage, 1e-9)
}

func TestEvaluateCycleMissingPriceIsNoOp(t *testing.T) {
	repo := newMockRepo()
	prices := &mockPriceSource{} // empty quote set, no error
	eng := newTestEngine(t, repo, prices, &mockDispatcher{})
	ctx := context.Background()

	_, err := eng.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	require.NoError(t, eng.EvaluateCycle(ctx))

	positions := eng.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0, positions[0].ATHPrice, "missing price must not touch the position")

	// The position is still reported, valued at its last-known price.
	report := eng.LastReport()
	require.NotNil(t, report)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, 1.0, report.Rows[0].CurrentPrice)
}

func TestEvaluateCycleBatchFailureAborts(t *testing.T) {
	repo := newMockRepo()
	prices := &mockPriceSource{err: errors.New("upstream down")}
	eng := newTestEngine(t, repo, prices, &mockDispatcher{})
	ctx := context.Background()

	_, err := eng.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	err = eng.EvaluateCycle(ctx)
	assert.Error(t, err)

	// No mutation, no snapshot rebuild, no report.
	positions := eng.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0, positions[0].ATHPrice)
	assert.Equal(t, 0, repo.snapshotCount())
	assert.Nil(t, eng.LastReport())
}

func TestEvaluateCycleEmptySetStillSnapshots(t *testing.T) {
	repo := newMockRepo()
	prices := &mockPriceSource{}
	eng := newTestEngine(t, repo, prices, &mockDispatcher{})

	require.NoError(t, eng.EvaluateCycle(context.Background()))
	assert.Equal(t, 1, repo.snapshotCount())
	assert.Equal(t, 0, prices.calls, "no positions means no fetch")
}

func TestExitPositionNotOpen(t *testing.T) {
	eng := newTestEngine(t, newMockRepo(), &mockPriceSource{}, &mockDispatcher{})

	closed, err := eng.ExitPosition(context.Background(), "GHOST", "0xdead", 1.0, domain.ExitReasonManual)
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestExitPositionPersistErrorKeepsPosition(t *testing.T) {
	repo := newMockRepo()
	dispatcher := &mockDispatcher{}
	eng := newTestEngine(t, repo, &mockPriceSource{}, dispatcher)
	ctx := context.Background()

	_, err := eng.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	repo.closeErr = errors.New("db locked")
	closed, err := eng.ExitPosition(ctx, "PEPE", "0xabc", 1.5, domain.ExitReasonManual)
	assert.Error(t, err)
	assert.False(t, closed)
	assert.Len(t, eng.OpenPositions(), 1, "position must stay open for retry")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, dispatcher.count(domain.SignalSell))
}

func TestExitPositionAlreadyClosedElsewhere(t *testing.T) {
	repo := newMockRepo()
	dispatcher := &mockDispatcher{}
	eng := newTestEngine(t, repo, &mockPriceSource{}, dispatcher)
	ctx := context.Background()

	_, err := eng.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	repo.forceNoMatch = true
	closed, err := eng.ExitPosition(ctx, "PEPE", "0xabc", 1.5, domain.ExitReasonManual)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Empty(t, eng.OpenPositions(), "stale in-memory entry is dropped")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, dispatcher.count(domain.SignalSell), "no dispatch without a matched close")
}

func TestInitLoadsOpenPositions(t *testing.T) {
	repo := newMockRepo()
	seed, err := domain.NewPosition(domain.NewPositionParams{
		Ticker:          "WOJAK",
		ContractAddress: "0xfeed",
		Network:         "ethereum",
		SourceAgent:     "beta-agent",
		EntryPrice:      0.5,
		PositionSizeUSD: 100,
	}, 0.95)
	require.NoError(t, err)
	require.NoError(t, repo.InsertPosition(context.Background(), seed))

	eng := newTestEngine(t, repo, &mockPriceSource{}, &mockDispatcher{})
	require.NoError(t, eng.Init(context.Background()))

	positions := eng.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "WOJAK", positions[0].Ticker)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	repo := newMockRepo()
	prices := &mockPriceSource{}
	eng, err := New(Config{
		StopLossFactor:  0.95,
		PositionSizeUSD: 100,
		Interval:        10 * time.Millisecond,
	}, &mockLogger{}, repo, prices, &mockDispatcher{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	assert.Eventually(t, func() bool { return repo.snapshotCount() >= 2 },
		time.Second, 5*time.Millisecond, "loop should keep cycling")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
