package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apexbt/internal/domain"
	"apexbt/internal/engine"
	"apexbt/internal/intake"
	"apexbt/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockRepo struct {
	mu     sync.Mutex
	open   map[string]*domain.Position
	closed []*domain.Position
}

func newMockRepo() *mockRepo {
	return &mockRepo{open: make(map[string]*domain.Position)}
}

func (m *mockRepo) LoadOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}

func (m *mockRepo) LoadClosedPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Position(nil), m.closed...), nil
}

func (m *mockRepo) InsertPosition(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pos
	m.open[pos.Key()] = &cp
	return nil
}

func (m *mockRepo) UpdateATH(ctx context.Context, pos *domain.Position) error { return nil }

func (m *mockRepo) CloseOpenPosition(ctx context.Context, pos *domain.Position) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	return nil
}

type mockPriceSource struct{}

func (m *mockPriceSource) Name() string { return "mock" }
func (m *mockPriceSource) FetchPrices(ctx context.Context, keys []ports.PriceKey) ([]ports.PriceQuote, error) {
	return nil, nil
}

type mockDispatcher struct{}

func (m *mockDispatcher) Dispatch(ctx context.Context, sig ports.Signal) error { return nil }

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(engine.Config{
		StopLossFactor:  0.95,
		PositionSizeUSD: 100,
		Interval:        time.Minute,
	}, &mockLogger{}, newMockRepo(), &mockPriceSource{}, &mockDispatcher{})
	require.NoError(t, err)

	in, err := intake.New(eng, &mockLogger{})
	require.NoError(t, err)

	srv, err := New(Config{Engine: eng, Intake: in, Logger: &mockLogger{}})
	require.NoError(t, err)
	return srv, eng
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostSignal(t *testing.T) {
	srv, eng := newTestServer(t)

	body := `{"ticker":"PEPE","contract_address":"0xabc","network":"base","source_agent":"alpha","entry_price":1.0}`
	rec := doRequest(t, srv, http.MethodPost, "/signals", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, eng.OpenPositions(), 1)

	// Same asset again: suppressed, acknowledged with 200.
	rec = doRequest(t, srv, http.MethodPost, "/signals", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["opened"])
}

func TestPostSignalBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/signals", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/signals", `{"ticker":"PEPE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPositions(t *testing.T) {
	srv, eng := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/positions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	_, err := eng.OpenPosition(context.Background(), engine.OpenRequest{
		Ticker: "PEPE", ContractAddress: "0xabc", Network: "base", EntryPrice: 1.0,
	})
	require.NoError(t, err)

	rec = doRequest(t, srv, http.MethodGet, "/positions", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestManualClose(t *testing.T) {
	srv, eng := newTestServer(t)

	_, err := eng.OpenPosition(context.Background(), engine.OpenRequest{
		Ticker: "PEPE", ContractAddress: "0xabc", Network: "base", EntryPrice: 1.0,
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPost, "/positions/PEPE/0xabc/close", `{"exit_price":1.5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, eng.OpenPositions())

	// Closing again: nothing open.
	rec = doRequest(t, srv, http.MethodPost, "/positions/PEPE/0xabc/close", `{"exit_price":1.5}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing or non-positive price.
	rec = doRequest(t, srv, http.MethodPost, "/positions/PEPE/0xabc/close", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPnl(t *testing.T) {
	srv, eng := newTestServer(t)

	// No cycle has run yet.
	rec := doRequest(t, srv, http.MethodGet, "/pnl", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, eng.EvaluateCycle(context.Background()))
	rec = doRequest(t, srv, http.MethodGet, "/pnl", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
