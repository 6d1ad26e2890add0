// Package httpapi exposes the intake and read-model endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apexbt/internal/domain"
	"apexbt/internal/engine"
	"apexbt/internal/intake"
	"apexbt/internal/ports"
)

// Server serves the HTTP API: signal intake, the open-position view, manual
// exits, the latest PNL snapshot, health and metrics.
type Server struct {
	engine *engine.Engine
	intake *intake.Intake
	logger ports.Logger
	http   *http.Server
}

// Config holds configuration for the HTTP server.
type Config struct {
	ListenAddr string
	Engine     *engine.Engine
	Intake     *intake.Intake
	Logger     ports.Logger
}

// New creates the HTTP server and wires its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Intake == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("httpapi: engine, intake and logger are required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	s := &Server{engine: cfg.Engine, intake: cfg.Intake, logger: cfg.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/signals", s.handleSignal).Methods(http.MethodPost)
	r.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/{ticker}/{contract}/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/pnl", s.handlePnl).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "HTTP API listening", map[string]interface{}{"addr": s.http.Addr})
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("httpapi: shutdown failed: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

type signalPayload struct {
	IdempotencyKey  string  `json:"idempotency_key"`
	Ticker          string  `json:"ticker"`
	ContractAddress string  `json:"contract_address"`
	Network         string  `json:"network"`
	SourceAgent     string  `json:"source_agent"`
	EntryPrice      float64 `json:"entry_price"`
	SizeUSD         float64 `json:"size_usd"`
	SignalRef       string  `json:"signal_ref"`
	MarketCap       float64 `json:"market_cap"`
	SniffScore      float64 `json:"sniff_score"`
	HolderCount     int     `json:"holder_count"`
	Notes           string  `json:"notes"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var payload signalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", ports.ErrInvalidRequest))
		return
	}

	opened, err := s.intake.HandleSignal(r.Context(), intake.SignalRequest{
		IdempotencyKey:  payload.IdempotencyKey,
		Ticker:          payload.Ticker,
		ContractAddress: payload.ContractAddress,
		Network:         payload.Network,
		SourceAgent:     payload.SourceAgent,
		EntryPrice:      payload.EntryPrice,
		SizeUSD:         payload.SizeUSD,
		Meta: domain.SignalMeta{
			SignalRef:   payload.SignalRef,
			MarketCap:   payload.MarketCap,
			SniffScore:  payload.SniffScore,
			HolderCount: payload.HolderCount,
			Notes:       payload.Notes,
		},
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ports.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		s.writeError(w, r, status, err)
		return
	}

	status := http.StatusOK
	if opened {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]interface{}{"opened": opened})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.OpenPositions()
	out := make([]map[string]interface{}, 0, len(positions))
	for _, pos := range positions {
		out = append(out, map[string]interface{}{
			"trade_id":         pos.TradeID,
			"ticker":           pos.Ticker,
			"contract_address": pos.ContractAddress,
			"network":          pos.Network,
			"source_agent":     pos.SourceAgent,
			"entry_price":      pos.EntryPrice,
			"entry_time":       pos.EntryTime.Format(time.RFC3339),
			"size_usd":         pos.PositionSizeUSD,
			"ath_price":        pos.ATHPrice,
			"stop_loss_price":  pos.StopLossPrice,
			"last_price":       pos.LastPrice,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": out, "count": len(out)})
}

type closePayload struct {
	ExitPrice float64 `json:"exit_price"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload closePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", ports.ErrInvalidRequest))
		return
	}
	if payload.ExitPrice <= 0 {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("exit_price must be positive: %w", ports.ErrInvalidRequest))
		return
	}

	closed, err := s.engine.ExitPosition(r.Context(), vars["ticker"], vars["contract"], payload.ExitPrice, domain.ExitReasonManual)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !closed {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"closed": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"closed": true})
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	report := s.engine.LastReport()
	if report == nil {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no snapshot produced yet: %w", ports.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), err, "Request failed", map[string]interface{}{
			"method": r.Method, "path": r.URL.Path,
		})
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
