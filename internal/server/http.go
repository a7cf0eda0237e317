// Package server exposes the read-only HTTP query API. Handlers never
// touch engine state directly: each query is a closure sent to the
// engine loop's command channel and executed there, which keeps every
// engine access on the single engine goroutine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/market"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/observability"
)

// View is what a query closure sees while running on the engine
// goroutine. Prices is the price context of the most recently applied
// execution message; nil until the first one arrives.
type View struct {
	Engine *engine.Engine
	Prices *engine.PriceContext
}

// QueryFunc runs on the engine goroutine.
type QueryFunc func(View)

// Server is the HTTP query API.
type Server struct {
	httpServer *http.Server
	queries    chan<- QueryFunc
	timeout    time.Duration
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func New(
	addr string,
	queries chan<- QueryFunc,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	s := &Server{
		queries: queries,
		timeout: 5 * time.Second,
		health:  health,
		metrics: metrics,
		log:     log,
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/markets", s.instrument("markets", s.listMarkets))
		r.Get("/markets/{instrument}", s.instrument("market", s.getMarket))
		r.Get("/markets/{instrument}/adl/{side}", s.instrument("adl", s.getAdlEligibility))

		r.Get("/positions/{user}", s.instrument("positions", s.listPositions))
		r.Get("/positions/{user}/{instrument}/{side}", s.instrument("position", s.getPosition))
		r.Get("/positions/{user}/{instrument}/{side}/liquidation-price", s.instrument("liquidation_price", s.getLiquidationPrice))

		r.Get("/requests", s.instrument("requests", s.listRequests))
		r.Get("/requests/{key}", s.instrument("request", s.getRequest))
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("query api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// instrument wraps a handler with per-endpoint request counting and
// latency observation.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// do runs fn on the engine goroutine and waits for it to finish.
func (s *Server) do(r *http.Request, fn QueryFunc) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	done := make(chan struct{})
	wrapped := func(v View) {
		defer close(done)
		fn(v)
	}

	select {
	case s.queries <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Response shapes. Scaled quantities are raw decimal integer strings,
// matching the ingestion wire format; display fields carry the
// human-readable rendering.
// ============================================================================

type marketJSON struct {
	Instrument string `json:"instrument"`

	LongOpenInterest  string `json:"long_open_interest"`
	ShortOpenInterest string `json:"short_open_interest"`
	SkewUsd           string `json:"skew_usd"`

	FundingRate      string `json:"funding_rate"`
	FundingVelocity  string `json:"funding_velocity"`
	AccruedPerToken  string `json:"accrued_per_token"`
	FundingUpdatedAt int64  `json:"funding_updated_at"`

	LongBorrowRate        string `json:"long_borrow_rate"`
	ShortBorrowRate       string `json:"short_borrow_rate"`
	LongBorrowCumulative  string `json:"long_borrow_cumulative"`
	ShortBorrowCumulative string `json:"short_borrow_cumulative"`

	LongAvgEntryPrice  string `json:"long_avg_entry_price"`
	ShortAvgEntryPrice string `json:"short_avg_entry_price"`

	Version int64 `json:"version"`
}

func marketToJSON(st *market.State) marketJSON {
	return marketJSON{
		Instrument:            st.Instrument,
		LongOpenInterest:      st.LongOpenInterest.Raw().String(),
		ShortOpenInterest:     st.ShortOpenInterest.Raw().String(),
		SkewUsd:               st.SkewUSD().Raw().String(),
		FundingRate:           st.Funding.Rate.Raw().String(),
		FundingVelocity:       st.Funding.Velocity.Raw().String(),
		AccruedPerToken:       st.Funding.AccruedPerToken.Raw().String(),
		FundingUpdatedAt:      st.Funding.UpdatedAt,
		LongBorrowRate:        st.LongBorrow.Rate.Raw().String(),
		ShortBorrowRate:       st.ShortBorrow.Rate.Raw().String(),
		LongBorrowCumulative:  st.LongBorrow.Cumulative.Raw().String(),
		ShortBorrowCumulative: st.ShortBorrow.Cumulative.Raw().String(),
		LongAvgEntryPrice:     st.LongAvgEntryPrice.Raw().String(),
		ShortAvgEntryPrice:    st.ShortAvgEntryPrice.Raw().String(),
		Version:               st.Version,
	}
}

type positionJSON struct {
	Instrument string `json:"instrument"`
	User       string `json:"user_id"`
	Side       string `json:"side"`

	CollateralToken string `json:"collateral_token"`
	Collateral      string `json:"collateral"`
	SizeUsd         string `json:"size_usd"`
	SizeDisplay     string `json:"size_display"`
	AvgEntryPrice   string `json:"avg_entry_price"`

	FundingEntryPerToken  string `json:"funding_entry_per_token"`
	BorrowEntryCumulative string `json:"borrow_entry_cumulative"`

	StopLossKey   *string `json:"stop_loss_key,omitempty"`
	TakeProfitKey *string `json:"take_profit_key,omitempty"`

	OpenedAt    int64 `json:"opened_at"`
	LastTouched int64 `json:"last_touched"`
	Version     int64 `json:"version"`
}

func positionToJSON(p *engine.Position) positionJSON {
	side := "short"
	if p.Key.IsLong {
		side = "long"
	}
	out := positionJSON{
		Instrument:            p.Key.Instrument,
		User:                  p.Key.User.String(),
		Side:                  side,
		CollateralToken:       p.CollateralToken,
		Collateral:            p.Collateral.Raw().String(),
		SizeUsd:               p.SizeUsd.Raw().String(),
		SizeDisplay:           p.SizeUsd.String(),
		AvgEntryPrice:         p.AvgEntryPrice.Raw().String(),
		FundingEntryPerToken:  p.FundingEntryPerToken.Raw().String(),
		BorrowEntryCumulative: p.BorrowEntryCumulative.Raw().String(),
		OpenedAt:              p.OpenedAt,
		LastTouched:           p.LastTouched,
		Version:               p.Version,
	}
	if p.StopLossKey != nil {
		k := p.StopLossKey.String()
		out.StopLossKey = &k
	}
	if p.TakeProfitKey != nil {
		k := p.TakeProfitKey.String()
		out.TakeProfitKey = &k
	}
	return out
}

type requestJSON struct {
	RequestKey string `json:"request_key"`
	Kind       string `json:"kind"`
	Instrument string `json:"instrument"`
	User       string `json:"user_id"`
	Side       string `json:"side"`
	CreatedAt  int64  `json:"created_at"`
}

func requestToJSON(req engine.Request) requestJSON {
	pk := req.PositionKey()
	side := "short"
	if pk.IsLong {
		side = "long"
	}
	return requestJSON{
		RequestKey: req.Key().String(),
		Kind:       req.Kind().String(),
		Instrument: pk.Instrument,
		User:       pk.User.String(),
		Side:       side,
		CreatedAt:  req.CreatedAt(),
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	var out []marketJSON
	err := s.do(r, func(v View) {
		for _, name := range v.Engine.Markets().Instruments() {
			if st, ok := v.Engine.MarketState(name); ok {
				out = append(out, marketToJSON(st))
			}
		}
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"markets": out})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "instrument")

	var (
		out   marketJSON
		found bool
	)
	err := s.do(r, func(v View) {
		st, ok := v.Engine.MarketState(instrument)
		if !ok {
			return
		}
		out = marketToJSON(st)
		found = true
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "unknown instrument")
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getAdlEligibility(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "instrument")
	isLong, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		ratio    string
		eligible bool
		noPrices bool
		qerr     error
	)
	err = s.do(r, func(v View) {
		if v.Prices == nil {
			noPrices = true
			return
		}
		rw, ok, e := v.Engine.EvaluateAdlEligibility(instrument, isLong, v.Prices)
		if e != nil {
			qerr = e
			return
		}
		ratio = rw.Raw().String()
		eligible = ok
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if noPrices {
		respondError(w, http.StatusServiceUnavailable, "no price context yet")
		return
	}
	if qerr != nil {
		respondError(w, http.StatusNotFound, qerr.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"instrument":        instrument,
		"side":              chi.URLParam(r, "side"),
		"pnl_to_pool_ratio": ratio,
		"eligible":          eligible,
	})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad user id")
		return
	}

	var out []positionJSON
	err = s.do(r, func(v View) {
		for _, p := range v.Engine.Positions() {
			if p.Key.User == user {
				out = append(out, positionToJSON(p))
			}
		}
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"positions": out})
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad user id")
		return
	}
	isLong, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	instrument := chi.URLParam(r, "instrument")

	var (
		out   positionJSON
		found bool
	)
	err = s.do(r, func(v View) {
		p, ok := v.Engine.GetPosition(instrument, user, isLong)
		if !ok {
			return
		}
		out = positionToJSON(p)
		found = true
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "position not found")
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getLiquidationPrice(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad user id")
		return
	}
	isLong, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	instrument := chi.URLParam(r, "instrument")

	var (
		price    string
		display  string
		noPrices bool
		qerr     error
	)
	err = s.do(r, func(v View) {
		if v.Prices == nil {
			noPrices = true
			return
		}
		p, e := v.Engine.ComputeLiquidationPrice(instrument, user, isLong, v.Prices)
		if e != nil {
			qerr = e
			return
		}
		price = p.Raw().String()
		display = p.String()
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if noPrices {
		respondError(w, http.StatusServiceUnavailable, "no price context yet")
		return
	}
	if qerr != nil {
		respondError(w, http.StatusNotFound, qerr.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"instrument":        instrument,
		"user_id":           user.String(),
		"side":              chi.URLParam(r, "side"),
		"liquidation_price": price,
		"display":           display,
	})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	var out []requestJSON
	err := s.do(r, func(v View) {
		for _, req := range v.Engine.PendingRequests() {
			out = append(out, requestToJSON(req))
		}
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requests": out})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	key, err := uuid.Parse(chi.URLParam(r, "key"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad request key")
		return
	}

	var (
		out   requestJSON
		found bool
	)
	err = s.do(r, func(v View) {
		req, ok := v.Engine.PendingRequest(key)
		if !ok {
			return
		}
		out = requestToJSON(req)
		found = true
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "request not pending")
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func parseSide(s string) (bool, error) {
	switch s {
	case "long":
		return true, nil
	case "short":
		return false, nil
	default:
		return false, errors.New("side must be long or short")
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
