package server_test

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/market"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/observability"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/server"
)

const t0 = int64(1_700_000_000)

// startQueryLoop drains the query channel the way the engine loop does,
// one closure at a time.
func startQueryLoop(t *testing.T, eng *engine.Engine, pc *engine.PriceContext) chan<- server.QueryFunc {
	t.Helper()
	queries := make(chan server.QueryFunc)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for fn := range queries {
			fn(server.View{Engine: eng, Prices: pc})
		}
	}()
	t.Cleanup(func() {
		close(queries)
		<-done
	})
	return queries
}

func testPrices() *engine.PriceContext {
	return &engine.PriceContext{
		Timestamp: t0 + 60,
		Prices: map[string]engine.PriceTriple{
			"BTC": {
				Min: fixed.Dollars(9_990),
				Med: fixed.Dollars(10_000),
				Max: fixed.Dollars(10_010),
			},
			"USDC": {
				Min: fixed.Dollars(1),
				Med: fixed.Dollars(1),
				Max: fixed.Dollars(1),
			},
		},
		BaseUnits: map[string]*big.Int{
			"BTC":  new(big.Int).Set(fixed.Base18),
			"USDC": new(big.Int).Set(fixed.Base6),
		},
		PoolValueUsd: fixed.Dollars(10_000_000),
	}
}

func seedPosition(eng *engine.Engine, user uuid.UUID) {
	eng.RestorePosition(&engine.Position{
		Key: engine.PositionKey{
			Instrument: "BTC-PERP",
			User:       user,
			IsLong:     true,
		},
		CollateralToken:       "USDC",
		Collateral:            fixed.WholeTokens(1_000, fixed.Base6),
		SizeUsd:               fixed.Dollars(10_000),
		AvgEntryPrice:         fixed.Dollars(10_000),
		FundingEntryPerToken:  fixed.ZeroUSD(),
		BorrowEntryCumulative: fixed.ZeroWAD(),
		OpenedAt:              t0,
		LastTouched:           t0,
	})
}

func newTestServer(t *testing.T, eng *engine.Engine, pc *engine.PriceContext) *httptest.Server {
	t.Helper()
	queries := startQueryLoop(t, eng, pc)
	srv := server.New("127.0.0.1:0", queries, observability.NewHealthChecker(), nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("get %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestGetMarket(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	ts := newTestServer(t, eng, testPrices())

	var got struct {
		Instrument       string `json:"instrument"`
		LongOpenInterest string `json:"long_open_interest"`
		Version          int64  `json:"version"`
	}
	getJSON(t, ts.URL+"/api/v1/markets/BTC-PERP", http.StatusOK, &got)
	if got.Instrument != "BTC-PERP" {
		t.Errorf("instrument = %s", got.Instrument)
	}
	if got.LongOpenInterest != "0" {
		t.Errorf("long oi = %s", got.LongOpenInterest)
	}

	getJSON(t, ts.URL+"/api/v1/markets/DOGE-PERP", http.StatusNotFound, nil)
}

func TestListMarkets(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	ts := newTestServer(t, eng, nil)

	var got struct {
		Markets []struct {
			Instrument string `json:"instrument"`
		} `json:"markets"`
	}
	getJSON(t, ts.URL+"/api/v1/markets", http.StatusOK, &got)
	if len(got.Markets) != 2 {
		t.Fatalf("markets = %d, want 2", len(got.Markets))
	}
}

func TestGetPosition(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	user := uuid.New()
	seedPosition(eng, user)
	ts := newTestServer(t, eng, nil)

	var got struct {
		User    string `json:"user_id"`
		Side    string `json:"side"`
		SizeUsd string `json:"size_usd"`
	}
	getJSON(t, ts.URL+"/api/v1/positions/"+user.String()+"/BTC-PERP/long", http.StatusOK, &got)
	if got.User != user.String() {
		t.Errorf("user = %s", got.User)
	}
	if got.Side != "long" {
		t.Errorf("side = %s", got.Side)
	}
	if got.SizeUsd != fixed.Dollars(10_000).Raw().String() {
		t.Errorf("size = %s", got.SizeUsd)
	}

	getJSON(t, ts.URL+"/api/v1/positions/"+user.String()+"/BTC-PERP/short", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/v1/positions/"+user.String()+"/BTC-PERP/sideways", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/api/v1/positions/not-a-uuid/BTC-PERP/long", http.StatusBadRequest, nil)
}

func TestListPositionsFiltersByUser(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	alice := uuid.New()
	bob := uuid.New()
	seedPosition(eng, alice)
	seedPosition(eng, bob)
	ts := newTestServer(t, eng, nil)

	var got struct {
		Positions []struct {
			User string `json:"user_id"`
		} `json:"positions"`
	}
	getJSON(t, ts.URL+"/api/v1/positions/"+alice.String(), http.StatusOK, &got)
	if len(got.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(got.Positions))
	}
	if got.Positions[0].User != alice.String() {
		t.Errorf("user = %s", got.Positions[0].User)
	}
}

func TestGetLiquidationPrice(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	user := uuid.New()
	seedPosition(eng, user)
	ts := newTestServer(t, eng, testPrices())

	var got struct {
		LiquidationPrice string `json:"liquidation_price"`
	}
	url := ts.URL + "/api/v1/positions/" + user.String() + "/BTC-PERP/long/liquidation-price"
	getJSON(t, url, http.StatusOK, &got)
	if got.LiquidationPrice == "" || got.LiquidationPrice == "0" {
		t.Errorf("liquidation price = %q", got.LiquidationPrice)
	}
}

func TestGetLiquidationPrice_NoPricesYet(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	user := uuid.New()
	seedPosition(eng, user)
	ts := newTestServer(t, eng, nil)

	url := ts.URL + "/api/v1/positions/" + user.String() + "/BTC-PERP/long/liquidation-price"
	getJSON(t, url, http.StatusServiceUnavailable, nil)
}

func TestPendingRequests(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	key := uuid.New()
	req := &engine.FullClose{
		Meta: engine.Meta{
			RequestKey: key,
			Instrument: "BTC-PERP",
			User:       uuid.New(),
			IsLong:     true,
			Created:    t0,
		},
	}
	if err := eng.SubmitRequest(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ts := newTestServer(t, eng, nil)

	var list struct {
		Requests []struct {
			RequestKey string `json:"request_key"`
			Kind       string `json:"kind"`
		} `json:"requests"`
	}
	getJSON(t, ts.URL+"/api/v1/requests", http.StatusOK, &list)
	if len(list.Requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(list.Requests))
	}
	if list.Requests[0].Kind != "full_close" {
		t.Errorf("kind = %s", list.Requests[0].Kind)
	}

	var one struct {
		RequestKey string `json:"request_key"`
	}
	getJSON(t, ts.URL+"/api/v1/requests/"+key.String(), http.StatusOK, &one)
	if one.RequestKey != key.String() {
		t.Errorf("key = %s", one.RequestKey)
	}

	getJSON(t, ts.URL+"/api/v1/requests/"+uuid.NewString(), http.StatusNotFound, nil)
}

func TestHealthEndpoints(t *testing.T) {
	eng := engine.New(market.NewStore(t0), zerolog.Nop(), nil)
	ts := newTestServer(t, eng, nil)

	getJSON(t, ts.URL+"/healthz", http.StatusOK, nil)
	// Readiness starts false until recovery completes.
	getJSON(t, ts.URL+"/readyz", http.StatusServiceUnavailable, nil)
}
