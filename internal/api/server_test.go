package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slabvalue/internal/cache"
	"slabvalue/internal/compsearch"
	"slabvalue/internal/config"
	"slabvalue/internal/db"
	"slabvalue/internal/engine"
	"slabvalue/internal/poll"
	"slabvalue/internal/valuation"
)

// upstream is a fake comp search service.
type upstream struct {
	mu    sync.Mutex
	comps map[string][]map[string]any
}

func (u *upstream) set(id string, records ...map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.comps[id] = records
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.Write([]byte(`{"ok":true}`))
	case "/comps":
		u.mu.Lock()
		recs := u.comps[r.URL.Query().Get("id")]
		u.mu.Unlock()
		if recs == nil {
			recs = []map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"sales": recs})
	default:
		http.NotFound(w, r)
	}
}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

// idleScheduler never fires, so pollers stay in whatever state their first
// attempt left them.
type idleScheduler struct{}

func (idleScheduler) AfterFunc(time.Duration, func()) poll.Timer { return idleTimer{} }

type testEnv struct {
	h  http.Handler
	up *upstream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	up := &upstream{comps: map[string][]map[string]any{}}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	cfg := config.Default()
	cfg.HTTP.RatePerSec = 0
	cfg.CompSearch.BaseURL = upSrv.URL
	cfg.CompSearch.RatePerSec = 1000
	cfg.CompSearch.Burst = 100

	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	client := compsearch.New(cfg.CompSearch)
	c := cache.New()
	ctx, cancel := context.WithCancel(context.Background())
	svc := valuation.New(ctx, d, client, c, valuation.Options{
		TrendWindow: cfg.TrendWindow(),
		Poll:        []poll.Option{poll.WithScheduler(idleScheduler{})},
	})
	t.Cleanup(func() {
		svc.Close()
		cancel()
	})

	return &testEnv{h: NewServer(cfg, svc, d, client, c).Handler(), up: up}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func sale(price float64, daysAgo int) map[string]any {
	return map[string]any{
		"price": price,
		"date":  time.Now().UTC().AddDate(0, 0, -daysAgo).Format(time.RFC3339),
	}
}

func (e *testEnv) createAsset(t *testing.T, body map[string]any) db.Asset {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/assets", body)
	require.Equal(t, 201, rec.Code, rec.Body.String())
	return decode[db.Asset](t, rec)
}

func TestCORS_Preflight(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodOptions, "/api/assets", nil)
	assert.Equal(t, 204, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAssets_CRUD(t *testing.T) {
	e := newTestEnv(t)

	created := e.createAsset(t, map[string]any{
		"name":           "Blastoise PSA 10",
		"grade":          "PSA 10",
		"liquidity":      "warm",
		"purchase_price": "310.00",
	})
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.PurchasePrice.Equal(decimal.NewFromInt(310)))

	rec := e.do(t, http.MethodGet, "/api/assets", nil)
	require.Equal(t, 200, rec.Code)
	assert.Len(t, decode[[]db.Asset](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/api/assets/"+created.ID, nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "Blastoise PSA 10", decode[db.Asset](t, rec).Name)

	rec = e.do(t, http.MethodPut, "/api/assets/"+created.ID, map[string]any{
		"name":           "Blastoise PSA 10 (cracked case)",
		"liquidity":      "cool",
		"purchase_price": 300,
	})
	require.Equal(t, 200, rec.Code, rec.Body.String())
	updated := decode[db.Asset](t, rec)
	assert.Equal(t, "Blastoise PSA 10 (cracked case)", updated.Name)
	assert.Equal(t, "cool", updated.Liquidity)

	rec = e.do(t, http.MethodDelete, "/api/assets/"+created.ID, nil)
	assert.Equal(t, 204, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/assets/"+created.ID, nil)
	assert.Equal(t, 404, rec.Code)
	rec = e.do(t, http.MethodDelete, "/api/assets/"+created.ID, nil)
	assert.Equal(t, 404, rec.Code)
}

func TestCreateAsset_BadInput(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{"},
		{"blank name", map[string]any{"name": "  "}},
		{"bad price", map[string]any{"name": "card", "purchase_price": "abc"}},
		{"negative price", map[string]any{"name": "card", "purchase_price": -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/assets", tt.body)
			assert.Equal(t, 400, rec.Code, rec.Body.String())
		})
	}
}

func TestValuation_FromUpstreamComps(t *testing.T) {
	e := newTestEnv(t)
	e.up.set("base-4", sale(100, 0), sale(120, 5), sale(80, 40))
	a := e.createAsset(t, map[string]any{"name": "Charizard", "global_id": "base-4", "liquidity": "hot"})

	rec := e.do(t, http.MethodGet, "/api/assets/"+a.ID+"/valuation", nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	v := decode[valuation.Valuation](t, rec)

	assert.True(t, v.Pricing.Value.Equal(decimal.NewFromInt(100)), "value = %s", v.Pricing.Value)
	assert.Equal(t, 3, v.CompCount)
	assert.Equal(t, valuation.SourceFallback, v.Source)
	assert.Equal(t, engine.RatingLow, v.Confidence.Rating)
	assert.Equal(t, 4, v.Liquidity.Level)
	require.NotNil(t, v.Pricing.LastSold)
	assert.True(t, v.Pricing.LastSold.Price.Equal(decimal.NewFromInt(100)))

	rec = e.do(t, http.MethodPost, "/api/assets/"+a.ID+"/refresh", nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, 3, decode[valuation.Valuation](t, rec).CompCount)
}

func TestValuation_UnknownAsset(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{
		"/api/assets/missing/valuation",
		"/api/assets/missing/trend",
		"/api/assets/missing/poll",
		"/api/assets/missing/stream",
	} {
		rec := e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, 404, rec.Code, path)
	}
	rec := e.do(t, http.MethodPost, "/api/assets/missing/refresh", nil)
	assert.Equal(t, 404, rec.Code)
}

func TestTrend(t *testing.T) {
	e := newTestEnv(t)
	e.up.set("g-1", sale(40, 3), sale(50, 1))
	a := e.createAsset(t, map[string]any{"name": "card", "global_id": "g-1"})

	rec := e.do(t, http.MethodGet, "/api/assets/"+a.ID+"/trend", nil)
	require.Equal(t, 200, rec.Code)
	series := decode[engine.TrendSeries](t, rec)
	assert.Equal(t, 2, series.Len())
	assert.False(t, series.IsUsingAllTime)
}

func TestPoll_NewAssetWithoutComps(t *testing.T) {
	e := newTestEnv(t)
	a := e.createAsset(t, map[string]any{"name": "just graded"})

	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/assets/"+a.ID+"/poll", nil)
		if rec.Code != 200 {
			return false
		}
		var st struct {
			State    string `json:"state"`
			Attempts int    `json:"attempts"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
			return false
		}
		return st.State == "polling" && st.Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiquidity(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		tag       string
		wantTag   engine.LiquidityTag
		wantLevel int
	}{
		{"HOT", engine.LiquidityHot, 4},
		{"fire", engine.LiquidityFire, 5},
		{"lukewarm", engine.LiquidityUnknown, 0},
	}
	for _, tt := range tests {
		rec := e.do(t, http.MethodGet, "/api/liquidity/"+tt.tag, nil)
		require.Equal(t, 200, rec.Code)
		got := decode[engine.Liquidity](t, rec)
		assert.Equal(t, tt.wantTag, got.Tag, tt.tag)
		assert.Equal(t, tt.wantLevel, got.Level, tt.tag)
	}
}

func TestSettings(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, db.DefaultSettings(), decode[db.Settings](t, rec))

	want := db.Settings{Currency: "JPY", Locale: "ja-JP", Theme: "dark"}
	rec = e.do(t, http.MethodPut, "/api/settings", want)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, want, decode[db.Settings](t, rec))

	rec = e.do(t, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, want, decode[db.Settings](t, rec))

	rec = e.do(t, http.MethodPut, "/api/settings", db.Settings{Currency: "yen"})
	assert.Equal(t, 400, rec.Code)
	rec = e.do(t, http.MethodPut, "/api/settings", "not json")
	assert.Equal(t, 400, rec.Code)
}

func TestRevalue(t *testing.T) {
	e := newTestEnv(t)
	e.up.set("g", sale(10, 1))
	e.createAsset(t, map[string]any{"name": "one", "global_id": "g"})
	e.createAsset(t, map[string]any{"name": "two"})

	rec := e.do(t, http.MethodPost, "/api/revalue", nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	out := decode[struct {
		Count      int                   `json:"count"`
		Valuations []valuation.Valuation `json:"valuations"`
	}](t, rec)
	assert.Equal(t, 2, out.Count)
	assert.Len(t, out.Valuations, 2)
}

func TestStatus(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, 200, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Equal(t, true, out["db_ok"])
	assert.Equal(t, true, out["compsearch_ok"])
	assert.Contains(t, out, "cache_entries")
	assert.Contains(t, out, "pollers")
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "slabvalue_cache_entries")
}

func TestStream_SendsSnapshot(t *testing.T) {
	e := newTestEnv(t)
	e.up.set("live-1", sale(25, 1), sale(35, 2))
	a := e.createAsset(t, map[string]any{"name": "card", "global_id": "live-1"})

	srv := httptest.NewServer(e.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/assets/"+a.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data, "no event received")

	var snap valuation.CompSnapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, a.ID, snap.AssetID)
	assert.Equal(t, 2, snap.CompCount)
	assert.True(t, snap.Pricing.Value.Equal(decimal.NewFromInt(30)))
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"not found", fmt.Errorf("get asset: %w", db.ErrNotFound), 404, "not found"},
		{"invalid", fmt.Errorf("%w: name is required", valuation.ErrInvalid), 400, "invalid input: name is required"},
		{"in flight", cache.ErrMutationInFlight, 409, "another change to this item is still saving"},
		{"rolled back", &cache.MutationError{Key: "settings", Err: errors.New("disk full")}, 500,
			(&cache.MutationError{}).UserMessage()},
		{"other", errors.New("boom"), 500, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil), tt.err)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantMsg, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	h := rl.middleware(ok)

	call := func(path, addr string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, 200, call("/api/assets", "192.0.2.1:1000"))
	assert.Equal(t, 200, call("/api/assets", "192.0.2.1:1001"))
	assert.Equal(t, 429, call("/api/assets", "192.0.2.1:1002"))
	assert.Equal(t, 200, call("/api/assets", "192.0.2.2:1000"))
	assert.Equal(t, 200, call("/metrics", "192.0.2.1:1003"))

	now = now.Add(time.Second)
	assert.Equal(t, 200, call("/api/assets", "192.0.2.1:1004"))

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 2, rl.sweep(time.Minute))
}
