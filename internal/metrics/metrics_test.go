package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCacheLookup_Increments(t *testing.T) {
	before := testutil.ToFloat64(cacheLookups.WithLabelValues("pricing", "hit"))
	CacheLookup("pricing", "hit")
	CacheLookup("pricing", "hit")
	after := testutil.ToFloat64(cacheLookups.WithLabelValues("pricing", "hit"))
	if after-before != 2 {
		t.Errorf("delta = %v, want 2", after-before)
	}
}

func TestHandler_ExposesEngineMetrics(t *testing.T) {
	Mutation("committed")
	PollOutcome("satisfied")
	PollAttempt()
	CompSearch("200", 0)
	CompSearch("error", 250*time.Millisecond)
	Valuation("HIGH")
	CacheEntries(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"slabvalue_cache_mutations_total",
		"slabvalue_poll_outcomes_total",
		"slabvalue_poll_attempts_total",
		"slabvalue_compsearch_request_duration_seconds",
		"slabvalue_valuation_computed_total",
		"slabvalue_cache_entries 3",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
