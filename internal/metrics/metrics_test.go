package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsExposure(t *testing.T) {
	Cycles.Inc()
	GroupsJoined.Inc()
	MessagesIngested.WithLabelValues("tech").Inc()
	FloodWaits.Inc()
	IncAPIRetry("/channels/resolve")
	StoreRetries.Inc()
	ObserveCycleDuration(time.Now().Add(-1500 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"tgharvest_cycles_total",
		"tgharvest_groups_joined_total",
		"tgharvest_messages_ingested_total",
		"tgharvest_flood_waits_total",
		"tgharvest_api_retries_total",
		"tgharvest_store_retries_total",
		"tgharvest_cycle_duration_seconds",
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
