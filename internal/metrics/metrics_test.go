package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRegistryPopulatesSubsystems(t *testing.T) {
	r := NewRegistry(DefaultConfig(), testLogger())

	if r.Broker == nil || r.Storage == nil || r.Replication == nil || r.Coordination == nil {
		t.Fatal("a subsystem group is nil")
	}
	if !r.Enabled() {
		t.Fatal("registry reports disabled")
	}
}

func TestDisabledRegistry(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false
	r := NewRegistry(config, testLogger())

	if r.Broker != nil {
		t.Fatal("disabled registry created subsystem metrics")
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Errorf("body = %q, want disabled notice", rec.Body.String())
	}
}

func TestCountersAppearInExposition(t *testing.T) {
	r := NewRegistry(DefaultConfig(), testLogger())

	r.Broker.MessagesProduced.WithLabelValues("orders").Add(3)
	r.Broker.DuplicatesSuppressed.Inc()
	r.Replication.ISRSize.WithLabelValues("orders", "0").Set(2)
	r.Coordination.TransactionsCompleted.WithLabelValues("commit").Inc()

	if got := testutil.ToFloat64(r.Broker.MessagesProduced.WithLabelValues("orders")); got != 3 {
		t.Errorf("messages_produced = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.Replication.ISRSize.WithLabelValues("orders", "0")); got != 2 {
		t.Errorf("isr_size = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"forgeprint_broker_messages_produced_total",
		"forgeprint_broker_duplicates_suppressed_total",
		"forgeprint_replication_isr_size",
		"forgeprint_coordination_transactions_completed_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestCustomNamespace(t *testing.T) {
	config := DefaultConfig()
	config.Namespace = "testbroker"
	config.IncludeRuntimeCollectors = false
	r := NewRegistry(config, testLogger())

	r.Broker.MessagesProduced.WithLabelValues("t").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "testbroker_broker_messages_produced_total") {
		t.Error("custom namespace not applied")
	}
}
