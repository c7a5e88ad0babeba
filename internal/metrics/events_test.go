package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"indexflow/logger"
)

func scrape(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestEmitMetricRecordsComponentValues(t *testing.T) {
	EmitMetric(nil, "binance_collector", "used_weight", int64(40), "gauge", logger.Fields{"symbol": "BTCUSDT"})
	EmitMetric(nil, "binance_collector", "used_weight", int64(42), "gauge", nil)
	EmitMetric(nil, "line_sink", "reconnects_test", 1, "", nil)
	EmitMetric(nil, "line_sink", "reconnects_test", 2, "counter", nil)
	EmitMetric(nil, "collector", "state_test", "connected", "gauge", nil)

	body := scrape(t)
	for _, want := range []string{
		`indexflow_component_value{component="binance_collector",metric="used_weight"} 42`,
		`indexflow_component_events_total{component="line_sink",metric="reconnects_test"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
	if strings.Contains(body, `metric="state_test"`) {
		t.Fatalf("non-numeric value should not be recorded")
	}
}

func TestRecordMetricSkipsUnnamedAndKeepsFields(t *testing.T) {
	if _, ok := recordMetric(nil, "drops", "", 1, "counter", nil); ok {
		t.Fatalf("unnamed metric should be ignored")
	}

	fields := logger.Fields{"stage": "archive"}
	m, ok := recordMetric(logger.GetLogger(), "drops", "items_dropped_test", 2, "", fields)
	if !ok || m.Type != "counter" {
		t.Fatalf("unexpected metric %+v", m)
	}
	if _, ok := fields["metric"]; ok {
		t.Fatalf("caller fields mutated: %v", fields)
	}
	if _, ok := m.Fields["metric"]; ok || m.Fields["stage"] != "archive" {
		t.Fatalf("unexpected metric fields %v", m.Fields)
	}
}
