package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	RecordTick("BTC-KRW", "fresh")
	RecordBatchFlush("batch_accumulator", 3)
	RecordSinkReconnect()
	EmitDropMetric(nil, DropSinkPending, 1, "", "", "")

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

	for _, want := range []string{
		`indexflow_ticks_total{kind="fresh",symbol="BTC-KRW"}`,
		`indexflow_drops_total{stage="sink_pending"}`,
		`indexflow_sink_reconnects_total`,
		`indexflow_batches_flushed_total`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}
