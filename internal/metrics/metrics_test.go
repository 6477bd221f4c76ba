package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSessionCreated(1)
	m.RecordSessionCreated(2)
	m.RecordSessionEnded("expired", time.Minute, 1)
	m.RecordQuotaRejection()

	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Fatalf("created = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("active = %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsEnded.WithLabelValues("expired")); got != 1 {
		t.Fatalf("ended{expired} = %v", got)
	}
	if got := testutil.ToFloat64(m.QuotaRejections); got != 1 {
		t.Fatalf("rejections = %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSessionCreated(1)
	m.RecordHeartbeat()
	m.RecordWorkerCommand("play", "ok")
	m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
}
