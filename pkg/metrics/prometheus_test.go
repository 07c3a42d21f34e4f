package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetHealthIsExclusive(t *testing.T) {
	r := NewWithRegistry(prometheus.NewRegistry())
	r.SetHealth("degraded")
	r.SetHealth("halted")

	if got := testutil.ToFloat64(r.health.WithLabelValues("halted")); got != 1 {
		t.Fatalf("halted gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.health.WithLabelValues("degraded")); got != 0 {
		t.Fatalf("degraded gauge = %v, want 0", got)
	}
}

func TestRecordSignalCounts(t *testing.T) {
	r := NewWithRegistry(prometheus.NewRegistry())
	r.RecordSignal("buy", "low")
	r.RecordSignal("buy", "low")
	r.RecordSuppressed()

	if got := testutil.ToFloat64(r.signalsEmitted.WithLabelValues("buy", "low")); got != 2 {
		t.Fatalf("signals = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.suppressed); got != 1 {
		t.Fatalf("suppressed = %v, want 1", got)
	}
}
