package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOp(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOp("READ", false, 0.002)
	m.ObserveOp("READ", false, 0.004)
	m.ObserveOp("WRITE", true, 0.001)

	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("READ", "ok")); got != 2 {
		t.Errorf("READ ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("WRITE", "error")); got != 1 {
		t.Errorf("WRITE error = %v, want 1", got)
	}
}

func TestCollectorsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ConnectionsActive.Inc()
	m.NotificationsDropped.Inc()

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotificationsDropped); got != 1 {
		t.Errorf("NotificationsDropped = %v, want 1", got)
	}
}
