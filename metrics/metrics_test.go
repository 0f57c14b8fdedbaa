package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDisabled(t *testing.T) {
	m := New(nil)
	if m == nil {
		t.Fatal("metrics should not be nil (noop)")
	}

	// These should not panic even though they're noop
	m.RecordLogin("password", "success")
	m.RecordRefresh("success", time.Millisecond)
	m.RecordRefreshCoalesced()
	m.RecordRetry("ok")
	m.RecordLogout("user")
	m.SetSessionActive(true)
	m.ObserveAuditDrops(func() int64 { return 1 })
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	tests := []func(){
		func() { m.RecordLogin("password", "failure") },
		func() { m.RecordRefresh("failure", time.Second) },
		func() { m.RecordRefreshCoalesced() },
		func() { m.RecordRetry("session_ended") },
		func() { m.RecordLogout("refresh_failed") },
		func() { m.SetSessionActive(false) },
		func() { m.ObserveAuditDrops(func() int64 { return 1 }) },
	}
	for _, fn := range tests {
		fn()
	}
}

func TestRecordLogin(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordLogin("password", "success")
	m.RecordLogin("password", "success")
	m.RecordLogin("google", "failure")

	if got := testutil.ToFloat64(m.loginsTotal.WithLabelValues("password", "success")); got != 2 {
		t.Errorf("password/success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.loginsTotal.WithLabelValues("google", "failure")); got != 1 {
		t.Errorf("google/failure = %v, want 1", got)
	}
}

func TestRecordRefresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRefresh("success", 20*time.Millisecond)
	m.RecordRefreshCoalesced()
	m.RecordRefreshCoalesced()

	if got := testutil.ToFloat64(m.refreshesTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("refreshes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.refreshWaiters); got != 2 {
		t.Errorf("coalesced = %v, want 2", got)
	}
}

func TestSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetSessionActive(true)
	if got := testutil.ToFloat64(m.sessionActive); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
	m.SetSessionActive(false)
	if got := testutil.ToFloat64(m.sessionActive); got != 0 {
		t.Errorf("gauge = %v, want 0", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Each registry gets its own collectors; no duplicate registration panic.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}

func TestAuditDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	var dropped int64 = 3
	m.ObserveAuditDrops(func() int64 { return dropped })
	if got := testutil.ToFloat64(m.auditDropped); got != 3 {
		t.Errorf("dropped = %v, want 3", got)
	}
	dropped = 5
	if got := testutil.ToFloat64(m.auditDropped); got != 5 {
		t.Errorf("dropped = %v, want 5", got)
	}
}
