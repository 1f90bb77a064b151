package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionsStarted.Inc()
	m.SessionsFinalized.WithLabelValues(ReasonSwept).Inc()
	m.UsageBytes.WithLabelValues("download").Add(150)

	if got := testutil.ToFloat64(m.SessionsStarted); got != 1 {
		t.Errorf("sessions_started_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UsageBytes.WithLabelValues("download")); got != 150 {
		t.Errorf("usage_bytes_total{download} = %v, want 150", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"usage_relay_sessions_started_total", "usage_relay_sessions_finalized_total"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestReason(t *testing.T) {
	if Reason(true) != ReasonSwept || Reason(false) != ReasonExplicit {
		t.Error("Reason mapping is wrong")
	}
}

type nopTransport struct{ calls int }

func (n *nopTransport) SendToChannel(string, string, any) { n.calls++ }
func (n *nopTransport) SendToAll(string, any)             { n.calls++ }

func TestTransport_CountsByKind(t *testing.T) {
	m := New(prometheus.NewRegistry())
	next := &nopTransport{}
	tr := m.Transport(next)

	tr.SendToChannel("user:a", "usage_updated", nil)
	tr.SendToChannel("user:b", "usage_updated", nil)
	tr.SendToAll("maintenance_alert", nil)

	if next.calls != 3 {
		t.Errorf("forwarded %d calls, want 3", next.calls)
	}
	if got := testutil.ToFloat64(m.EventsDispatched.WithLabelValues("usage_updated")); got != 2 {
		t.Errorf("events_dispatched_total{usage_updated} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsDispatched.WithLabelValues("maintenance_alert")); got != 1 {
		t.Errorf("events_dispatched_total{maintenance_alert} = %v, want 1", got)
	}
}
