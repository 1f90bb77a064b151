package metrics

import "github.com/usage-relay/backend/internal/event"

type countingTransport struct {
	next    event.Transport
	metrics *Metrics
}

// Transport wraps next so every dispatched event is counted by kind.
func (m *Metrics) Transport(next event.Transport) event.Transport {
	return &countingTransport{next: next, metrics: m}
}

func (t *countingTransport) SendToChannel(key, name string, payload any) {
	t.metrics.EventsDispatched.WithLabelValues(name).Inc()
	t.next.SendToChannel(key, name, payload)
}

func (t *countingTransport) SendToAll(name string, payload any) {
	t.metrics.EventsDispatched.WithLabelValues(name).Inc()
	t.next.SendToAll(name, payload)
}
