package runtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var SessionsOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "hubsync",
	Name:      "sessions_online",
	Help:      "Sessions currently in the ONLINE state",
}, []string{"role"})

var HandshakeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hubsync",
	Name:      "handshakes_total",
	Help:      "Identity handshakes by result",
}, []string{"result"})

var ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "hubsync",
	Name:      "parse_errors_total",
	Help:      "Malformed inbound frames dropped by a binding",
})

var RPCOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hubsync",
	Name:      "rpc_outcomes_total",
	Help:      "Resolved RPC outcomes by result",
}, []string{"result"})

var RPCPending = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "hubsync",
	Name:      "rpc_pending",
	Help:      "RPC requests waiting for a reply",
})

var DiffEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hubsync",
	Name:      "diff_entries_total",
	Help:      "Entries emitted by the diff responder, by granularity",
}, []string{"granularity"})

var NodeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hubsync",
	Name:      "node_events_total",
	Help:      "Events raised by nodes on watched targets",
}, []string{"target", "event"})

// RegisterMetrics registers every hubsync collector with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		SessionsOnline, HandshakeResults, ParseErrors, RPCOutcomes, RPCPending, DiffEntries, NodeEvents,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// OutcomeLabel maps an RPC error to its metrics label.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrRemoteFailure):
		return "remote_failure"
	default:
		return "error"
	}
}
