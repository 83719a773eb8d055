// Package stats exposes the agent's traffic and operation counters as
// Prometheus metrics, replacing a single mutex-guarded counter block with
// the counter/gauge vectors the rest of the stack already depends on.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Stats holds every counter the worker pool and container manager update
// while servicing chunk events.
type Stats struct {
	TrafficIn  prometheus.Counter
	TrafficOut prometheus.Counter

	ChunkTrafficIn  prometheus.Counter
	ChunkTrafficOut prometheus.Counter

	OpsSuccess *prometheus.CounterVec
	OpsFail    *prometheus.CounterVec
}

// New registers and returns a fresh Stats bound to reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test binaries.
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		TrafficIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_traffic_in_bytes_total",
			Help: "Total bytes received on the data-plane socket, including wire overhead.",
		}),
		TrafficOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_traffic_out_bytes_total",
			Help: "Total bytes sent on the data-plane socket, including wire overhead.",
		}),
		ChunkTrafficIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_chunk_traffic_in_bytes_total",
			Help: "Total chunk payload bytes received.",
		}),
		ChunkTrafficOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_chunk_traffic_out_bytes_total",
			Help: "Total chunk payload bytes sent.",
		}),
		OpsSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_ops_success_total",
			Help: "Successful chunk operations by opcode.",
		}, []string{"opcode"}),
		OpsFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_ops_fail_total",
			Help: "Failed chunk operations by opcode.",
		}, []string{"opcode"}),
	}
	reg.MustRegister(s.TrafficIn, s.TrafficOut, s.ChunkTrafficIn, s.ChunkTrafficOut, s.OpsSuccess, s.OpsFail)
	return s
}

// AddIngressTraffic records traffic bytes received on the data-plane socket.
func (s *Stats) AddIngressTraffic(n int) { s.TrafficIn.Add(float64(n)) }

// AddEgressTraffic records traffic bytes sent on the data-plane socket.
func (s *Stats) AddEgressTraffic(n int) { s.TrafficOut.Add(float64(n)) }

// AddIngressChunkTraffic records chunk payload bytes received.
func (s *Stats) AddIngressChunkTraffic(n int) { s.ChunkTrafficIn.Add(float64(n)) }

// AddEgressChunkTraffic records chunk payload bytes sent.
func (s *Stats) AddEgressChunkTraffic(n int) { s.ChunkTrafficOut.Add(float64(n)) }

// IncrementOp records a completed operation's outcome under its opcode name.
func (s *Stats) IncrementOp(opcodeName string, success bool) {
	if success {
		s.OpsSuccess.WithLabelValues(opcodeName).Inc()
	} else {
		s.OpsFail.WithLabelValues(opcodeName).Inc()
	}
}
