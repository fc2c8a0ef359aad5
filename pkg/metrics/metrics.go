// Package metrics exposes transport diagnostics counters. Malformed and
// adversarial datagrams are dropped silently by design; these counters
// are the only place they remain visible.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	FramesSent       prometheus.Counter
	FramesReceived   prometheus.Counter
	MalformedDropped prometheus.Counter
	UnknownStream    prometheus.Counter
	Retransmissions  prometheus.Counter
	KeepalivesSent   prometheus.Counter
	StaleDropped     prometheus.Counter
}

// New builds the counter set and registers it when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkio", Name: "frames_sent_total",
			Help: "Frames handed to the socket, keepalives and retransmissions included.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkio", Name: "frames_received_total",
			Help: "Frames that survived decryption and decoding.",
		}),
		MalformedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkio", Name: "malformed_dropped_total",
			Help: "Datagrams dropped for failing decryption or framing validation.",
		}),
		UnknownStream: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkio", Name: "unknown_stream_total",
			Help: "Frames addressed to a stream id outside the agreed table.",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkio", Name: "retransmissions_total",
			Help: "Reliable frames re-sent after an ack timeout.",
		}),
		KeepalivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkio", Name: "keepalives_sent_total",
			Help: "Keepalive frames sent.",
		}),
		StaleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkio", Name: "stale_dropped_total",
			Help: "Best-effort-latest frames superseded before delivery.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesSent, m.FramesReceived, m.MalformedDropped,
			m.UnknownStream, m.Retransmissions, m.KeepalivesSent, m.StaleDropped)
	}
	return m
}
