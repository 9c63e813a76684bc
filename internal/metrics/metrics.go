// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DecodeMetrics counts header decoding outcomes. A nil *DecodeMetrics is a
// valid no-op.
type DecodeMetrics struct {
	// HeadersDecoded counts chain nodes by layer name
	HeadersDecoded *prometheus.CounterVec
	// DecodeFailures counts rejected headers by layer and error class
	DecodeFailures *prometheus.CounterVec
	// WarningsSuppressed counts malformed-frame log lines dropped by the limiter
	WarningsSuppressed prometheus.Counter
}

// NewDecodeMetrics creates the decode collectors and registers them on reg.
func NewDecodeMetrics(reg prometheus.Registerer) *DecodeMetrics {
	m := &DecodeMetrics{
		HeadersDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nepwire_headers_decoded_total",
				Help: "Total number of headers decoded into a chain",
			},
			[]string{"layer"},
		),
		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nepwire_decode_failures_total",
				Help: "Total number of headers rejected while decoding",
			},
			[]string{"layer", "reason"},
		),
		WarningsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nepwire_decode_warnings_suppressed_total",
				Help: "Total number of malformed-frame warnings suppressed by the per-source limiter",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.HeadersDecoded, m.DecodeFailures, m.WarningsSuppressed)
	}
	return m
}

func (m *DecodeMetrics) Decoded(layer string) {
	if m != nil {
		m.HeadersDecoded.WithLabelValues(layer).Inc()
	}
}

func (m *DecodeMetrics) Failed(layer, reason string) {
	if m != nil {
		m.DecodeFailures.WithLabelValues(layer, reason).Inc()
	}
}

func (m *DecodeMetrics) Suppressed() {
	if m != nil {
		m.WarningsSuppressed.Inc()
	}
}

// SessionMetrics counts secure framing outcomes of NEP sessions. A nil
// *SessionMetrics is a valid no-op.
type SessionMetrics struct {
	// Messages counts sealed and opened messages by direction and type
	Messages *prometheus.CounterVec
	// AuthFailures counts messages whose MAC did not verify
	AuthFailures prometheus.Counter
}

// NewSessionMetrics creates the session collectors and registers them on reg.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nepwire_session_messages_total",
				Help: "Total number of NEP messages sealed or opened",
			},
			[]string{"op", "type"},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nepwire_session_auth_failures_total",
				Help: "Total number of NEP messages rejected by MAC verification",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Messages, m.AuthFailures)
	}
	return m
}

func (m *SessionMetrics) Message(op, msgType string) {
	if m != nil {
		m.Messages.WithLabelValues(op, msgType).Inc()
	}
}

func (m *SessionMetrics) AuthFailure() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}
