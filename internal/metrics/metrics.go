// Package metrics exposes the MS/TP link's counters (§7 "Error Handling
// Design", §3 "optional statistic") as Prometheus collectors, and
// implements mstp.Counters so the FSMs can report directly into it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks link-level Prometheus metrics for one MS/TP port.
// All metrics use the mstp_ prefix.
type Metrics struct {
	FramesValid   prometheus.Counter
	FramesInvalid prometheus.Counter
	FramesDropped prometheus.Counter
	TokenPasses   prometheus.Counter
	ReplyTimeouts prometheus.Counter
	PollsForMaster prometheus.Counter
}

// New creates MS/TP metrics and registers them against reg (typically
// prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesValid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mstp_frames_valid_total",
			Help: "Frames that passed header and data CRC validation.",
		}),
		FramesInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mstp_frames_invalid_total",
			Help: "Frames rejected by CRC, inter-octet timeout, or oversize length.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mstp_frames_dropped_total",
			Help: "Valid frames discarded because the receive slot was still full.",
		}),
		TokenPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mstp_token_passes_total",
			Help: "Tokens this node transmitted to its successor.",
		}),
		ReplyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mstp_reply_timeouts_total",
			Help: "WAIT_FOR_REPLY cycles that expired without a matching reply.",
		}),
		PollsForMaster: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mstp_polls_for_master_total",
			Help: "Poll-For-Master frames transmitted while searching for a successor.",
		}),
	}
	reg.MustRegister(
		m.FramesValid,
		m.FramesInvalid,
		m.FramesDropped,
		m.TokenPasses,
		m.ReplyTimeouts,
		m.PollsForMaster,
	)
	return m
}

// FrameValid implements mstp.Counters.
func (m *Metrics) FrameValid() { m.FramesValid.Inc() }

// FrameInvalid implements mstp.Counters.
func (m *Metrics) FrameInvalid() { m.FramesInvalid.Inc() }

// FrameDropped implements mstp.Counters.
func (m *Metrics) FrameDropped() { m.FramesDropped.Inc() }

// TokenPass implements mstp.Counters.
func (m *Metrics) TokenPass() { m.TokenPasses.Inc() }

// ReplyTimeout implements mstp.Counters.
func (m *Metrics) ReplyTimeout() { m.ReplyTimeouts.Inc() }

// PollForMaster implements mstp.Counters.
func (m *Metrics) PollForMaster() { m.PollsForMaster.Inc() }
