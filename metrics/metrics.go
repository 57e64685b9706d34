// Package metrics exposes a reliability.Manager's internal state and event
// stream as Prometheus metrics (spec §10's supplemental observability
// surface; the spec's core Non-goals exclude a transport and persistence
// layer but say nothing about instrumentation, and the teacher's ambient
// stack is carried regardless).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/waku-org/go-sds/reliability"
	"github.com/waku-org/go-sds/sink"
)

// Collector periodically samples a Manager's Stats() as gauges and
// accumulates event counts observed through its EventSink decorator.
type Collector struct {
	manager *reliability.Manager

	lamportTimestamp    prometheus.GaugeFunc
	deliveredHistoryLen prometheus.GaugeFunc
	outgoingBufferLen   prometheus.GaugeFunc
	incomingBufferLen   prometheus.GaugeFunc
	rollingBloomLen     prometheus.GaugeFunc

	messagesReadyTotal prometheus.Counter
	messagesSentTotal  prometheus.Counter
	missingDepsTotal   prometheus.Counter
	periodicSyncsTotal prometheus.Counter
}

// NewCollector builds a Collector for m, labeling every metric with
// channelID (hex-encoded) so multiple Managers can share a registry.
func NewCollector(m *reliability.Manager, channelID []byte) *Collector {
	constLabels := prometheus.Labels{"channel_id": hexLabel(channelID)}

	c := &Collector{manager: m}

	c.lamportTimestamp = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "lamport_timestamp",
		Help:        "Current Lamport logical clock value.",
		ConstLabels: constLabels,
	}, func() float64 { return float64(m.Stats().LamportTimestamp) })

	c.deliveredHistoryLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "delivered_history_length",
		Help:        "Number of message ids currently held in delivered history.",
		ConstLabels: constLabels,
	}, func() float64 { return float64(m.Stats().DeliveredHistoryLen) })

	c.outgoingBufferLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "outgoing_buffer_length",
		Help:        "Number of outgoing messages awaiting acknowledgment.",
		ConstLabels: constLabels,
	}, func() float64 { return float64(m.Stats().OutgoingBufferLen) })

	c.incomingBufferLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "incoming_buffer_length",
		Help:        "Number of received messages pending unmet dependencies.",
		ConstLabels: constLabels,
	}, func() float64 { return float64(m.Stats().IncomingBufferLen) })

	c.rollingBloomLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "rolling_bloom_length",
		Help:        "Number of ids currently tracked by the rolling Bloom filter.",
		ConstLabels: constLabels,
	}, func() float64 { return float64(m.Stats().RollingBloomLen) })

	c.messagesReadyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "messages_ready_total",
		Help:        "Total messages delivered via MessageReady.",
		ConstLabels: constLabels,
	})
	c.messagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "messages_sent_total",
		Help:        "Total outgoing messages acknowledged or given up on.",
		ConstLabels: constLabels,
	})
	c.missingDepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "missing_dependencies_total",
		Help:        "Total times a received message was deferred for missing dependencies.",
		ConstLabels: constLabels,
	})
	c.periodicSyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "sds",
		Subsystem:   "reliability",
		Name:        "periodic_syncs_total",
		Help:        "Total PeriodicSync ticks observed.",
		ConstLabels: constLabels,
	})
	return c
}

func hexLabel(id []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xF]
	}
	return string(out)
}

// MustRegister registers every gauge and counter with reg, panicking on a
// duplicate registration (mirrors prometheus.MustRegister's own contract).
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.lamportTimestamp,
		c.deliveredHistoryLen,
		c.outgoingBufferLen,
		c.incomingBufferLen,
		c.rollingBloomLen,
		c.messagesReadyTotal,
		c.messagesSentTotal,
		c.missingDepsTotal,
		c.periodicSyncsTotal,
	)
}

// Sink wraps an underlying sink.EventSink, forwarding every call to it
// after incrementing the matching counter. Use it as the Manager's
// EventSink so Collector's counters stay current.
type Sink struct {
	next sink.EventSink
	c    *Collector
}

// WrapSink decorates next with c's counters. A nil next defaults to
// sink.NoopSink{}.
func (c *Collector) WrapSink(next sink.EventSink) *Sink {
	if next == nil {
		next = sink.NoopSink{}
	}
	return &Sink{next: next, c: c}
}

func (s *Sink) MessageReady(id []byte) {
	s.c.messagesReadyTotal.Inc()
	s.next.MessageReady(id)
}

func (s *Sink) MessageSent(id []byte) {
	s.c.messagesSentTotal.Inc()
	s.next.MessageSent(id)
}

func (s *Sink) MissingDependencies(id []byte, ids [][]byte) {
	s.c.missingDepsTotal.Inc()
	s.next.MissingDependencies(id, ids)
}

func (s *Sink) PeriodicSync() {
	s.c.periodicSyncsTotal.Inc()
	s.next.PeriodicSync()
}

var _ sink.EventSink = (*Sink)(nil)
