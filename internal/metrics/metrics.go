// Package metrics provides Prometheus instrumentation for the protocol engine.
//
// All recorder methods accept a nil receiver, so engines can be built without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// Metrics holds the engine counters and gauges.
type Metrics struct {
	MessagesReceived    *prometheus.CounterVec
	MessagesSent        *prometheus.CounterVec
	ParseErrors         *prometheus.CounterVec
	Duplicates          *prometheus.CounterVec
	Retransmissions     prometheus.Counter
	Transactions        *prometheus.CounterVec
	BlockTransfers      *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	PendingTransactions prometheus.Gauge
	Observations        prometheus.Gauge
}

// New registers the metrics on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "lwm2m"
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Number of CoAP messages received",
			},
			[]string{"type", "code"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Number of CoAP messages sent",
			},
			[]string{"type", "code"},
		),
		ParseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Number of datagrams rejected by the codec",
			},
			[]string{"kind"},
		),
		Duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Number of duplicate messages detected",
			},
			[]string{"verdict"},
		),
		Retransmissions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Number of confirmable message retransmissions",
			},
		),
		Transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Number of finished transactions by outcome",
			},
			[]string{"outcome"},
		),
		BlockTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transfers_total",
				Help:      "Number of block-wise transfer events",
			},
			[]string{"option", "result"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Number of observe notifications",
			},
			[]string{"result"},
		),
		PendingTransactions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_transactions",
				Help:      "Number of transactions awaiting a response",
			},
		),
		Observations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observations",
				Help:      "Number of active observations",
			},
		),
	}
}

func (m *Metrics) Received(msg base.Message) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(base.TypeName(msg.Type), base.CodeName(msg.Code)).Inc()
}

func (m *Metrics) Sent(msg base.Message) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(base.TypeName(msg.Type), base.CodeName(msg.Code)).Inc()
}

func (m *Metrics) ParseError(err error) {
	if m == nil {
		return
	}
	kind := "other"
	switch {
	case base.IsBadOptions(err):
		kind = "bad_option"
	case base.IsFormatError(err):
		kind = "format"
	}
	m.ParseErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Duplicate(verdict string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(verdict).Inc()
}

func (m *Metrics) Retransmit() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

func (m *Metrics) TransactionDone(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BlockTransfer(option, result string) {
	if m == nil {
		return
	}
	m.BlockTransfers.WithLabelValues(option, result).Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTransactions.Set(float64(n))
}

func (m *Metrics) SetObservations(n int) {
	if m == nil {
		return
	}
	m.Observations.Set(float64(n))
}
