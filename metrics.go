package docds

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of a DB. A nil *Metrics records
// nothing.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Errors            *prometheus.CounterVec
	QueryResults      prometheus.Histogram
	IDsAllocated      *prometheus.CounterVec
	Transactions      *prometheus.CounterVec
	Actions           *prometheus.CounterVec
}

// NewMetrics creates the collectors; register them with Register.
func NewMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docds",
				Subsystem: "ops",
				Name:      "total",
				Help:      "Total number of datastore operations",
			},
			[]string{"op"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "docds",
				Subsystem: "ops",
				Name:      "duration_seconds",
				Help:      "Datastore operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docds",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of failed operations by error class",
			},
			[]string{"op", "class"},
		),

		QueryResults: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "docds",
				Subsystem: "query",
				Name:      "results",
				Help:      "Number of results returned per query page",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		IDsAllocated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docds",
				Subsystem: "ids",
				Name:      "allocated_total",
				Help:      "Total number of ids handed out",
			},
			[]string{"kind"},
		),

		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docds",
				Subsystem: "txn",
				Name:      "events_total",
				Help:      "Transaction lifecycle events (begin, commit, rollback, conflict, failed)",
			},
			[]string{"event"},
		),

		Actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docds",
				Subsystem: "txn",
				Name:      "actions_total",
				Help:      "Deferred actions by outcome (submitted, dropped)",
			},
			[]string{"outcome"},
		),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Operations, m.OperationDuration, m.Errors, m.QueryResults, m.IDsAllocated, m.Transactions, m.Actions} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// observe records one operation; use as defer m.observe("put", time.Now(), &err).
func (m *Metrics) observe(op string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errp != nil && *errp != nil {
		m.Errors.WithLabelValues(op, errorClass(*errp)).Inc()
	}
}

func (m *Metrics) queryResults(n int) {
	if m == nil {
		return
	}
	m.QueryResults.Observe(float64(n))
}

func (m *Metrics) idsAllocated(kind string, n uint64) {
	if m == nil {
		return
	}
	m.IDsAllocated.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) txnEvent(event string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(event).Inc()
}

func (m *Metrics) actionEvent(outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(outcome).Inc()
}

// errorClass maps an error onto a low-cardinality label.
func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrMalformedKey):
		return "malformed_key"
	case errors.Is(err, ErrMissingIndex):
		return "missing_index"
	case errors.Is(err, ErrQueryTooComplex):
		return "query_too_complex"
	case errors.Is(err, ErrUnorderableProperty):
		return "unorderable_property"
	case errors.Is(err, ErrTransactionConflict):
		return "transaction_conflict"
	case errors.Is(err, ErrTransactionNotActive):
		return "transaction_not_active"
	case errors.Is(err, ErrTooManyActions):
		return "too_many_actions"
	case errors.Is(err, ErrAllocatorUnavailable):
		return "allocator_unavailable"
	case errors.Is(err, ErrIndexExists):
		return "index_exists"
	case errors.Is(err, ErrIndexNotFound):
		return "index_not_found"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}
