package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ingestion and import counters.
type Metrics struct {
	IngestAcceptedTotal *prometheus.CounterVec
	IngestDroppedTotal  *prometheus.CounterVec
	PropagationsTotal   *prometheus.CounterVec
	ImportRowsTotal     *prometheus.CounterVec
	ImportFailuresTotal prometheus.Counter
}

// NewMetrics registers all counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestAcceptedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pepeunit_ingest_accepted_total",
			Help: "Values accepted by the ingestion pipeline",
		}, []string{"policy"}),
		IngestDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pepeunit_ingest_dropped_total",
			Help: "MQTT-origin values dropped by the ingestion pipeline",
		}, []string{"reason"}),
		PropagationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pepeunit_propagations_total",
			Help: "Values relayed along unit node edges",
		}, []string{"status"}),
		ImportRowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pepeunit_import_rows_total",
			Help: "CSV rows persisted by data import",
		}, []string{"policy"}),
		ImportFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pepeunit_import_failures_total",
			Help: "CSV imports rejected by validation",
		}),
	}
}

func (m *Metrics) Accepted(policy string) {
	if m != nil {
		m.IngestAcceptedTotal.WithLabelValues(policy).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.IngestDroppedTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Propagated(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.PropagationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Imported(policy string, rows int) {
	if m != nil {
		m.ImportRowsTotal.WithLabelValues(policy).Add(float64(rows))
	}
}

func (m *Metrics) ImportFailed() {
	if m != nil {
		m.ImportFailuresTotal.Inc()
	}
}
