package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for controller operations.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomePrecondition = "precondition"
)

// Metrics holds the controller's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	inFlight    prometheus.Gauge
	uploadBytes prometheus.Counter
}

// NewMetrics creates the controller collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoicedesk_operations_total",
				Help: "Controller operations by name and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoicedesk_requests_in_flight",
			Help: "Requests to the analysis service currently in flight.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoicedesk_upload_bytes_total",
			Help: "Bytes of documents accepted by the analysis service.",
		}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.inFlight, m.uploadBytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) addUploadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytes.Add(float64(n))
}
