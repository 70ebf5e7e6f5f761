package sharedsession

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sharedsession"

// Metrics counts session store activity. A nil *Metrics records nothing.
type Metrics struct {
	reads     *prometheus.CounterVec
	writes    *prometheus.CounterVec
	destroys  prometheus.Counter
	collected prometheus.Counter
}

// NewMetrics creates the session counters and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reads_total",
			Help:      "Session reads by result (hit, miss, no_cookie, error).",
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "writes_total",
			Help:      "Session writes by result (written, unchanged, created, error).",
		}, []string{"result"}),
		destroys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "destroys_total",
			Help:      "Sessions destroyed explicitly.",
		}),
		collected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gc_deleted_total",
			Help:      "Session records deleted by garbage collection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reads, m.writes, m.destroys, m.collected)
	}
	return m
}

func (m *Metrics) read(result string) {
	if m != nil {
		m.reads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) write(result string) {
	if m != nil {
		m.writes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) destroy() {
	if m != nil {
		m.destroys.Inc()
	}
}

func (m *Metrics) gc(n int64) {
	if m != nil && n > 0 {
		m.collected.Add(float64(n))
	}
}
