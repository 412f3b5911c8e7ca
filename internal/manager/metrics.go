package manager

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the manager's Prometheus collectors.
type Metrics struct {
	downloads    *prometheus.CounterVec
	loads        *prometheus.CounterVec
	loadSeconds  *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	generations  *prometheus.CounterVec
	aborts       *prometheus.CounterVec
	tooBusy      prometheus.Counter
	inflight     prometheus.Gauge
	modelsLoaded prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderd",
			Name:      "downloads_total",
			Help:      "Model downloads by result",
		}, []string{"model", "result"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderd",
			Name:      "model_loads_total",
			Help:      "Model loads by result",
		}, []string{"model", "result"}),
		loadSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coderd",
			Name:      "model_load_seconds",
			Help:      "Time to load a model into memory",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderd",
			Name:      "generated_tokens_total",
			Help:      "Tokens produced by generation sessions",
		}, []string{"model"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderd",
			Name:      "generations_total",
			Help:      "Finished generation sessions by finish reason",
		}, []string{"model", "finish_reason"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderd",
			Name:      "generation_aborts_total",
			Help:      "Sessions stopped because the consumer went away",
		}, []string{"model"}),
		tooBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderd",
			Name:      "too_busy_total",
			Help:      "Requests rejected for lack of worker capacity",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderd",
			Name:      "inflight_sessions",
			Help:      "Generation sessions holding a worker",
		}),
		modelsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderd",
			Name:      "models_loaded",
			Help:      "Models resident in memory",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.downloads, m.loads, m.loadSeconds, m.tokens, m.generations, m.aborts, m.tooBusy, m.inflight, m.modelsLoaded)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
