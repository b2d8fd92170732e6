package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus. Metrics
// are registered when the collector is created; collectors built on the same
// registry and namespace share the registered vectors.
type PrometheusCollector struct {
	namespace string

	responses     *prometheus.CounterVec
	targetChanges *prometheus.CounterVec
	events        *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	backoff       *prometheus.HistogramVec
	synchronized  *prometheus.GaugeVec
	documents     *prometheus.GaugeVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registering into reg
// (prometheus.DefaultRegisterer if nil) under namespace ("firesync" if empty).
// It fails only if reg holds a different metric under one of the names.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "firesync"
	}

	p := &PrometheusCollector{namespace: namespace}
	var err error

	if p.responses, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "responses_total",
		Help:      "Stream responses received by kind.",
	}, []string{"collection", "kind"})); err != nil {
		return nil, err
	}

	if p.targetChanges, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "target_changes_total",
		Help:      "Listen target changes received by change type.",
	}, []string{"collection", "change"})); err != nil {
		return nil, err
	}

	if p.events, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "events_total",
		Help:      "Events emitted to listeners by type.",
	}, []string{"collection", "event"})); err != nil {
		return nil, err
	}

	if p.restarts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "restarts_total",
		Help:      "Stream restarts by reason.",
	}, []string{"collection", "reason"})); err != nil {
		return nil, err
	}

	if p.backoff, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "backoff_seconds",
		Help:      "Backoff delays scheduled before stream starts.",
		Buckets:   []float64{0, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
	}, []string{"collection"})); err != nil {
		return nil, err
	}

	if p.synchronized, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "synchronized",
		Help:      "1 while the local view matches the last server checkpoint.",
	}, []string{"collection"})); err != nil {
		return nil, err
	}

	if p.documents, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "documents",
		Help:      "Documents currently emitted to listeners.",
	}, []string{"collection"})); err != nil {
		return nil, err
	}

	return p, nil
}

// register adds c to reg, or returns the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (p *PrometheusCollector) ObserveResponse(collection, kind string) {
	p.responses.WithLabelValues(collection, kind).Inc()
}

func (p *PrometheusCollector) ObserveTargetChange(collection, change string) {
	p.targetChanges.WithLabelValues(collection, change).Inc()
}

func (p *PrometheusCollector) ObserveEvent(collection, event string) {
	p.events.WithLabelValues(collection, event).Inc()
}

func (p *PrometheusCollector) ObserveRestart(collection, reason string) {
	p.restarts.WithLabelValues(collection, reason).Inc()
}

func (p *PrometheusCollector) ObserveBackoff(collection string, delay time.Duration) {
	p.backoff.WithLabelValues(collection).Observe(delay.Seconds())
}

func (p *PrometheusCollector) SetSynchronized(collection string, synchronized bool) {
	value := 0.0
	if synchronized {
		value = 1
	}
	p.synchronized.WithLabelValues(collection).Set(value)
}

func (p *PrometheusCollector) SetDocuments(collection string, count int) {
	p.documents.WithLabelValues(collection).Set(float64(count))
}
