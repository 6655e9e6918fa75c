// Package obs is the uniform emission surface for metrics, spans, and
// structured logs. Every emission carries the tenant, principal, correlation
// ID, and operation name of the request it belongs to. The facade never
// returns errors and never blocks the caller: a metric that cannot be
// registered is logged once and then silently dropped.
package obs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roasbeef/loom/internal/authctx"
)

// Attrs are the mandatory attributes of every emission. Tenant and Op feed
// metric labels; Principal and Correlation are log-and-span only, since
// their cardinality is unbounded.
type Attrs struct {
	Tenant      string
	Principal   string
	Correlation string
	Op          string
}

// FromContext derives the attributes from a request context.
func FromContext(rctx authctx.Context, op string) Attrs {
	return Attrs{
		Tenant:      rctx.TenantID,
		Principal:   rctx.PrincipalID,
		Correlation: rctx.CorrelationID,
		Op:          op,
	}
}

// metricLabels are the bounded-cardinality label names applied to every
// metric.
var metricLabels = []string{"tenant_id", "op"}

func (a Attrs) labels() prometheus.Labels {
	return prometheus.Labels{
		"tenant_id": a.Tenant,
		"op":        a.Op,
	}
}

// logAttrs flattens the attributes into structured-log key/value pairs.
func (a Attrs) logAttrs() []any {
	return []any{
		"tenant_id", a.Tenant,
		"principal_id", a.Principal,
		"correlation_id", a.Correlation,
		"op", a.Op,
	}
}

// Observer is the facade instance. One per process, shared by all
// subsystems.
type Observer struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	failed     map[string]struct{}
}

// New builds an observer registering its metrics on reg. A nil reg gets a
// private registry, which effectively makes the observer a sink.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Observer{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		failed:     make(map[string]struct{}),
	}
}

// Counter adds delta to the named monotonic counter.
func (o *Observer) Counter(name string, attrs Attrs, delta float64) {
	if c := o.counter(name); c != nil {
		c.With(attrs.labels()).Add(delta)
	}
}

// UpDown adds delta (either sign) to the named gauge.
func (o *Observer) UpDown(name string, attrs Attrs, delta float64) {
	if g := o.gauge(name); g != nil {
		g.With(attrs.labels()).Add(delta)
	}
}

// Histogram records one observation of the named distribution.
func (o *Observer) Histogram(name string, attrs Attrs, value float64) {
	if h := o.histogram(name); h != nil {
		h.With(attrs.labels()).Observe(value)
	}
}

// Span marks the start of a traced operation. The returned func ends the
// span: it records the duration into "<name>_seconds" and writes one
// structured log line carrying the outcome.
func (o *Observer) Span(ctx context.Context, name string,
	attrs Attrs) func(err error) {

	start := time.Now()
	log.TraceS(ctx, "Span started",
		append([]any{"span", name}, attrs.logAttrs()...)...)

	return func(err error) {
		elapsed := time.Since(start)
		o.Histogram(name+"_seconds", attrs, elapsed.Seconds())

		kv := append([]any{
			"span", name,
			"elapsed_ms", elapsed.Milliseconds(),
		}, attrs.logAttrs()...)

		if err != nil {
			log.DebugS(ctx, "Span failed",
				append(kv, "err", err)...)
			return
		}
		log.TraceS(ctx, "Span ended", kv...)
	}
}

// Log writes one structured info line stamped with the mandatory
// attributes.
func (o *Observer) Log(ctx context.Context, msg string, attrs Attrs,
	keyValues ...any) {

	log.InfoS(ctx, msg, append(attrs.logAttrs(), keyValues...)...)
}

func (o *Observer) counter(name string) *prometheus.CounterVec {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.counters[name]; ok {
		return c
	}
	if _, bad := o.failed[name]; bad {
		return nil
	}

	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
	}, metricLabels)
	if err := o.reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				o.counters[name] = existing
				return existing
			}
		}
		o.markFailed(name, err)

		return nil
	}
	o.counters[name] = c

	return c
}

func (o *Observer) gauge(name string) *prometheus.GaugeVec {
	o.mu.Lock()
	defer o.mu.Unlock()

	if g, ok := o.gauges[name]; ok {
		return g
	}
	if _, bad := o.failed[name]; bad {
		return nil
	}

	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
	}, metricLabels)
	if err := o.reg.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				o.gauges[name] = existing
				return existing
			}
		}
		o.markFailed(name, err)

		return nil
	}
	o.gauges[name] = g

	return g
}

func (o *Observer) histogram(name string) *prometheus.HistogramVec {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.histograms[name]; ok {
		return h
	}
	if _, bad := o.failed[name]; bad {
		return nil
	}

	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Buckets: prometheus.DefBuckets,
	}, metricLabels)
	if err := o.reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				o.histograms[name] = existing
				return existing
			}
		}
		o.markFailed(name, err)

		return nil
	}
	o.histograms[name] = h

	return h
}

// markFailed records a metric name that cannot be registered so the failure
// is logged once, not per emission.
func (o *Observer) markFailed(name string, err error) {
	o.failed[name] = struct{}{}
	log.WarnS(context.Background(), "Metric registration failed", err,
		"metric", name)
}
