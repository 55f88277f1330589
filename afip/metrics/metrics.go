// Package metrics exposes Prometheus instrumentation for ticket renewals and
// invoice authorizations. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "afip"

type Collector struct {
	logins         *prometheus.CounterVec
	renewals       *prometheus.CounterVec
	cache          *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	calls          *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login calls to the authentication service by outcome.",
		}, []string{"environment", "outcome"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_renewals_total",
			Help:      "Ticket renewals by outcome.",
		}, []string{"outcome"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_cache_lookups_total",
			Help:      "Ticket lookups by cache layer and result.",
		}, []string{"layer", "result"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_authorizations_total",
			Help:      "Invoice authorization requests by verdict.",
		}, []string{"verdict"}),
		calls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "soap_call_duration_seconds",
			Help:      "Duration of SOAP calls to the authority.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
	}

	for _, col := range []prometheus.Collector{c.logins, c.renewals, c.cache, c.authorizations, c.calls} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
	}
	return c, nil
}

func (c *Collector) Login(env, outcome string) {
	if c == nil {
		return
	}
	c.logins.WithLabelValues(env, outcome).Inc()
}

func (c *Collector) Renewal(outcome string) {
	if c == nil {
		return
	}
	c.renewals.WithLabelValues(outcome).Inc()
}

func (c *Collector) CacheLookup(layer string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cache.WithLabelValues(layer, result).Inc()
}

func (c *Collector) Authorization(verdict string) {
	if c == nil {
		return
	}
	c.authorizations.WithLabelValues(verdict).Inc()
}

func (c *Collector) ObserveCall(operation string, d time.Duration) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(operation).Observe(d.Seconds())
}
