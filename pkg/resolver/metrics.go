package resolver

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the resolver's counters. Pass a nil Registerer to keep
// them unregistered (tests).
type Metrics struct {
	Queries        prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	Malformed      prometheus.Counter
	UpstreamErrors prometheus.Counter
	Fallbacks      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return &Metrics{
		Queries:        newCounter("query_total", "Inbound queries received."),
		CacheHits:      newCounter("cache_hit_total", "Queries answered from the cache."),
		CacheMisses:    newCounter("cache_miss_total", "Queries forwarded upstream."),
		Malformed:      newCounter("query_malformed_total", "Inbound queries dropped as unparseable."),
		UpstreamErrors: newCounter("upstream_error_total", "Upstream exchanges that timed out or failed."),
		Fallbacks:      newCounter("fallback_total", "Responses synthesized from the fallback address."),
	}
}
