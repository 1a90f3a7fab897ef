package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Hopper metrics instruments.
type Metrics struct {
	RequestDuration       metric.Float64Histogram
	RoutingDuration       metric.Float64Histogram
	RoutingDecisions      metric.Int64Counter
	RoutingTimeouts       metric.Int64Counter
	DelegationTransitions metric.Int64Counter
	ConsolidationRuns     metric.Int64Counter
	PatternsCreated       metric.Int64Counter
	CacheHits             metric.Int64Counter
	CacheMisses           metric.Int64Counter
	RateLimitRejects      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("hopper.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingDuration, err = meter.Float64Histogram("hopper.routing.duration",
		metric.WithDescription("Routing resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingDecisions, err = meter.Int64Counter("hopper.routing.decisions",
		metric.WithDescription("Routing decisions by strategy"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingTimeouts, err = meter.Int64Counter("hopper.routing.timeouts",
		metric.WithDescription("Routing budget expiries"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationTransitions, err = meter.Int64Counter("hopper.delegation.transitions",
		metric.WithDescription("Delegation status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.ConsolidationRuns, err = meter.Int64Counter("hopper.consolidation.runs",
		metric.WithDescription("Pattern consolidation runs"),
	)
	if err != nil {
		return nil, err
	}

	m.PatternsCreated, err = meter.Int64Counter("hopper.patterns.created",
		metric.WithDescription("Patterns created by consolidation"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("hopper.memory.hits",
		metric.WithDescription("Working memory cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("hopper.memory.misses",
		metric.WithDescription("Working memory cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("hopper.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
