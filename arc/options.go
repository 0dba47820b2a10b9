package arc

// Options configures a Cache. The zero value is safe; New applies the
// defaults noted below.
type Options struct {
	// Metrics receives Hit/Miss/GhostHit/Evict/Balance signals.
	// nil => NoopMetrics.
	Metrics Metrics
}

func (o Options) withDefaults() Options {
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	return o
}
