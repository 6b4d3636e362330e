package config

import "time"

// TopK resolves a requested top_k. Nil means the default.
func (r *RunConfig) TopK(requested *int) int {
	if requested == nil {
		return r.DefaultTopK
	}
	return min(max(*requested, 1), r.MaxTopK)
}

// Concurrency resolves a requested concurrency. Nil means the default.
func (r *RunConfig) Concurrency(requested *int) int {
	if requested == nil {
		return r.DefaultConcurrency
	}
	return min(max(*requested, 1), r.MaxConcurrency)
}

// Timeout resolves a requested per-fetch timeout in milliseconds. Nil means the
// default.
func (r *RunConfig) Timeout(requestedMs *int) time.Duration {
	if requestedMs == nil {
		return r.DefaultTimeout
	}
	return min(max(time.Duration(*requestedMs)*time.Millisecond, r.MinTimeout), r.MaxTimeout)
}
