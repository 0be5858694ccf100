package domain

import (
	"math"
	"math/rand"
	"time"
)

// ComputeBackoff returns the delay before a step that just failed
// retryably becomes viable again. Default is exponential with jitter;
// a worker-requested override (backoff_request_seconds) takes precedence,
// still subject to the curve's cap.
func ComputeBackoff(curve RetryCurve, attempts int, requestedSeconds *int) time.Duration {
	maxB := time.Duration(curve.MaxSeconds) * time.Second
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if requestedSeconds != nil {
		d := time.Duration(*requestedSeconds) * time.Second
		if d > maxB {
			d = maxB
		}
		if d < 0 {
			d = 0
		}
		return d
	}

	baseB := time.Duration(curve.BaseSeconds) * time.Second
	if baseB <= 0 {
		baseB = 1 * time.Second
	}
	jitter := curve.JitterFrac
	if jitter <= 0 {
		jitter = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}

	d := time.Duration(float64(baseB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}

	delta := float64(d) * jitter
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
