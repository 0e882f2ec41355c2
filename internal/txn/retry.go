package txn

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// maxNonAtomicRetries bounds per-key optimistic-concurrency retries on
	// the non-atomic commit path (spec §4.4's "bounded retry").
	maxNonAtomicRetries = 5
	// maxAtomicRetries bounds whole-batch retries on the atomic commit path.
	maxAtomicRetries = 8
	// retryDelay is the fixed pause between attempts. Kept small: this
	// package never expects real network latency in its own tests, and a
	// production driver's own client is responsible for any transport-level
	// backoff.
	retryDelay = 2 * time.Millisecond
)

func boundedBackoff(max uint64) retry.Backoff {
	// retryDelay is a fixed positive constant, so NewConstant (which panics
	// on a non-positive duration) never panics here.
	return retry.WithMaxRetries(max, retry.NewConstant(retryDelay))
}
