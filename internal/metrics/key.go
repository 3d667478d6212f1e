// Package metrics implements the in-memory metric aggregation store: the
// aggregation identity (Key), per-key counters, and a sharded
// increment-and-drain aggregator sized for arbitrary concurrent callers.
package metrics

import (
	"fmt"
	"time"
)

// Key is the immutable aggregation identity for one metric series.
// Equality and hashing are purely structural; two keys built from the
// same values are the same series.
//
// Target is the empty string when the category has no target. Empty
// string is the single canonical "absent" representation — keys are
// compared and persisted before any nil/empty distinction could be
// reconstructed, so nil is never used.
type Key struct {
	Bucket    time.Time // truncated to the UTC minute
	Namespace string
	Service   string
	Target    string
	Operation string
}

// NewKey builds a Key, truncating ts to the UTC minute bucket.
func NewKey(ts time.Time, namespace, service, target, operation string) Key {
	return Key{
		Bucket:    BucketOf(ts),
		Namespace: namespace,
		Service:   service,
		Target:    target,
		Operation: operation,
	}
}

// BucketOf truncates a timestamp to the UTC minute.
func BucketOf(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Minute)
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s@%s",
		k.Namespace, k.Service, k.Target, k.Operation,
		k.Bucket.Format(time.RFC3339))
}
