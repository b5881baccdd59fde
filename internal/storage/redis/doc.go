// Package redis offers the Redis-backed distributed lock used when several
// daemon instances share one task store. Steps of a task are serialised across
// instances through a lease that is renewed while the holder is alive.
package redis
