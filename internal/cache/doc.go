// Package cache wraps a Redis client for cross-instance state: general
// key/value caching plus the sliding-window counters ratelimit.Limiter
// consults when DistributedStore is wired, so a rate limit rule holds
// across multiple gateway processes sharing one client population.
package cache
