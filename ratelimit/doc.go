// Package ratelimit implements the fixed-window counters that bound
// submission and dispatch throughput.
//
// A window for a key opens on its first hit and admits Limit events until
// it expires; the next hit after expiry opens a fresh window. Bursts of up
// to 2*Limit across a window boundary are possible and accepted.
//
// Two backends share the [Limiter] interface: [FixedWindow] keeps counters
// in process memory, [RedisFixedWindow] keeps them in Redis so every
// instance shares one budget.
//
// Submission uses a Limiter directly and rejects when Allow says no.
// Dispatch wraps one in a [Throttle], which waits for the window to reset
// instead of rejecting:
//
//	t := ratelimit.NewThrottle(ratelimit.NewFixedWindow(10, time.Minute), "provider:webhook")
//	if err := t.Wait(ctx); err != nil { ... }
package ratelimit
