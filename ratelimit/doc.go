// Package ratelimit caps how fast relay connections may send awareness
// frames.
//
// Every key (one per connection) owns a token bucket. New keys start full
// with the default capacity; a frame takes one token and tokens refill at
// capacity/window.
//
//	limiter, _ := ratelimit.NewMemoryLimiter(ratelimit.Config{
//	    Capacity: 60,
//	    Window:   time.Second,
//	})
//
//	if !limiter.Allow(connID) {
//	    // drop the frame
//	}
//	defer limiter.Forget(connID)
//
// A zero capacity disables limiting: Allow always reports true.
package ratelimit
