package router

import "errors"

// ErrRateLimited and ErrTransient are the sentinels a Provider implementation
// wraps its transport error with to signal which retry path the router
// should take (spec.md §4.2 error handling). An error that is neither is
// treated as a 4xx caller bug and fails fast.
var (
	ErrRateLimited = errors.New("router: provider signaled rate limit")
	ErrTransient   = errors.New("router: provider signaled transient failure")
)

func isRateLimitErr(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func isTransientErr(err error) bool {
	return errors.Is(err, ErrTransient)
}
