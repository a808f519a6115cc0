package svc

import "fmt"

// assert panics when an internal contract this package is supposed to
// enforce upstream of the call (spec.md §5's caller-discipline guarantee)
// is violated anyway. It exists for the handful of cases the original
// mediasoup source protects with MS_ASSERT — e.g. calling a bitrate-mode
// entry point on a consumer that isn't externally managed. Go has no
// assertion macro, so this plays that role; every call site is reachable
// only through a path the caller is documented to never take.
func assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("svc: assertion failed: "+format, args...))
	}
}
