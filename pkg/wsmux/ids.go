package wsmux

import "sync/atomic"

var socketIDCounter int64

// nextSocketID returns the next process-unique Connection id.
func nextSocketID() int64 {
	return atomic.AddInt64(&socketIDCounter, 1)
}
