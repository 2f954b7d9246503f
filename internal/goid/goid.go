// Package goid extracts the runtime id of the calling goroutine.
//
// The runtime does not expose goroutine ids on purpose, so the id is parsed
// from the header line of a runtime.Stack dump ("goroutine 123 [running]:").
// That costs about a microsecond, which is fine on allocation, free and
// report paths; per-access check paths never call it.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// Current returns the id of the calling goroutine.
func Current() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], prefix)
	if i := bytes.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	id, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		panic("goid: cannot parse goroutine id from stack header")
	}
	return id
}
