//go:build unix && !linux

package vmem

import "golang.org/x/sys/unix"

const reserveFlags = unix.MAP_ANON | unix.MAP_PRIVATE

// MADV_FREE is the closest analog of Linux's MADV_DONTNEED on the BSDs and
// Darwin: pages may be reclaimed lazily, but the range reads as garbage or
// zeroes afterwards, which is all Decommit promises.
const decommitAdvice = unix.MADV_FREE
