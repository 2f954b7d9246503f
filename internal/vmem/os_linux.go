package vmem

import "golang.org/x/sys/unix"

// MAP_NORESERVE keeps the kernel from charging swap for the reservation;
// only committed-and-touched pages consume memory.
const reserveFlags = unix.MAP_ANON | unix.MAP_PRIVATE | unix.MAP_NORESERVE

const decommitAdvice = unix.MADV_DONTNEED
