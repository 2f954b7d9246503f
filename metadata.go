package memsan

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Chunk lifecycle states stored in the metadata state word.
const (
	chunkFree uint32 = iota
	chunkAllocated
	chunkQuarantined
)

// chunkMeta views the 32 bytes of out-of-band metadata both allocators
// reserve per chunk:
//
//	[0:8]   requested size
//	[8:12]  allocation stack id
//	[12:16] free stack id
//	[16:20] allocating goroutine (truncated to 32 bits)
//	[20:24] freeing goroutine (truncated to 32 bits)
//	[24:28] user offset from block begin
//	[28:32] state word, accessed atomically
//
// Both allocators hand out 4-byte-aligned metadata, so the atomic state
// word at offset 28 is safe on every platform.
type chunkMeta []byte

func (m chunkMeta) requestedSize() uintptr {
	return uintptr(binary.LittleEndian.Uint64(m[0:8]))
}

func (m chunkMeta) setRequestedSize(n uintptr) {
	binary.LittleEndian.PutUint64(m[0:8], uint64(n))
}

func (m chunkMeta) allocStack() uint32 {
	return binary.LittleEndian.Uint32(m[8:12])
}

func (m chunkMeta) setAllocStack(id uint32) {
	binary.LittleEndian.PutUint32(m[8:12], id)
}

func (m chunkMeta) freeStack() uint32 {
	return binary.LittleEndian.Uint32(m[12:16])
}

func (m chunkMeta) setFreeStack(id uint32) {
	binary.LittleEndian.PutUint32(m[12:16], id)
}

func (m chunkMeta) allocGoroutine() int64 {
	return int64(binary.LittleEndian.Uint32(m[16:20]))
}

func (m chunkMeta) setAllocGoroutine(gid int64) {
	binary.LittleEndian.PutUint32(m[16:20], uint32(gid))
}

func (m chunkMeta) freeGoroutine() int64 {
	return int64(binary.LittleEndian.Uint32(m[20:24]))
}

func (m chunkMeta) setFreeGoroutine(gid int64) {
	binary.LittleEndian.PutUint32(m[20:24], uint32(gid))
}

func (m chunkMeta) userOff() uintptr {
	return uintptr(binary.LittleEndian.Uint32(m[24:28]))
}

func (m chunkMeta) setUserOff(off uintptr) {
	binary.LittleEndian.PutUint32(m[24:28], uint32(off))
}

func (m chunkMeta) statePtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&m[28]))
}

func (m chunkMeta) state() uint32 {
	return atomic.LoadUint32(m.statePtr())
}

func (m chunkMeta) setState(s uint32) {
	atomic.StoreUint32(m.statePtr(), s)
}

// casState flips the state word and reports whether the caller won. Free
// uses it to catch double frees racing each other.
func (m chunkMeta) casState(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(m.statePtr(), old, new)
}
