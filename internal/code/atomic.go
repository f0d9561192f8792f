package code

import (
	"sync/atomic"
	"unsafe"
)

// AtomicStoreUint64 writes v to a naturally aligned live code address in one
// atomic store. Backends that patch by rewriting an embedded literal use
// this so concurrent executors observe either the old or the new word.
func AtomicStoreUint64(addr uintptr, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), v)
}

// AtomicLoadUint64 reads a naturally aligned live code word.
func AtomicLoadUint64(addr uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}
