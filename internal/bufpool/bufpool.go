// Package bufpool provides pooled byte slices for the receive hot path,
// where every inbound packet would otherwise cost one allocation before the
// driver core ever gets to look at it.
package bufpool

import "sync"

// Bucket sizes span the RDMA frame sizes the driver core builds and
// receives: IP/UDP/BTH/RETH headers plus a PMTU-sized payload and trailing
// ICRC, for every PmtuMtu* value up to 4096, with one oversized bucket for
// anything larger that still arrives off the wire.
const (
	size512 = 512
	size1k  = 1024
	size2k  = 2048
	size4k  = 4096
	size8k  = 8192
)

var pools = struct {
	p512, p1k, p2k, p4k, p8k sync.Pool
}{
	p512: sync.Pool{New: func() any { b := make([]byte, size512); return &b }},
	p1k:  sync.Pool{New: func() any { b := make([]byte, size1k); return &b }},
	p2k:  sync.Pool{New: func() any { b := make([]byte, size2k); return &b }},
	p4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	p8k:  sync.Pool{New: func() any { b := make([]byte, size8k); return &b }},
}

// Get returns a pooled buffer of at least size bytes, truncated to exactly
// size. Put it back with Put once the caller is done with it.
func Get(size uint32) []byte {
	switch {
	case size <= size512:
		return (*pools.p512.Get().(*[]byte))[:size]
	case size <= size1k:
		return (*pools.p1k.Get().(*[]byte))[:size]
	case size <= size2k:
		return (*pools.p2k.Get().(*[]byte))[:size]
	case size <= size4k:
		return (*pools.p4k.Get().(*[]byte))[:size]
	case size <= size8k:
		return (*pools.p8k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns buf to the pool matching its capacity. A buffer whose
// capacity doesn't match one of the bucket sizes (because it came from
// make, not Get) is simply dropped.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size512:
		pools.p512.Put(&buf)
	case size1k:
		pools.p1k.Put(&buf)
	case size2k:
		pools.p2k.Put(&buf)
	case size4k:
		pools.p4k.Put(&buf)
	case size8k:
		pools.p8k.Put(&buf)
	}
}
