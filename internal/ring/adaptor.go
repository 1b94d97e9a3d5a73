// Package ring implements the Adaptor plug-in boundary between the driver
// core and a transport: the four doorbell-driven descriptor rings
// (ToCardCtrl, ToHostCtrl, ToCardWork, ToHostWork) and physical-address
// translation. This package provides the Emulated implementation, which
// exchanges descriptors with a peer process over the network; the
// raw-socket software device lives in internal/swdev, and the root
// package's MockAdaptor serves tests.
package ring

import "errors"

// MaxDescSize is the initial size of the Emulated adaptor's frame buffer,
// large enough for every control descriptor. Work-ring entries are whole
// wire frames and may be larger; Emulated grows its buffer for them. The
// core treats descriptors as opaque byte strings; only the caller (the
// root package) knows how to decode them.
const MaxDescSize = 256

// ErrRingFull is returned by a non-blocking push against a full ring.
var ErrRingFull = errors.New("ring: full")

// ErrRingClosed is returned by any operation against a ring or adaptor
// that has been closed.
var ErrRingClosed = errors.New("ring: closed")

// ErrOutOfHeap is returned by Emulated.GetPhysAddr when asked to translate
// a virtual address outside the DMA-visible heap it was configured with.
var ErrOutOfHeap = errors.New("ring: address outside DMA heap")

// Adaptor is the plug-in boundary between the core and a hardware,
// emulated, or software transport. The core relies on nothing beyond
// these six operations plus Close.
type Adaptor interface {
	PushToCardCtrl(desc []byte) error
	PopToHostCtrl() ([]byte, error)
	PushToCardWork(desc []byte) error
	PopToHostWork() ([]byte, error)

	GetPhysAddr(va uint64) (uint64, error)
	WriteDoorbell(offset uint32, value uint32)

	Close() error
}
