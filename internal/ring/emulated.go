package ring

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// ring identifiers used in the emulated transport's frame header.
const (
	ringCtrlToCard byte = iota
	ringCtrlToHost
	ringWorkToCard
	ringWorkToHost
)

// Emulated is the Adaptor for a mock hardware card reachable over a TCP
// connection: a stand-in for a PCIe-attached device that happens to speak
// its doorbell protocol across a socket instead of MMIO. Every push is
// framed as [ring-id(1) | length(4, big-endian) | payload] and written to
// the connection; a background goroutine demultiplexes inbound frames into
// per-ring buffers for Pop to read from.
type Emulated struct {
	conn     net.Conn
	heapBase uint64

	mu      sync.Mutex
	wbuf    []byte

	toHostCtrl *Ring
	toHostWork *Ring

	closeOnce sync.Once
	closed    chan struct{}
}

// DialEmulated connects to a mock server process at addr representing an
// emulated NIC, and begins demultiplexing its responses. heapBase is the
// base virtual address of the shared DMA-visible heap the caller carved
// its memory regions from; GetPhysAddr translates against it.
func DialEmulated(addr string, heapBase uint64, ctrlDepth, workDepth int) (*Emulated, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = setNoDelay(tc)
	}

	e := &Emulated{
		conn:       conn,
		heapBase:   heapBase,
		wbuf:       make([]byte, 5+MaxDescSize),
		toHostCtrl: NewRing(ctrlDepth),
		toHostWork: NewRing(workDepth),
		closed:     make(chan struct{}),
	}
	go e.demux()
	return e, nil
}

// setNoDelay disables Nagle's algorithm on the control connection via the
// raw socket option, the way a low-latency doorbell channel should be
// tuned, rather than trusting whatever default the platform ships.
func setNoDelay(tc *net.TCPConn) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (e *Emulated) writeFrame(ring byte, desc []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cap(e.wbuf) < 5+len(desc) {
		e.wbuf = make([]byte, 5+len(desc))
	}
	frame := e.wbuf[:5+len(desc)]
	frame[0] = ring
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(desc)))
	copy(frame[5:], desc)
	_, err := e.conn.Write(frame)
	return err
}

func (e *Emulated) PushToCardCtrl(desc []byte) error { return e.writeFrame(ringCtrlToCard, desc) }
func (e *Emulated) PushToCardWork(desc []byte) error { return e.writeFrame(ringWorkToCard, desc) }
func (e *Emulated) PopToHostCtrl() ([]byte, error)   { return e.toHostCtrl.Pop() }
func (e *Emulated) PopToHostWork() ([]byte, error)   { return e.toHostWork.Pop() }

// GetPhysAddr translates a virtual address within the shared DMA heap into
// the "physical" address space the mock card understands, by subtracting
// the heap's base address — the same translation the hugepage-backed
// shared-memory heap in the reference implementation performs.
func (e *Emulated) GetPhysAddr(va uint64) (uint64, error) {
	if va < e.heapBase {
		return 0, ErrOutOfHeap
	}
	return va - e.heapBase, nil
}

func (e *Emulated) WriteDoorbell(offset uint32, value uint32) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], offset)
	binary.BigEndian.PutUint32(buf[4:8], value)
	_ = e.writeFrame(ringDoorbell, buf)
}

func (e *Emulated) demux() {
	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(e.conn, header); err != nil {
			e.toHostCtrl.Close()
			e.toHostWork.Close()
			return
		}
		ringID := header[0]
		length := binary.BigEndian.Uint32(header[1:5])
		payload := make([]byte, length)
		if _, err := io.ReadFull(e.conn, payload); err != nil {
			e.toHostCtrl.Close()
			e.toHostWork.Close()
			return
		}

		switch ringID {
		case ringCtrlToHost:
			_ = e.toHostCtrl.Push(payload)
		case ringWorkToHost:
			_ = e.toHostWork.Push(payload)
		}
	}
}

func (e *Emulated) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
		e.toHostCtrl.Close()
		e.toHostWork.Close()
	})
	return err
}

// ringDoorbell is a pseudo ring id used only for WriteDoorbell frames; the
// mock server interprets it as an out-of-band signal, not a descriptor.
const ringDoorbell byte = 0xFE

var _ Adaptor = (*Emulated)(nil)
