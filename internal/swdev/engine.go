// Package swdev implements the software device: a raw IPv4/UDP packet
// engine that stands in for a hardware NIC, transmitting and receiving
// RDMA-over-UDP frames directly, and auto-acknowledging control
// descriptors locally since there is no real device memory to program.
package swdev

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/myrfy001/open-rdma-driver/internal/bufpool"
	"github.com/myrfy001/open-rdma-driver/internal/ctrldesc"
	"github.com/myrfy001/open-rdma-driver/internal/proto"
	"github.com/myrfy001/open-rdma-driver/internal/ring"
)

// Config configures an Engine.
type Config struct {
	SrcIP       [4]byte
	CtrlDepth   int
	WorkDepth   int
	RecvPoll    time.Duration
	CPUAffinity []int // OS thread CPUs the receive goroutine is pinned to, if non-empty
}

// icrcValidator is the receive-side ICRC check the engine runs, held as a
// function value so tests can swap in a fake without depending on the
// concrete wire codec.
type icrcValidator func(frame []byte) bool

// Engine is a ring.Adaptor backed by a raw socket: the control rings are
// served in-process (there is no device-side state to mutate in software
// mode, so every control request succeeds), and the work rings carry real
// wire bytes sent and received over IPPROTO_UDP with IP_HDRINCL.
type Engine struct {
	fd int

	toCardCtrl *ring.Ring
	toHostCtrl *ring.Ring
	toHostWork *ring.Ring

	ipid idCounter

	validate icrcValidator

	stop     chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
	affinity []int
	recvPoll time.Duration
}

// idCounter is the per-sender IPv4 Identification counter: seeded
// randomly at construction, incremented per packet, wraparound allowed.
type idCounter struct {
	mu sync.Mutex
	v  uint32
}

func (a *idCounter) next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v++
	return uint16(a.v)
}

// New opens a raw IPPROTO_UDP socket with IP_HDRINCL, starts the control
// auto-acknowledger and the receive goroutine, and returns an Engine ready
// to be used as a ring.Adaptor.
func New(cfg Config) (*Engine, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("swdev: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("swdev: setsockopt IP_HDRINCL: %w", err)
	}
	poll := cfg.RecvPoll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	tv := unix.NsecToTimeval(poll.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("swdev: setsockopt SO_RCVTIMEO: %w", err)
	}

	ctrlDepth, workDepth := cfg.CtrlDepth, cfg.WorkDepth
	if ctrlDepth <= 0 {
		ctrlDepth = 64
	}
	if workDepth <= 0 {
		workDepth = 1024
	}

	e := &Engine{
		fd:         fd,
		toCardCtrl: ring.NewRing(ctrlDepth),
		toHostCtrl: ring.NewRing(ctrlDepth),
		toHostWork: ring.NewRing(workDepth),
		validate:   proto.ValidateICRC,
		stop:       make(chan struct{}),
		affinity:   cfg.CPUAffinity,
		recvPoll:   poll,
	}
	e.ipid.v = rand.Uint32()

	e.wg.Add(2)
	go e.ctrlLoop()
	go e.recvLoop()
	return e, nil
}

// ctrlLoop drains submitted control descriptors and echoes each back as a
// success response: a software device has no device-side page table or MR
// table of its own to validate against, so every control op it is asked
// to perform is accepted.
func (e *Engine) ctrlLoop() {
	defer e.wg.Done()
	for {
		desc, err := e.toCardCtrl.Pop()
		if err != nil {
			return // ring closed
		}
		resp := append([]byte(nil), desc...)
		_ = ctrldesc.SetSuccess(resp, true)
		if err := e.toHostCtrl.TryPush(resp); err != nil {
			// host isn't draining responses fast enough; drop, matching
			// ring overflow handling on the work path.
			continue
		}
	}
}

// recvLoop reads raw IP datagrams addressed to the RDMA UDP port, drops
// anything too short or with a bad ICRC, and otherwise hands the frame
// (IP header through the trailing ICRC, untouched) to the ToHostWork ring
// for the driver core to parse and dispatch.
func (e *Engine) recvLoop() {
	defer e.wg.Done()
	if len(e.affinity) > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var mask unix.CPUSet
		mask.Zero()
		for _, cpu := range e.affinity {
			mask.Set(cpu)
		}
		_ = unix.SchedSetaffinity(0, &mask)
	}

	buf := make([]byte, 65536)
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		n, _, err := unix.Recvfrom(e.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			return
		}
		frame := buf[:n]
		if len(frame) < proto.IPUDPHeadersSize+proto.BTHSize+4 {
			continue
		}
		udpHdr := frame[proto.IPv4HeaderSize : proto.IPv4HeaderSize+proto.UDPHeaderSize]
		dstPort := binary.BigEndian.Uint16(udpHdr[2:4])
		if dstPort != RdmaUDPPort {
			continue
		}
		if !e.validate(frame) {
			continue
		}
		cp := bufpool.Get(uint32(len(frame)))
		copy(cp, frame)
		if err := e.toHostWork.TryPush(cp); err != nil {
			bufpool.Put(cp)
		}
	}
}

// RdmaUDPPort is duplicated from the root package's constant to avoid an
// import cycle (the root package imports swdev, not the reverse).
const RdmaUDPPort = 4791

// PushToCardCtrl submits a control descriptor for local auto-acking.
func (e *Engine) PushToCardCtrl(desc []byte) error { return e.toCardCtrl.Push(desc) }

// PopToHostCtrl returns the next auto-acked control response.
func (e *Engine) PopToHostCtrl() ([]byte, error) { return e.toHostCtrl.Pop() }

// PushToCardWork transmits desc, a fully-built wire frame (IP header
// through the ICRC trailer), to the destination address carried in its IP
// header.
func (e *Engine) PushToCardWork(desc []byte) error {
	if len(desc) < proto.IPUDPHeadersSize+proto.BTHSize+proto.IcrcSizeLocal {
		return fmt.Errorf("swdev: PushToCardWork: frame shorter than IP/UDP/BTH headers plus ICRC")
	}
	var dst [4]byte
	copy(dst[:], desc[16:20])
	sa := &unix.SockaddrInet4{Addr: dst}
	if err := proto.StampIPIdentification(desc, e.ipid.next()); err != nil {
		return err
	}
	// The Identification field is covered by the ICRC, so the trailer is
	// recomputed after stamping it.
	icrcOff := len(desc) - proto.IcrcSizeLocal
	binary.BigEndian.PutUint32(desc[icrcOff:], proto.ComputeICRC(desc[:icrcOff]))
	return unix.Sendto(e.fd, desc, 0, sa)
}

// PopToHostWork returns the next validated received frame.
func (e *Engine) PopToHostWork() ([]byte, error) { return e.toHostWork.Pop() }

// GetPhysAddr is the identity mapping: software mode has no DMA-visible
// physical address space distinct from process virtual memory.
func (e *Engine) GetPhysAddr(va uint64) (uint64, error) { return va, nil }

// WriteDoorbell is a no-op: there is no device-side ring cursor to poke.
func (e *Engine) WriteDoorbell(uint32, uint32) {}

// Close stops the receive goroutine, closes the socket, and closes the
// internal rings.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	close(e.stop)
	_ = unix.Close(e.fd)
	e.toCardCtrl.Close()
	e.toHostCtrl.Close()
	e.toHostWork.Close()
	e.wg.Wait()
	return nil
}

var _ ring.Adaptor = (*Engine)(nil)
