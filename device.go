// Package rdma implements the core of a user-space RDMA device driver:
// protection domains, memory regions, queue pairs, and the Reliable
// Connection transport running RDMA Write and Read over UDP, against
// either an in-process software device or a TCP-connected hardware
// emulator.
package rdma

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/myrfy001/open-rdma-driver/internal/bufpool"
	"github.com/myrfy001/open-rdma-driver/internal/ctrldesc"
	"github.com/myrfy001/open-rdma-driver/internal/ctrlplane"
	"github.com/myrfy001/open-rdma-driver/internal/logging"
	"github.com/myrfy001/open-rdma-driver/internal/proto"
	"github.com/myrfy001/open-rdma-driver/internal/ring"
	"github.com/myrfy001/open-rdma-driver/internal/sched"
	"github.com/myrfy001/open-rdma-driver/internal/swdev"
)

// DeviceParams configures a Device, mirroring the teacher's
// DeviceParams/DefaultParams pair: a single struct of knobs with a
// constructor that fills in sane defaults, rather than functional
// options, since every field here is a plain value with an obvious
// zero-equivalent default.
type DeviceParams struct {
	Network NetworkParam

	CtrlRingDepth int
	WorkRingDepth int
	DefaultPmtu   Pmtu

	AckTimeout  time.Duration
	RecvPoll    time.Duration
	CPUAffinity []int

	Observer Observer
	Logger   *logging.Logger
}

// DefaultParams returns a DeviceParams with the package's default ring
// depths, PMTU, and timeouts, for network.
func DefaultParams(network NetworkParam) DeviceParams {
	return DeviceParams{
		Network:       network,
		CtrlRingDepth: DefaultCtrlRingDepth,
		WorkRingDepth: DefaultWorkRingDepth,
		DefaultPmtu:   DefaultPmtu,
		AckTimeout:    DefaultAckTimeout,
		RecvPoll:      DefaultRecvPoll,
		Observer:      NoOpObserver{},
		Logger:        logging.Default(),
	}
}

// Device is the verbs-level façade: allocate protection domains, register
// memory, create queue pairs, and issue Write/Read operations.
type Device struct {
	params  DeviceParams
	adaptor ring.Adaptor

	pd  *pdTable
	mr  *mrTable
	qp  *qpTable
	sch *sched.RoundRobin

	ctrlReg *ctrlplane.Registry

	pendingMu sync.Mutex
	pending   map[Qpn][]*pendingOp

	observer Observer
	logger   *logging.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// pendingOp is a Write or Read awaiting completion: the packets already
// sent, so a NAK or ack timeout can trigger retransmission without
// rebuilding headers.
type pendingOp struct {
	qpn      Qpn
	isRead   bool
	frames   [][]byte // indexed parallel to psns
	psns     []uint32
	lastPsn  uint32
	attempts int

	// read-only completion bookkeeping
	sinkVa    uint64
	sinkLen   uint32
	recvBytes uint32

	timer *time.Timer
	ctx   *OpCtx
}

// OpCtx is the handle a caller waits on for a Write or Read to complete.
type OpCtx struct {
	done chan error
	once sync.Once
}

func newOpCtx() *OpCtx {
	return &OpCtx{done: make(chan error, 1)}
}

func (o *OpCtx) complete(err error) {
	o.once.Do(func() { o.done <- err })
}

// Wait blocks until the operation completes, ctx expires, or the device
// tears the context down.
func (o *OpCtx) Wait(ctx context.Context) error {
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSoftware returns a Device backed by a raw-socket software device: no
// external process is required, but CAP_NET_RAW (or running as root) is.
func NewSoftware(params DeviceParams) (*Device, error) {
	eng, err := swdev.New(swdev.Config{
		SrcIP:       params.Network.IPAddr,
		CtrlDepth:   orDefault(params.CtrlRingDepth, DefaultCtrlRingDepth),
		WorkDepth:   orDefault(params.WorkRingDepth, DefaultWorkRingDepth),
		RecvPoll:    params.RecvPoll,
		CPUAffinity: params.CPUAffinity,
	})
	if err != nil {
		return nil, WrapError("NewSoftware", err)
	}
	return newDevice(params, eng)
}

// NewEmulated returns a Device backed by a TCP-connected mock device
// process, used to exercise the ring/doorbell protocol against hardware
// emulation harnesses without a real NIC.
func NewEmulated(mockAddr string, heapBase uint64, params DeviceParams) (*Device, error) {
	eng, err := ring.DialEmulated(mockAddr, heapBase,
		orDefault(params.CtrlRingDepth, DefaultCtrlRingDepth),
		orDefault(params.WorkRingDepth, DefaultWorkRingDepth))
	if err != nil {
		return nil, WrapError("NewEmulated", err)
	}
	return newDevice(params, eng)
}

// NewWithAdaptor builds a Device directly from a caller-supplied adaptor,
// the entry point tests use to plug in a MockAdaptor.
func NewWithAdaptor(params DeviceParams, adaptor ring.Adaptor) (*Device, error) {
	return newDevice(params, adaptor)
}

func newDevice(params DeviceParams, adaptor ring.Adaptor) (*Device, error) {
	if params.DefaultPmtu == 0 {
		params.DefaultPmtu = DefaultPmtu
	}
	if params.AckTimeout == 0 {
		params.AckTimeout = DefaultAckTimeout
	}
	if params.Observer == nil {
		params.Observer = NoOpObserver{}
	}
	if params.Logger == nil {
		params.Logger = logging.Default()
	}

	d := &Device{
		params:   params,
		adaptor:  adaptor,
		pd:       newPdTable(),
		mr:       newMrTable(),
		qp:       newQpTable(),
		sch:      sched.NewRoundRobin(),
		ctrlReg:  ctrlplane.NewRegistry(),
		pending:  make(map[Qpn][]*pendingOp),
		observer: params.Observer,
		logger:   params.Logger,
		stop:     make(chan struct{}),
	}

	d.wg.Add(3)
	go d.ctrlPoller()
	go d.workPoller()
	go d.schedDrain()

	return d, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Close tears down the Device: the adaptor is closed first so the blocked
// Pop calls in ctrlPoller/workPoller/schedDrain return and their goroutines
// exit, then outstanding operation contexts fail with SetCtxResultFailed.
func (d *Device) Close() error {
	close(d.stop)
	err := d.adaptor.Close()
	d.wg.Wait()

	d.ctrlReg.TeardownAll()

	d.pendingMu.Lock()
	for _, ops := range d.pending {
		for _, op := range ops {
			if op.timer != nil {
				op.timer.Stop()
			}
			op.ctx.complete(NewError("Close", ErrCodeSetCtxResultFailed, "device closed"))
		}
	}
	d.pending = nil
	d.pendingMu.Unlock()

	return err
}

// AllocPD reserves a fresh protection domain.
func (d *Device) AllocPD() (Pd, error) {
	return d.pd.alloc()
}

// DeallocPD releases pd.
func (d *Device) DeallocPD(pd Pd) error {
	d.pd.dealloc(pd)
	return nil
}

// submitCtrl pushes a control descriptor, waits on its operation context,
// and translates a device-reported failure into a structured Error.
func (d *Device) submitCtrl(op string, buf []byte, timeout time.Duration) error {
	opID, ctx := d.ctrlReg.Alloc()
	binary.BigEndian.PutUint32(buf[1:5], opID)

	if err := d.adaptor.PushToCardCtrl(buf); err != nil {
		d.ctrlReg.Remove(opID)
		return WrapError(op, err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := ctx.Wait(cctx)
	d.ctrlReg.Remove(opID)
	if err != nil {
		d.observer.ObserveCtrlError()
		return NewError(op, ErrCodeSetCtxResultFailed, err.Error())
	}
	if !ok {
		d.observer.ObserveCtrlError()
		return NewError(op, ErrCodeDeviceReturnFailed, "device returned failure")
	}
	return nil
}

// RegMR registers length bytes of the caller's address space starting at
// va, backed by pageSize-aligned pages, under pd.
func (d *Device) RegMR(pd Pd, va uint64, length uint32, pageSize uint32, flags AccessFlag) (Mr, error) {
	if !d.pd.valid(pd) {
		return Mr{}, NewError("RegMR", ErrCodeInvalid, "unknown pd")
	}
	if pageSize < PageSizeMin || pageSize&(pageSize-1) != 0 {
		return Mr{}, NewError("RegMR", ErrCodeInvalid, "page size must be a power of two >= PageSizeMin")
	}
	if va%uint64(pageSize) != 0 {
		return Mr{}, NewError("RegMR", ErrCodeAddressNotAligned, "va not page-size aligned")
	}

	pgtCnt := (length + pageSize - 1) / pageSize
	key, pgtIdx, err := d.mr.reserve(pd, va, length, pgtCnt, flags)
	if err != nil {
		return Mr{}, err
	}

	var pa uint64
	for i := uint32(0); i < pgtCnt; i++ {
		pagePa, err := d.adaptor.GetPhysAddr(va + uint64(i)*uint64(pageSize))
		if err != nil {
			d.mr.release(key)
			return Mr{}, WrapError("RegMR", err)
		}
		if pagePa%uint64(pageSize) != 0 {
			d.mr.release(key)
			return Mr{}, NewError("RegMR", ErrCodeAddressNotAligned, "physical address not page-size aligned")
		}
		if i == 0 {
			pa = pagePa
		}
	}

	upt := ctrldesc.UpdatePageTable{StartAddr: pa, PgtIdx: pgtIdx, PgteCnt: pgtCnt}
	if err := d.submitCtrl("RegMR", upt.Marshal(), d.params.AckTimeout); err != nil {
		d.mr.release(key)
		return Mr{}, err
	}

	umr := ctrldesc.UpdateMrTable{
		Va: va, Len: length, Key: uint32(key), Pd: uint32(pd),
		AccessFlags: uint8(flags), PgtOffset: pgtIdx,
	}
	if err := d.submitCtrl("RegMR", umr.Marshal(), d.params.AckTimeout); err != nil {
		d.mr.release(key)
		return Mr{}, err
	}

	return Mr{Key: key, Pd: pd, Va: va, Len: length, Flags: flags}, nil
}

// DeregMR invalidates mr on the device and returns its page-table span to
// the free-block allocator.
func (d *Device) DeregMR(mr Mr) error {
	pgtIdx, pgtCnt, ok := d.mr.release(mr.Key)
	if !ok {
		return NewError("DeregMR", ErrCodeInvalid, "unknown mr")
	}

	umr := ctrldesc.UpdateMrTable{Key: 0, Pd: 0, Va: 0, Len: 0}
	_ = d.submitCtrl("DeregMR", umr.Marshal(), d.params.AckTimeout)

	upt := ctrldesc.UpdatePageTable{StartAddr: 0, PgtIdx: pgtIdx, PgteCnt: pgtCnt}
	_ = d.submitCtrl("DeregMR", upt.Marshal(), d.params.AckTimeout)
	return nil
}

// CreateQP allocates a queue pair from builder's configuration and
// programs it onto the device.
func (d *Device) CreateQP(builder *QPBuilder) (Qpn, error) {
	cfg, err := builder.Build()
	if err != nil {
		return 0, err
	}
	if !d.pd.valid(cfg.pd) {
		return 0, NewError("CreateQP", ErrCodeInvalid, "unknown pd")
	}

	qpn, err := d.qp.alloc(cfg.qpn, cfg)
	if err != nil {
		return 0, err
	}

	qm := ctrldesc.QpManagement{
		Qpn: uint32(qpn), IsCreate: true, QpType: uint8(cfg.qpType),
		Pmtu: uint32(cfg.pmtu), AccessFlags: uint8(cfg.rqAccFlags),
		DqpIP: cfg.dqpIP, DqpMac: cfg.dqpMac,
	}
	if err := d.submitCtrl("CreateQP", qm.Marshal(), d.params.AckTimeout); err != nil {
		d.qp.dealloc(qpn)
		return 0, err
	}
	return qpn, nil
}

// DestroyQP tears qpn down on the device and frees its table entry.
func (d *Device) DestroyQP(qpn Qpn) error {
	qm := ctrldesc.QpManagement{Qpn: uint32(qpn), IsCreate: false}
	_ = d.submitCtrl("DestroyQP", qm.Marshal(), d.params.AckTimeout)
	d.qp.dealloc(qpn)
	return nil
}

func mapQpType(t QpType) proto.TransType {
	switch t {
	case QpTypeUC:
		return proto.TransTypeUC
	case QpTypeUD:
		return proto.TransTypeUD
	case QpTypeXrcSend, QpTypeXrcRecv:
		return proto.TransTypeXrc
	default:
		return proto.TransTypeRC
	}
}

func localMem(va uint64, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), int(length))
}

func padLen(n uint32) uint32 {
	return (RdmaPayloadAlignment - n%RdmaPayloadAlignment) % RdmaPayloadAlignment
}

// buildFrame assembles a complete IP+UDP+RDMA+ICRC wire frame for a
// single packet.
func (d *Device) buildFrame(qp *qpEntry, hdr proto.RdmaHeader, payload []byte) []byte {
	pad := padLen(uint32(len(payload)))
	body := hdr.Size() + len(payload) + int(pad)
	total := proto.IPUDPHeadersSize + body + IcrcSize

	buf := make([]byte, total)
	ip := proto.IPv4Header{
		TotalLength: uint16(total),
		TTL:         proto.IPv4DefaultTTL,
		Protocol:    proto.IPv4ProtocolUDP,
		SrcAddr:     d.params.Network.IPAddr,
		DstAddr:     qp.dqpIP,
	}
	_ = ip.Marshal(buf[0:proto.IPv4HeaderSize])

	udp := proto.UDPHeader{
		SrcPort: RdmaUDPPort,
		DstPort: RdmaUDPPort,
		Length:  uint16(proto.UDPHeaderSize + body),
	}
	_ = udp.Marshal(buf[proto.IPv4HeaderSize : proto.IPv4HeaderSize+proto.UDPHeaderSize])

	off := proto.IPUDPHeadersSize
	_ = hdr.Marshal(buf[off:])
	off += hdr.Size()
	copy(buf[off:], payload)

	return proto.AppendICRC(buf[:total-IcrcSize])
}

// Write issues an RDMA Write of sge's contents to raddr/rkey on dqpn.
func (d *Device) Write(dqpn Qpn, raddr uint64, rkey uint32, flags AccessFlag, sge Sge) (*OpCtx, error) {
	localMr, ok := d.mr.lookup(sge.Lkey)
	if !ok || sge.Addr < localMr.Va || sge.Addr+uint64(sge.Len) > localMr.Va+uint64(localMr.Len) {
		return nil, NewError("Write", ErrCodeInvalid, "sge out of bounds of its local mr")
	}

	qp, ok := d.qp.get(dqpn)
	if !ok {
		return nil, NewQPError("Write", uint32(dqpn), ErrCodeInvalid, "unknown qpn")
	}

	count := proto.PacketCount(raddr, sge.Len, uint32(qp.pmtu))
	var startPsn uint32
	_ = d.qp.withQP(dqpn, func(e *qpEntry) error {
		startPsn = e.nextSendPsn(count)
		return nil
	})

	plans := sched.Split(raddr, sge.Len, uint32(qp.pmtu), startPsn)
	op := &pendingOp{qpn: dqpn, lastPsn: plans[len(plans)-1].Psn, ctx: newOpCtx()}

	descs := make([]sched.Desc, 0, len(plans))
	for _, p := range plans {
		opcode := proto.OpWriteMiddle
		switch {
		case p.IsFirst && p.IsLast:
			opcode = proto.OpWriteOnly
		case p.IsFirst:
			opcode = proto.OpWriteFirst
		case p.IsLast:
			opcode = proto.OpWriteLast
		}
		payload := localMem(sge.Addr+uint64(p.Offset), p.Length)
		hdr := proto.RdmaHeader{
			Bth: proto.BTH{
				TransType: mapQpType(qp.qpType), Opcode: opcode, PadCnt: uint8(padLen(p.Length)),
				Dqpn: uint32(dqpn), AckReq: p.IsLast, Psn: p.Psn,
			},
			Reth: proto.RETH{Va: raddr + uint64(p.Offset), Rkey: rkey, Dlen: p.Length},
		}
		frame := d.buildFrame(qp, hdr, payload)
		op.frames = append(op.frames, frame)
		op.psns = append(op.psns, p.Psn)
		descs = append(descs, sched.Desc{Qpn: uint32(dqpn), Payload: frame})
	}

	d.addPending(dqpn, op)
	d.sch.Push(uint32(dqpn), descs)
	return op.ctx, nil
}

// Read issues an RDMA Read of length sge.Len from raddr/rkey on dqpn into
// sge's local buffer.
func (d *Device) Read(dqpn Qpn, raddr uint64, rkey uint32, flags AccessFlag, sge Sge) (*OpCtx, error) {
	localMr, ok := d.mr.lookup(sge.Lkey)
	if !ok || sge.Addr < localMr.Va || sge.Addr+uint64(sge.Len) > localMr.Va+uint64(localMr.Len) {
		return nil, NewError("Read", ErrCodeInvalid, "sge out of bounds of its local mr")
	}
	if !localMr.Flags.has(AccessLocalWrite) {
		return nil, NewError("Read", ErrCodeInvalid, "sink mr lacks local write access")
	}
	qp, ok := d.qp.get(dqpn)
	if !ok {
		return nil, NewQPError("Read", uint32(dqpn), ErrCodeInvalid, "unknown qpn")
	}

	var psn uint32
	_ = d.qp.withQP(dqpn, func(e *qpEntry) error {
		psn = e.nextSendPsn(1)
		return nil
	})

	hdr := proto.RdmaHeader{
		Bth: proto.BTH{
			TransType: mapQpType(qp.qpType), Opcode: proto.OpReadRequest,
			Dqpn: uint32(dqpn), AckReq: true, Psn: psn,
		},
		Reth:          proto.RETH{Va: raddr, Rkey: rkey, Dlen: sge.Len},
		SecondaryReth: proto.RETH{Va: sge.Addr, Rkey: uint32(sge.Lkey), Dlen: sge.Len},
	}
	frame := d.buildFrame(qp, hdr, nil)

	op := &pendingOp{
		qpn: dqpn, isRead: true, lastPsn: psn,
		frames: [][]byte{frame}, psns: []uint32{psn},
		sinkVa: sge.Addr, sinkLen: sge.Len, ctx: newOpCtx(),
	}
	d.addPending(dqpn, op)
	d.sch.Push(uint32(dqpn), []sched.Desc{{Qpn: uint32(dqpn), Payload: frame}})
	return op.ctx, nil
}

func (d *Device) addPending(qpn Qpn, op *pendingOp) {
	op.timer = time.AfterFunc(d.params.AckTimeout, func() { d.onAckTimeout(qpn, op) })
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.pending == nil {
		return // device closed underneath an in-flight Write/Read
	}
	d.pending[qpn] = append(d.pending[qpn], op)
}

func (d *Device) removePending(qpn Qpn, op *pendingOp) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	ops := d.pending[qpn]
	for i, o := range ops {
		if o == op {
			d.pending[qpn] = append(ops[:i], ops[i+1:]...)
			break
		}
	}
}

const maxRetransmitAttempts = 3

func (d *Device) onAckTimeout(qpn Qpn, op *pendingOp) {
	select {
	case <-op.ctx.done:
		return // already completed
	default:
	}
	op.attempts++
	if op.attempts > maxRetransmitAttempts {
		d.removePending(qpn, op)
		d.observer.ObserveWriteError()
		op.ctx.complete(NewQPError("Write", uint32(qpn), ErrCodeDeviceReturnFailed, "ack timeout exceeded retry budget"))
		return
	}
	d.retransmitFrom(qpn, op, op.psns[0])
	op.timer = time.AfterFunc(d.params.AckTimeout, func() { d.onAckTimeout(qpn, op) })
}

func (d *Device) retransmitFrom(qpn Qpn, op *pendingOp, fromPsn uint32) {
	descs := make([]sched.Desc, 0, len(op.frames))
	for i, psn := range op.psns {
		if sameOrAfter(psn, fromPsn) {
			descs = append(descs, sched.Desc{Qpn: uint32(qpn), Payload: op.frames[i]})
		}
	}
	if len(descs) > 0 {
		d.sch.Push(uint32(qpn), descs)
	}
}

func sameOrAfter(psn, ref uint32) bool {
	diff := (psn - ref + PsnModulus) % PsnModulus
	return diff < PsnModulus/2
}

// pinToCPU locks the calling goroutine to its OS thread and assigns it the
// configured CPU, round-robin by pollerIdx over d.params.CPUAffinity,
// mirroring the teacher's queue-to-CPU assignment in ioLoop. Returns true
// if it locked the thread, in which case the caller must defer
// runtime.UnlockOSThread(). A no-op when no affinity list was configured.
func (d *Device) pinToCPU(pollerIdx int) bool {
	if len(d.params.CPUAffinity) == 0 {
		return false
	}
	runtime.LockOSThread()
	cpu := d.params.CPUAffinity[pollerIdx%len(d.params.CPUAffinity)]
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		d.logger.Warnf("pinToCPU: SchedSetaffinity(%d): %v", cpu, err)
	}
	return true
}

// schedDrain is T3: it pops already-built packet frames from the
// scheduler and pushes them to the to-card work ring.
func (d *Device) schedDrain() {
	defer d.wg.Done()
	if d.pinToCPU(2) {
		defer runtime.UnlockOSThread()
	}
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		desc, ok := d.sch.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if err := d.adaptor.PushToCardWork(desc.Payload); err != nil {
			d.logger.Warnf("schedDrain: PushToCardWork: %v", err)
		}
	}
}

// ctrlPoller is T1: it drains ToHostCtrl responses and resolves the
// waiting operation context by op_id.
func (d *Device) ctrlPoller() {
	defer d.wg.Done()
	if d.pinToCPU(0) {
		defer runtime.UnlockOSThread()
	}
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		buf, err := d.adaptor.PopToHostCtrl()
		if err != nil {
			return
		}
		opID, success, err := ctrldesc.OpID(buf)
		if err != nil {
			d.logger.Warnf("ctrlPoller: malformed response: %v", err)
			continue
		}
		ctx, ok := d.ctrlReg.Lookup(opID)
		if !ok {
			d.logger.Debugf("ctrlPoller: no waiter for op_id %d", opID)
			continue
		}
		_ = ctx.SetResult(success)
	}
}

// workPoller is T2: it drains ToHostWork frames (real received packets in
// software mode, or marshaled work completions in emulated mode) and runs
// the reliable-transport responder and requester-completion logic.
func (d *Device) workPoller() {
	defer d.wg.Done()
	if d.pinToCPU(1) {
		defer runtime.UnlockOSThread()
	}
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		frame, err := d.adaptor.PopToHostWork()
		if err != nil {
			return
		}
		d.handleFrame(frame)
		bufpool.Put(frame)
	}
}

func (d *Device) handleFrame(frame []byte) {
	if len(frame) < proto.IPUDPHeadersSize+proto.BTHSize+IcrcSize {
		return
	}
	if !proto.ValidateICRC(frame) {
		d.observer.ObserveIcrcError()
		return
	}
	body := frame[proto.IPUDPHeadersSize : len(frame)-IcrcSize]
	var hdr proto.RdmaHeader
	if err := hdr.Unmarshal(body); err != nil {
		d.observer.ObserveCtrlError()
		return
	}
	qpn := Qpn(hdr.Bth.Dqpn)

	switch hdr.Bth.Opcode {
	case proto.OpAcknowledge:
		d.handleAck(qpn, hdr)
	case proto.OpReadRequest:
		d.handleReadRequest(qpn, hdr)
	case proto.OpReadResponseFirst, proto.OpReadResponseMiddle, proto.OpReadResponseLast, proto.OpReadResponseOnly:
		payload := body[hdr.Size() : len(body)-int(hdr.Bth.PadCnt)]
		d.handleReadResponse(qpn, hdr, payload)
	default:
		payload := body[hdr.Size() : len(body)-int(hdr.Bth.PadCnt)]
		d.handleWriteRequest(qpn, hdr, payload)
	}
}

func (d *Device) handleWriteRequest(qpn Qpn, hdr proto.RdmaHeader, payload []byte) {
	mr, ok := d.mr.lookup(Key(hdr.Reth.Rkey))
	if !ok || !mr.Flags.has(AccessRemoteWrite) {
		d.sendAck(qpn, hdr, proto.AethCodeNAK)
		return
	}

	err := d.qp.withQP(qpn, func(e *qpEntry) error {
		cmp := e.psnCompare(hdr.Bth.Psn)
		switch {
		case cmp == 0:
			dst := localMem(hdr.Reth.Va, hdr.Reth.Dlen)
			copy(dst, payload[:hdr.Reth.Dlen])
			e.advanceExpected()
			if hdr.Bth.Opcode == proto.OpWriteLast || hdr.Bth.Opcode == proto.OpWriteOnly || hdr.Bth.Opcode == proto.OpWriteLastWithImm || hdr.Bth.Opcode == proto.OpWriteOnlyWithImm {
				e.sendMsn++
			}
			if hdr.Bth.AckReq {
				d.sendAckLocked(qpn, e, hdr, proto.AethCodeACK)
			}
			return nil
		case cmp < 0:
			if e.hasLastAck {
				_ = d.adaptor.PushToCardWork(e.lastAck)
			}
			return nil
		default:
			d.sendAckLocked(qpn, e, hdr, proto.AethCodeNAK)
			return nil
		}
	})
	if err != nil {
		d.observer.ObserveWriteError()
	} else {
		d.observer.ObserveWrite(uint32(len(payload)), 0)
	}
}

func (d *Device) handleReadRequest(qpn Qpn, hdr proto.RdmaHeader) {
	mr, ok := d.mr.lookup(Key(hdr.Reth.Rkey))
	if !ok || !mr.Flags.has(AccessRemoteRead) {
		return
	}
	qp, ok := d.qp.get(qpn)
	if !ok {
		return
	}
	_ = d.qp.withQP(qpn, func(e *qpEntry) error { e.advanceExpected(); return nil })

	data := localMem(hdr.Reth.Va, hdr.Reth.Dlen)
	count := proto.PacketCount(hdr.Reth.Va, hdr.Reth.Dlen, uint32(qp.pmtu))
	var startPsn uint32
	_ = d.qp.withQP(qpn, func(e *qpEntry) error { startPsn = e.nextSendPsn(count); return nil })
	plans := sched.Split(hdr.Reth.Va, hdr.Reth.Dlen, uint32(qp.pmtu), startPsn)

	descs := make([]sched.Desc, 0, len(plans))
	for _, p := range plans {
		opcode := proto.OpReadResponseMiddle
		switch {
		case p.IsFirst && p.IsLast:
			opcode = proto.OpReadResponseOnly
		case p.IsFirst:
			opcode = proto.OpReadResponseFirst
		case p.IsLast:
			opcode = proto.OpReadResponseLast
		}
		rhdr := proto.RdmaHeader{
			Bth: proto.BTH{TransType: mapQpType(qp.qpType), Opcode: opcode, Dqpn: uint32(qpn), Psn: p.Psn},
			Reth: proto.RETH{Va: hdr.SecondaryReth.Va + uint64(p.Offset), Rkey: hdr.SecondaryReth.Rkey, Dlen: p.Length},
		}
		frame := d.buildFrame(qp, rhdr, data[p.Offset:p.Offset+p.Length])
		descs = append(descs, sched.Desc{Qpn: uint32(qpn), Payload: frame})
	}
	d.sch.Push(uint32(qpn), descs)
	d.observer.ObserveRead(hdr.Reth.Dlen, 0)
}

func (d *Device) handleReadResponse(qpn Qpn, hdr proto.RdmaHeader, payload []byte) {
	d.pendingMu.Lock()
	var op *pendingOp
	for _, o := range d.pending[qpn] {
		if o.isRead {
			op = o
			break
		}
	}
	d.pendingMu.Unlock()
	if op == nil {
		return
	}

	dst := localMem(op.sinkVa, op.sinkLen)
	copy(dst[op.recvBytes:], payload)
	op.recvBytes += uint32(len(payload))

	if hdr.Bth.Opcode == proto.OpReadResponseLast || hdr.Bth.Opcode == proto.OpReadResponseOnly {
		op.timer.Stop()
		d.removePending(qpn, op)
		op.ctx.complete(nil)
	}
}

func (d *Device) handleAck(qpn Qpn, hdr proto.RdmaHeader) {
	d.pendingMu.Lock()
	var op *pendingOp
	for _, o := range d.pending[qpn] {
		if !o.isRead && o.lastPsn == hdr.Bth.Psn {
			op = o
			break
		}
	}
	d.pendingMu.Unlock()
	if op == nil {
		return
	}

	switch hdr.Aeth.Code {
	case proto.AethCodeACK:
		op.timer.Stop()
		d.removePending(qpn, op)
		d.observer.ObserveAck()
		op.ctx.complete(nil)
	case proto.AethCodeNAK:
		d.observer.ObserveNak()
		d.retransmitFrom(qpn, op, hdr.Aeth.Msn)
	}
}

func (d *Device) sendAck(qpn Qpn, hdr proto.RdmaHeader, code proto.AethCode) {
	_ = d.qp.withQP(qpn, func(e *qpEntry) error {
		d.sendAckLocked(qpn, e, hdr, code)
		return nil
	})
}

func (d *Device) sendAckLocked(qpn Qpn, e *qpEntry, hdr proto.RdmaHeader, code proto.AethCode) {
	qp, ok := d.qp.get(qpn)
	if !ok {
		return
	}
	ackHdr := proto.RdmaHeader{
		Bth:  proto.BTH{TransType: mapQpType(qp.qpType), Opcode: proto.OpAcknowledge, Dqpn: uint32(qpn), Psn: hdr.Bth.Psn},
		Aeth: proto.AETH{Code: code, Value: uint8(e.expectedPsn & 0x1F), Msn: e.sendMsn},
	}
	// NAK has no message to count, so its Msn field is repurposed to carry
	// the expected_psn the sender should resume retransmission from.
	if code == proto.AethCodeNAK {
		ackHdr.Aeth.Msn = e.expectedPsn
	}
	frame := d.buildFrame(qp, ackHdr, nil)
	e.lastAck = frame
	e.hasLastAck = true
	_ = d.adaptor.PushToCardWork(frame)
}
