package rdma

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufAddr returns the virtual address Write/Read/RegMR expect: the real
// address of a Go-allocated buffer, since the responder path dereferences
// it directly through localMem.
func bufAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// alignedBuffer mmaps an anonymous region large enough to carve a
// PageSizeMin-aligned sub-slice of size bytes out of it, since RegMR
// requires both va and its backing pages to be PageSizeMin-aligned and a
// plain make([]byte, n) gives no such guarantee.
func alignedBuffer(t *testing.T, size int) []byte {
	t.Helper()
	raw, err := unix.Mmap(-1, 0, size+PageSizeMin,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(raw) })

	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := (PageSizeMin - int(base%PageSizeMin)) % PageSizeMin
	return raw[pad : pad+size]
}

// pumpLoopback re-delivers every frame the Device hands to the card back to
// the Device's own receive path, the way a NIC looping a packet back to
// 127.0.0.1 would, so a single Device can play both ends of an RC
// connection in a test.
func pumpLoopback(t *testing.T, adaptor *MockAdaptor, stop <-chan struct{}) {
	t.Helper()
	for {
		select {
		case <-stop:
			return
		default:
		}
		for _, frame := range adaptor.WorkSentToCard() {
			_ = adaptor.DeliverToHost(frame)
		}
		time.Sleep(time.Millisecond)
	}
}

func newLoopbackDevice(t *testing.T) (*Device, *MockAdaptor) {
	t.Helper()
	adaptor := NewMockAdaptor()
	params := DefaultParams(NetworkParam{IPAddr: [4]byte{127, 0, 0, 1}})
	params.AckTimeout = 500 * time.Millisecond
	dev, err := NewWithAdaptor(params, adaptor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev, adaptor
}

func TestDeviceWriteCompletesRoundTrip(t *testing.T) {
	dev, adaptor := newLoopbackDevice(t)

	stop := make(chan struct{})
	go pumpLoopback(t, adaptor, stop)
	t.Cleanup(func() { close(stop) })

	pd, err := dev.AllocPD()
	require.NoError(t, err)

	src := alignedBuffer(t, 64)
	for i := range src {
		src[i] = byte(i + 1)
	}
	dst := alignedBuffer(t, 64)

	srcMr, err := dev.RegMR(pd, bufAddr(src), uint32(len(src)), PageSizeMin, AccessLocalWrite)
	require.NoError(t, err)
	dstMr, err := dev.RegMR(pd, bufAddr(dst), uint32(len(dst)), PageSizeMin,
		AccessLocalWrite|AccessRemoteWrite|AccessRemoteRead)
	require.NoError(t, err)

	qpn, err := dev.CreateQP(NewQPBuilder().
		PD(pd).
		QPType(QpTypeRC).
		Pmtu(PmtuMtu1024).
		RQAccessFlags(AccessRemoteWrite | AccessRemoteRead).
		DestIP([4]byte{127, 0, 0, 1}))
	require.NoError(t, err)

	opCtx, err := dev.Write(qpn, bufAddr(dst), uint32(dstMr.Key), AccessRemoteWrite,
		Sge{Addr: bufAddr(src), Len: uint32(len(src)), Lkey: srcMr.Key})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, opCtx.Wait(ctx))

	assert.Equal(t, src, dst)
}

// TestDeviceToDeviceWriteLoopback exercises two independent Device
// instances, each with its own resource tables, connected by cross-wiring
// their MockAdaptors: every frame one hands to its card is delivered to the
// other's receive path, the way a NIC would move it over the wire. Both
// sides create their QP with the same preferred QPN since a BTH carries
// only one queue-pair-number field (Dqpn) and this transport addresses
// packets and their acknowledgements by that single shared connection id
// rather than separate local/remote QPNs.
func TestDeviceToDeviceWriteLoopback(t *testing.T) {
	devA, adaptorA := newLoopbackDevice(t)
	devB, adaptorB := newLoopbackDevice(t)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go bridge(t, adaptorA, adaptorB, stop)
	go bridge(t, adaptorB, adaptorA, stop)

	pdA, err := devA.AllocPD()
	require.NoError(t, err)
	pdB, err := devB.AllocPD()
	require.NoError(t, err)

	const size = 12 * 1024
	src := alignedBuffer(t, size)
	for i := range src {
		src[i] = byte(i)
	}
	dst := alignedBuffer(t, size)

	srcMr, err := devA.RegMR(pdA, bufAddr(src), uint32(len(src)), PageSizeMin, AccessLocalWrite)
	require.NoError(t, err)
	dstMr, err := devB.RegMR(pdB, bufAddr(dst), uint32(len(dst)), PageSizeMin,
		AccessLocalWrite|AccessRemoteWrite)
	require.NoError(t, err)

	const connQpn = Qpn(42)
	_, err = devA.CreateQP(NewQPBuilder().PD(pdA).Qpn(connQpn).QPType(QpTypeRC).
		Pmtu(PmtuMtu1024).DestIP([4]byte{127, 0, 0, 1}))
	require.NoError(t, err)
	_, err = devB.CreateQP(NewQPBuilder().PD(pdB).Qpn(connQpn).QPType(QpTypeRC).
		Pmtu(PmtuMtu1024).RQAccessFlags(AccessRemoteWrite).DestIP([4]byte{127, 0, 0, 1}))
	require.NoError(t, err)

	opCtx, err := devA.Write(connQpn, bufAddr(dst), uint32(dstMr.Key), AccessRemoteWrite,
		Sge{Addr: bufAddr(src), Len: uint32(len(src)), Lkey: srcMr.Key})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, opCtx.Wait(ctx))

	assert.Equal(t, src, dst)
}

// bridge re-delivers every frame from's card sends to to's receive path.
func bridge(t *testing.T, from, to *MockAdaptor, stop <-chan struct{}) {
	t.Helper()
	for {
		select {
		case <-stop:
			return
		default:
		}
		for _, frame := range from.WorkSentToCard() {
			_ = to.DeliverToHost(frame)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDeviceReadCompletesRoundTrip(t *testing.T) {
	dev, adaptor := newLoopbackDevice(t)

	stop := make(chan struct{})
	go pumpLoopback(t, adaptor, stop)
	t.Cleanup(func() { close(stop) })

	pd, err := dev.AllocPD()
	require.NoError(t, err)

	remote := alignedBuffer(t, 32)
	for i := range remote {
		remote[i] = byte(100 + i)
	}
	local := alignedBuffer(t, 32)

	remoteMr, err := dev.RegMR(pd, bufAddr(remote), uint32(len(remote)), PageSizeMin, AccessRemoteRead)
	require.NoError(t, err)
	localMr, err := dev.RegMR(pd, bufAddr(local), uint32(len(local)), PageSizeMin, AccessLocalWrite)
	require.NoError(t, err)

	qpn, err := dev.CreateQP(NewQPBuilder().
		PD(pd).
		QPType(QpTypeRC).
		Pmtu(PmtuMtu1024).
		RQAccessFlags(AccessRemoteRead).
		DestIP([4]byte{127, 0, 0, 1}))
	require.NoError(t, err)

	opCtx, err := dev.Read(qpn, bufAddr(remote), uint32(remoteMr.Key), AccessRemoteRead,
		Sge{Addr: bufAddr(local), Len: uint32(len(local)), Lkey: localMr.Key})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, opCtx.Wait(ctx))

	assert.Equal(t, remote, local)
}

func TestDeviceRegMRRejectsUnknownPD(t *testing.T) {
	dev, _ := newLoopbackDevice(t)
	buf := alignedBuffer(t, 16)
	_, err := dev.RegMR(Pd(9999), bufAddr(buf), uint32(len(buf)), PageSizeMin, AccessLocalWrite)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestDeviceRegMRRejectsMisalignedVA(t *testing.T) {
	dev, _ := newLoopbackDevice(t)
	pd, err := dev.AllocPD()
	require.NoError(t, err)

	_, err = dev.RegMR(pd, 1, PageSizeMin, PageSizeMin, AccessLocalWrite)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeAddressNotAligned))
}

func TestDeviceRegMRRejectsPageSizeBelowMinimum(t *testing.T) {
	dev, _ := newLoopbackDevice(t)
	pd, err := dev.AllocPD()
	require.NoError(t, err)

	buf := alignedBuffer(t, 16)
	_, err = dev.RegMR(pd, bufAddr(buf), uint32(len(buf)), 4096, AccessLocalWrite)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestDeviceRegMRRejectsNonPowerOfTwoPageSize(t *testing.T) {
	dev, _ := newLoopbackDevice(t)
	pd, err := dev.AllocPD()
	require.NoError(t, err)

	buf := alignedBuffer(t, 16)
	_, err = dev.RegMR(pd, bufAddr(buf), uint32(len(buf)), PageSizeMin+PageSizeMin/2, AccessLocalWrite)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestDeviceCreateQPRejectsUnknownPD(t *testing.T) {
	dev, _ := newLoopbackDevice(t)
	_, err := dev.CreateQP(NewQPBuilder().PD(Pd(9999)).QPType(QpTypeRC).Pmtu(PmtuMtu1024))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestDeviceWriteRejectsSgeOutOfBounds(t *testing.T) {
	dev, _ := newLoopbackDevice(t)
	pd, err := dev.AllocPD()
	require.NoError(t, err)

	buf := alignedBuffer(t, 16)
	mr, err := dev.RegMR(pd, bufAddr(buf), uint32(len(buf)), PageSizeMin, AccessLocalWrite)
	require.NoError(t, err)

	qpn, err := dev.CreateQP(NewQPBuilder().PD(pd).QPType(QpTypeRC).Pmtu(PmtuMtu1024).
		DestIP([4]byte{127, 0, 0, 1}))
	require.NoError(t, err)

	_, err = dev.Write(qpn, bufAddr(buf), uint32(mr.Key), AccessRemoteWrite,
		Sge{Addr: bufAddr(buf), Len: uint32(len(buf)) + 1, Lkey: mr.Key})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestDeviceWriteRejectsUnknownQpn(t *testing.T) {
	dev, _ := newLoopbackDevice(t)
	pd, err := dev.AllocPD()
	require.NoError(t, err)

	buf := alignedBuffer(t, 16)
	mr, err := dev.RegMR(pd, bufAddr(buf), uint32(len(buf)), PageSizeMin, AccessLocalWrite)
	require.NoError(t, err)

	_, err = dev.Write(Qpn(123456), bufAddr(buf), uint32(mr.Key), AccessRemoteWrite,
		Sge{Addr: bufAddr(buf), Len: uint32(len(buf)), Lkey: mr.Key})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestDeviceCloseFailsPendingOps(t *testing.T) {
	adaptor := NewMockAdaptor()
	params := DefaultParams(NetworkParam{IPAddr: [4]byte{127, 0, 0, 1}})
	params.AckTimeout = 500 * time.Millisecond
	dev, err := NewWithAdaptor(params, adaptor)
	require.NoError(t, err)

	pd, err := dev.AllocPD()
	require.NoError(t, err)

	buf := alignedBuffer(t, 16)
	mr, err := dev.RegMR(pd, bufAddr(buf), uint32(len(buf)), PageSizeMin, AccessLocalWrite|AccessRemoteWrite)
	require.NoError(t, err)

	qpn, err := dev.CreateQP(NewQPBuilder().PD(pd).QPType(QpTypeRC).Pmtu(PmtuMtu1024).
		DestIP([4]byte{127, 0, 0, 1}))
	require.NoError(t, err)

	opCtx, err := dev.Write(qpn, bufAddr(buf), uint32(mr.Key), AccessRemoteWrite,
		Sge{Addr: bufAddr(buf), Len: uint32(len(buf)), Lkey: mr.Key})
	require.NoError(t, err)

	require.NoError(t, dev.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = opCtx.Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeSetCtxResultFailed))
}
