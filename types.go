package rdma

import "fmt"

// Key is the opaque 32-bit token identifying a registered memory region.
// Its upper MrKeyIdxBitCnt bits are the MR table slot index; the remaining
// low bits are a random tag that must match the slot's stored tag.
type Key uint32

func (k Key) slotIndex() uint32 {
	return uint32(k) >> (32 - MrKeyIdxBitCnt)
}

func (k Key) tag() uint32 {
	mask := uint32(1)<<(32-MrKeyIdxBitCnt) - 1
	return uint32(k) & mask
}

func newKey(slot uint32, tag uint32) Key {
	mask := uint32(1)<<(32-MrKeyIdxBitCnt) - 1
	return Key(slot<<(32-MrKeyIdxBitCnt) | (tag & mask))
}

// Pd identifies a protection domain.
type Pd uint32

// Mr is a handle to a registered memory region.
type Mr struct {
	Key   Key
	Pd    Pd
	Va    uint64
	Len   uint32
	Flags AccessFlag
}

// Qpn is a 24-bit queue pair number.
type Qpn uint32

// QpType is the transport service a queue pair is configured for.
type QpType uint8

const (
	QpTypeRC QpType = iota
	QpTypeUC
	QpTypeUD
	QpTypeRawPacket
	QpTypeXrcSend
	QpTypeXrcRecv
)

func (t QpType) String() string {
	switch t {
	case QpTypeRC:
		return "RC"
	case QpTypeUC:
		return "UC"
	case QpTypeUD:
		return "UD"
	case QpTypeRawPacket:
		return "RawPacket"
	case QpTypeXrcSend:
		return "XrcSend"
	case QpTypeXrcRecv:
		return "XrcRecv"
	default:
		return "Unknown"
	}
}

// Pmtu is the path MTU in bytes, one of the five values the wire format
// allows.
type Pmtu uint32

const (
	PmtuMtu256  Pmtu = 256
	PmtuMtu512  Pmtu = 512
	PmtuMtu1024 Pmtu = 1024
	PmtuMtu2048 Pmtu = 2048
	PmtuMtu4096 Pmtu = 4096
)

func (p Pmtu) valid() bool {
	switch p {
	case PmtuMtu256, PmtuMtu512, PmtuMtu1024, PmtuMtu2048, PmtuMtu4096:
		return true
	default:
		return false
	}
}

// AccessFlag enumerates the access permissions a memory region or queue
// pair can grant.
type AccessFlag uint8

const (
	AccessLocalWrite AccessFlag = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

func (f AccessFlag) has(flag AccessFlag) bool {
	return f&flag != 0
}

// Sge is a single scatter/gather element: a local buffer the caller is
// offering as the source (write) or destination (read) of an RDMA
// operation.
type Sge struct {
	Addr uint64
	Len  uint32
	Lkey Key
}

// MacAddr is a 6-byte hardware address.
type MacAddr [6]byte

func (m MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// NetworkParam is the per-device network configuration: address, netmask,
// gateway and MAC. Set once before traffic flows.
type NetworkParam struct {
	IPAddr  [4]byte
	Netmask [4]byte
	Gateway [4]byte
	MacAddr MacAddr
}

// QPBuilder accumulates queue pair parameters before CreateQP, mirroring
// the builder-with-defaults idiom this codebase uses for device
// configuration.
type QPBuilder struct {
	pd          Pd
	qpn         Qpn
	qpType      QpType
	pmtu        Pmtu
	rqAccFlags  AccessFlag
	dqpIP       [4]byte
	dqpMac      MacAddr
	err         error
}

// NewQPBuilder returns a builder with RC transport and a 1024-byte PMTU as
// defaults.
func NewQPBuilder() *QPBuilder {
	return &QPBuilder{qpType: QpTypeRC, pmtu: PmtuMtu1024}
}

func (b *QPBuilder) PD(pd Pd) *QPBuilder             { b.pd = pd; return b }
func (b *QPBuilder) Qpn(qpn Qpn) *QPBuilder          { b.qpn = qpn; return b }
func (b *QPBuilder) QPType(t QpType) *QPBuilder      { b.qpType = t; return b }
func (b *QPBuilder) Pmtu(p Pmtu) *QPBuilder          { b.pmtu = p; return b }
func (b *QPBuilder) RQAccessFlags(f AccessFlag) *QPBuilder {
	b.rqAccFlags = f
	return b
}
func (b *QPBuilder) DestIP(ip [4]byte) *QPBuilder   { b.dqpIP = ip; return b }
func (b *QPBuilder) DestMac(mac MacAddr) *QPBuilder { b.dqpMac = mac; return b }

// Build validates the accumulated parameters.
func (b *QPBuilder) Build() (*qpConfig, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.pmtu.valid() {
		return nil, NewError("QPBuilder.Build", ErrCodeInvalid, "invalid pmtu")
	}
	return &qpConfig{
		pd:         b.pd,
		qpn:        b.qpn,
		qpType:     b.qpType,
		pmtu:       b.pmtu,
		rqAccFlags: b.rqAccFlags,
		dqpIP:      b.dqpIP,
		dqpMac:     b.dqpMac,
	}, nil
}

type qpConfig struct {
	pd         Pd
	qpn        Qpn
	qpType     QpType
	pmtu       Pmtu
	rqAccFlags AccessFlag
	dqpIP      [4]byte
	dqpMac     MacAddr
}
