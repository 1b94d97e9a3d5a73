// Package ctrldesc marshals and unmarshals the control-ring descriptor
// variants exchanged between the driver core and the device: page-table
// and MR-table updates, QP management, and network-parameter changes.
// Each descriptor is a one-byte kind tag followed by a fixed-layout
// payload, encoded with encoding/binary the way this codebase's other
// wire structures are, rather than through reflection or a generic codec.
package ctrldesc

import (
	"encoding/binary"
	"fmt"
)

// Kind tags which control descriptor variant follows the common header.
type Kind uint8

const (
	KindUpdatePageTable Kind = iota
	KindUpdateMrTable
	KindQpManagement
	KindSetNetworkParam
	KindSetRawPacketReceiveMeta
)

// Common is the header every control descriptor (request and response)
// carries: the operation-context id it is matched to, and — on responses
// only — whether the device accepted it.
type Common struct {
	OpID      uint32
	IsSuccess bool
}

func (c Common) marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], c.OpID)
	if c.IsSuccess {
		buf[4] = 1
	}
}

func unmarshalCommon(buf []byte) Common {
	return Common{
		OpID:      binary.BigEndian.Uint32(buf[0:4]),
		IsSuccess: buf[4] != 0,
	}
}

const commonSize = 5
const headerSize = 1 + commonSize // kind tag + common

// UpdatePageTable tells the device to bind pgteCnt consecutive page-table
// entries starting at pgtIdx to a memory region. StartAddr is the physical
// address of the region's first page; the descriptor carries no per-page
// address list, so the device sees only that one address and the count.
type UpdatePageTable struct {
	Common
	StartAddr uint64
	PgtIdx    uint32
	PgteCnt   uint32
}

func (d UpdatePageTable) Marshal() []byte {
	buf := make([]byte, headerSize+16)
	buf[0] = byte(KindUpdatePageTable)
	d.Common.marshal(buf[1:])
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], d.StartAddr)
	binary.BigEndian.PutUint32(buf[off+8:], d.PgtIdx)
	binary.BigEndian.PutUint32(buf[off+12:], d.PgteCnt)
	return buf
}

func unmarshalUpdatePageTable(common Common, buf []byte) (UpdatePageTable, error) {
	if len(buf) < 16 {
		return UpdatePageTable{}, fmt.Errorf("ctrldesc: UpdatePageTable: short buffer")
	}
	return UpdatePageTable{
		Common:    common,
		StartAddr: binary.BigEndian.Uint64(buf[0:]),
		PgtIdx:    binary.BigEndian.Uint32(buf[8:]),
		PgteCnt:   binary.BigEndian.Uint32(buf[12:]),
	}, nil
}

// UpdateMrTable registers or (when zeroed) invalidates an MR table slot.
type UpdateMrTable struct {
	Common
	Va          uint64
	Len         uint32
	Key         uint32
	Pd          uint32
	AccessFlags uint8
	PgtOffset   uint32
}

func (d UpdateMrTable) Marshal() []byte {
	buf := make([]byte, headerSize+25)
	buf[0] = byte(KindUpdateMrTable)
	d.Common.marshal(buf[1:])
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], d.Va)
	binary.BigEndian.PutUint32(buf[off+8:], d.Len)
	binary.BigEndian.PutUint32(buf[off+12:], d.Key)
	binary.BigEndian.PutUint32(buf[off+16:], d.Pd)
	buf[off+20] = d.AccessFlags
	binary.BigEndian.PutUint32(buf[off+21:], d.PgtOffset)
	return buf
}

func unmarshalUpdateMrTable(common Common, buf []byte) (UpdateMrTable, error) {
	if len(buf) < 25 {
		return UpdateMrTable{}, fmt.Errorf("ctrldesc: UpdateMrTable: short buffer")
	}
	return UpdateMrTable{
		Common:      common,
		Va:          binary.BigEndian.Uint64(buf[0:]),
		Len:         binary.BigEndian.Uint32(buf[8:]),
		Key:         binary.BigEndian.Uint32(buf[12:]),
		Pd:          binary.BigEndian.Uint32(buf[16:]),
		AccessFlags: buf[20],
		PgtOffset:   binary.BigEndian.Uint32(buf[21:]),
	}, nil
}

// QpManagement creates (IsCreate=true) or destroys a queue pair.
type QpManagement struct {
	Common
	Qpn         uint32
	IsCreate    bool
	QpType      uint8
	Pmtu        uint32
	AccessFlags uint8
	DqpIP       [4]byte
	DqpMac      [6]byte
}

func (d QpManagement) Marshal() []byte {
	buf := make([]byte, headerSize+21)
	buf[0] = byte(KindQpManagement)
	d.Common.marshal(buf[1:])
	off := headerSize
	binary.BigEndian.PutUint32(buf[off:], d.Qpn)
	if d.IsCreate {
		buf[off+4] = 1
	}
	buf[off+5] = d.QpType
	binary.BigEndian.PutUint32(buf[off+6:], d.Pmtu)
	buf[off+10] = d.AccessFlags
	copy(buf[off+11:off+15], d.DqpIP[:])
	copy(buf[off+15:off+21], d.DqpMac[:])
	return buf
}

func unmarshalQpManagement(common Common, buf []byte) (QpManagement, error) {
	if len(buf) < 21 {
		return QpManagement{}, fmt.Errorf("ctrldesc: QpManagement: short buffer")
	}
	var d QpManagement
	d.Common = common
	d.Qpn = binary.BigEndian.Uint32(buf[0:])
	d.IsCreate = buf[4] != 0
	d.QpType = buf[5]
	d.Pmtu = binary.BigEndian.Uint32(buf[6:])
	d.AccessFlags = buf[10]
	copy(d.DqpIP[:], buf[11:15])
	copy(d.DqpMac[:], buf[15:21])
	return d, nil
}

// SetNetworkParam configures the device's IPv4 address, netmask, gateway
// and MAC address.
type SetNetworkParam struct {
	Common
	IPAddr  [4]byte
	Netmask [4]byte
	Gateway [4]byte
	MacAddr [6]byte
}

func (d SetNetworkParam) Marshal() []byte {
	buf := make([]byte, headerSize+18)
	buf[0] = byte(KindSetNetworkParam)
	d.Common.marshal(buf[1:])
	off := headerSize
	copy(buf[off:off+4], d.IPAddr[:])
	copy(buf[off+4:off+8], d.Netmask[:])
	copy(buf[off+8:off+12], d.Gateway[:])
	copy(buf[off+12:off+18], d.MacAddr[:])
	return buf
}

func unmarshalSetNetworkParam(common Common, buf []byte) (SetNetworkParam, error) {
	if len(buf) < 18 {
		return SetNetworkParam{}, fmt.Errorf("ctrldesc: SetNetworkParam: short buffer")
	}
	var d SetNetworkParam
	d.Common = common
	copy(d.IPAddr[:], buf[0:4])
	copy(d.Netmask[:], buf[4:8])
	copy(d.Gateway[:], buf[8:12])
	copy(d.MacAddr[:], buf[12:18])
	return d, nil
}

// SetRawPacketReceiveMeta tells the device which MR to land unmatched raw
// (non-RDMA) packets into, for diagnostics.
type SetRawPacketReceiveMeta struct {
	Common
	BaseAddr uint64
	Key      uint32
}

func (d SetRawPacketReceiveMeta) Marshal() []byte {
	buf := make([]byte, headerSize+12)
	buf[0] = byte(KindSetRawPacketReceiveMeta)
	d.Common.marshal(buf[1:])
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], d.BaseAddr)
	binary.BigEndian.PutUint32(buf[off+8:], d.Key)
	return buf
}

func unmarshalSetRawPacketReceiveMeta(common Common, buf []byte) (SetRawPacketReceiveMeta, error) {
	if len(buf) < 12 {
		return SetRawPacketReceiveMeta{}, fmt.Errorf("ctrldesc: SetRawPacketReceiveMeta: short buffer")
	}
	return SetRawPacketReceiveMeta{
		Common:   common,
		BaseAddr: binary.BigEndian.Uint64(buf[0:]),
		Key:      binary.BigEndian.Uint32(buf[8:]),
	}, nil
}

// Decode inspects the kind tag of buf and returns the corresponding
// descriptor value (one of the Update*/QpManagement/SetNetworkParam/
// SetRawPacketReceiveMeta types) as an any, the way the kernel UAPI
// marshaler this is grounded on dispatches by type.
func Decode(buf []byte) (any, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("ctrldesc: Decode: short buffer")
	}
	kind := Kind(buf[0])
	common := unmarshalCommon(buf[1:])
	body := buf[headerSize:]

	switch kind {
	case KindUpdatePageTable:
		return unmarshalUpdatePageTable(common, body)
	case KindUpdateMrTable:
		return unmarshalUpdateMrTable(common, body)
	case KindQpManagement:
		return unmarshalQpManagement(common, body)
	case KindSetNetworkParam:
		return unmarshalSetNetworkParam(common, body)
	case KindSetRawPacketReceiveMeta:
		return unmarshalSetRawPacketReceiveMeta(common, body)
	default:
		return nil, fmt.Errorf("ctrldesc: Decode: unknown kind %d", kind)
	}
}

// OpID extracts the op_id common to every control descriptor without a
// full Decode, used by the poller to key the operation-context lookup.
func OpID(buf []byte) (uint32, bool, error) {
	if len(buf) < headerSize {
		return 0, false, fmt.Errorf("ctrldesc: OpID: short buffer")
	}
	c := unmarshalCommon(buf[1:])
	return c.OpID, c.IsSuccess, nil
}

// SetSuccess rewrites the IsSuccess byte of any control descriptor in
// place, letting a software device turn a submitted request into its own
// response without a full decode/re-marshal round trip.
func SetSuccess(buf []byte, ok bool) error {
	if len(buf) < headerSize {
		return fmt.Errorf("ctrldesc: SetSuccess: short buffer")
	}
	if ok {
		buf[headerSize-1] = 1
	} else {
		buf[headerSize-1] = 0
	}
	return nil
}
