package proto

import "fmt"

const (
	// IPv4DefaultVersionAndIHL is the version(4)/IHL(4) byte for a 20-byte
	// header with no options.
	IPv4DefaultVersionAndIHL = 0x45
	// IPv4DefaultDSCPAndECN is the default traffic-class byte.
	IPv4DefaultDSCPAndECN = 0x00
	// IPv4ProtocolUDP is the IP protocol number for UDP.
	IPv4ProtocolUDP = 0x11
	// IPv4DefaultTTL is the time-to-live this driver stamps on outbound
	// frames.
	IPv4DefaultTTL = 64
)

// IPv4HeaderSize is the wire size of an IPv4 header with no options.
const IPv4HeaderSize = 20

// IPv4Header is the subset of IPv4 header fields this driver needs to
// build and validate RDMA-over-UDP frames. Options are never emitted or
// expected.
type IPv4Header struct {
	DSCPAndECN  uint8
	TotalLength uint16
	Identification uint16
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	SrcAddr     [4]byte
	DstAddr     [4]byte
}

func (h *IPv4Header) Marshal(buf []byte) error {
	if len(buf) < IPv4HeaderSize {
		return fmt.Errorf("proto: IPv4Header.Marshal: buffer too short: have %d want %d", len(buf), IPv4HeaderSize)
	}
	buf[0] = IPv4DefaultVersionAndIHL
	buf[1] = h.DSCPAndECN
	buf[2] = uint8(h.TotalLength >> 8)
	buf[3] = uint8(h.TotalLength)
	buf[4] = uint8(h.Identification >> 8)
	buf[5] = uint8(h.Identification)
	buf[6] = 0 // flags/fragment offset high
	buf[7] = 0
	buf[8] = h.TTL
	buf[9] = h.Protocol
	buf[10] = 0 // checksum placeholder
	buf[11] = 0
	copy(buf[12:16], h.SrcAddr[:])
	copy(buf[16:20], h.DstAddr[:])

	csum := internetChecksum(buf[:IPv4HeaderSize])
	buf[10] = uint8(csum >> 8)
	buf[11] = uint8(csum)
	h.Checksum = csum
	return nil
}

func (h *IPv4Header) Unmarshal(buf []byte) error {
	if len(buf) < IPv4HeaderSize {
		return fmt.Errorf("proto: IPv4Header.Unmarshal: buffer too short: have %d want %d", len(buf), IPv4HeaderSize)
	}
	h.DSCPAndECN = buf[1]
	h.TotalLength = uint16(buf[2])<<8 | uint16(buf[3])
	h.Identification = uint16(buf[4])<<8 | uint16(buf[5])
	h.TTL = buf[8]
	h.Protocol = buf[9]
	h.Checksum = uint16(buf[10])<<8 | uint16(buf[11])
	copy(h.SrcAddr[:], buf[12:16])
	copy(h.DstAddr[:], buf[16:20])
	return nil
}

// StampIPIdentification rewrites the Identification field of an
// already-marshaled IPv4 header in place and recomputes the header
// checksum to match, so a transport that assigns IP IDs at send time (one
// per outbound packet, rather than at frame-build time) doesn't have to
// re-marshal the whole header.
func StampIPIdentification(frame []byte, id uint16) error {
	if len(frame) < IPv4HeaderSize {
		return fmt.Errorf("proto: StampIPIdentification: frame shorter than an IP header")
	}
	frame[4] = uint8(id >> 8)
	frame[5] = uint8(id)
	frame[10] = 0
	frame[11] = 0
	csum := internetChecksum(frame[:IPv4HeaderSize])
	frame[10] = uint8(csum >> 8)
	frame[11] = uint8(csum)
	return nil
}

// internetChecksum computes the ones-complement Internet checksum (RFC
// 1071) over b, treating any trailing odd byte as padded with zero.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// UDPHeaderSize is the wire size of a UDP header.
const UDPHeaderSize = 8

// UDPHeader is the UDP envelope RDMA frames travel in. Checksum is left
// zero, which is valid for IPv4 UDP datagrams.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func (h *UDPHeader) Marshal(buf []byte) error {
	if len(buf) < UDPHeaderSize {
		return fmt.Errorf("proto: UDPHeader.Marshal: buffer too short: have %d want %d", len(buf), UDPHeaderSize)
	}
	buf[0] = uint8(h.SrcPort >> 8)
	buf[1] = uint8(h.SrcPort)
	buf[2] = uint8(h.DstPort >> 8)
	buf[3] = uint8(h.DstPort)
	buf[4] = uint8(h.Length >> 8)
	buf[5] = uint8(h.Length)
	buf[6] = uint8(h.Checksum >> 8)
	buf[7] = uint8(h.Checksum)
	return nil
}

func (h *UDPHeader) Unmarshal(buf []byte) error {
	if len(buf) < UDPHeaderSize {
		return fmt.Errorf("proto: UDPHeader.Unmarshal: buffer too short: have %d want %d", len(buf), UDPHeaderSize)
	}
	h.SrcPort = uint16(buf[0])<<8 | uint16(buf[1])
	h.DstPort = uint16(buf[2])<<8 | uint16(buf[3])
	h.Length = uint16(buf[4])<<8 | uint16(buf[5])
	h.Checksum = uint16(buf[6])<<8 | uint16(buf[7])
	return nil
}

// IPUDPHeadersSize is the combined size of the IPv4 and UDP envelope that
// precedes every RDMA packet on the wire.
const IPUDPHeadersSize = IPv4HeaderSize + UDPHeaderSize
