package rdma

import "time"

// Fixed sizes and limits from the data model (§3).
const (
	// PageSizeMin is the smallest page size a memory region may be
	// registered with: 2 MiB, matching the hugepage granularity the
	// physical-address adaptor hands back.
	PageSizeMin = 2 << 20

	// MrPgtSize is the number of page-table entry indices each Device's
	// free-block allocator manages, shared by every MR registered on it.
	MrPgtSize = 1 << 17

	// MrKeyIdxBitCnt is the number of high bits of a Key that encode the MR
	// table slot index; the remaining low bits are a random access tag.
	MrKeyIdxBitCnt = 8

	// MrTableSize is the number of memory region slots a Device supports.
	MrTableSize = 1 << MrKeyIdxBitCnt

	// MaxPdCnt bounds the number of protection domains a Device supports.
	MaxPdCnt = 1 << 16

	// MaxQpCnt bounds the number of queue pairs a Device supports.
	MaxQpCnt = 1 << 16

	// IcrcSize is the length, in bytes, of the trailing invariant-CRC field
	// appended to every RDMA-over-UDP frame.
	IcrcSize = 4

	// RdmaPayloadAlignment is the boundary RDMA payload is padded to before
	// the ICRC trailer.
	RdmaPayloadAlignment = 4

	// RdmaUDPPort is the destination UDP port RoCEv2-style RDMA frames are
	// sent to, matching the InfiniBand/RoCEv2 convention.
	RdmaUDPPort = 4791

	// PsnModulus is the modulus PSN and MSN arithmetic wraps at: 2^24.
	PsnModulus = 1 << 24

	// MaxSgeCount is the maximum number of scatter/gather elements a single
	// work descriptor may carry.
	MaxSgeCount = 4
)

// Default device parameters, mirrored by DefaultParams.
const (
	DefaultCtrlRingDepth = 64
	DefaultWorkRingDepth = 1024
	DefaultPmtu          = PmtuMtu1024
	DefaultAckTimeout    = 200 * time.Millisecond
	DefaultRecvPoll      = 50 * time.Millisecond
)
