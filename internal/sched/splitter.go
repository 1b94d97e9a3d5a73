package sched

// PacketPlan is one wire packet's worth of bookkeeping produced by Split:
// its byte range within the logical transfer, its PSN, and whether it is
// the first/last packet of the message.
type PacketPlan struct {
	Offset  uint32
	Length  uint32
	Psn     uint32
	IsFirst bool
	IsLast  bool
}

// Split divides a logical transfer of totalLen bytes to remote address
// raddr into PMTU-sized packets, assigning consecutive PSNs starting at
// startPsn (wrapping modulo 2^24). It mirrors proto.PacketCount /
// proto.FirstPacketLen exactly; the two are kept decoupled (sched does not
// import proto) so the scheduler package has no wire-format dependency.
func Split(raddr uint64, totalLen uint32, pmtu uint32, startPsn uint32) []PacketPlan {
	first := pmtu - uint32(raddr%uint64(pmtu))
	if first > totalLen {
		first = totalLen
	}

	plans := []PacketPlan{{Offset: 0, Length: first, Psn: startPsn, IsFirst: true}}

	offset := first
	psn := (startPsn + 1) % psnModulus
	for offset < totalLen {
		length := pmtu
		if remaining := totalLen - offset; remaining < length {
			length = remaining
		}
		plans = append(plans, PacketPlan{Offset: offset, Length: length, Psn: psn})
		offset += length
		psn = (psn + 1) % psnModulus
	}

	plans[len(plans)-1].IsLast = true
	if len(plans) == 1 {
		plans[0].IsLast = true
	}
	return plans
}

const psnModulus = 1 << 24
