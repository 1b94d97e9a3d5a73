package rdma

import "sync"

// qpEntry is one queue pair's connection and sequencing state.
type qpEntry struct {
	mu sync.Mutex

	pd       Pd
	qpType   QpType
	pmtu     Pmtu
	rqAccess AccessFlag
	dqpIP    [4]byte
	dqpMac   MacAddr

	// sendPsn is the next PSN this QP will assign to an outbound request
	// packet; sendMsn counts the write messages this QP has completed as a
	// responder and is carried in the MSN field of the ACKs it sends.
	sendPsn uint32
	sendMsn uint32

	// expectedPsn is the responder-side sliding-window cursor described by
	// the out-of-order/duplicate handling rules: a request whose PSN
	// matches is processed and advances it, a lower PSN is a duplicate
	// (re-ack without reapplying), a higher PSN is out-of-order (NAK and
	// drop).
	expectedPsn uint32

	// lastAck is the most recently sent Acknowledge body, replayed verbatim
	// when a duplicate request arrives.
	lastAck    []byte
	hasLastAck bool
}

// qpTable is the Device's queue pair table: a fixed QPN space with
// explicit allocation and destruction, matching "QPNs are drawn from a
// fixed allocator; reuse requires explicit destruction."
type qpTable struct {
	mu      sync.Mutex
	entries map[Qpn]*qpEntry
	nextQpn Qpn
	maxQpn  Qpn
}

func newQpTable() *qpTable {
	return &qpTable{entries: make(map[Qpn]*qpEntry), maxQpn: MaxQpCnt}
}

// alloc reserves a QPN for cfg and installs its initial state. If
// preferred is non-zero and free, it is used; otherwise the next free QPN
// from the allocator's cursor is assigned.
func (t *qpTable) alloc(preferred Qpn, cfg *qpConfig) (Qpn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if Qpn(len(t.entries)) >= t.maxQpn {
		return 0, NewError("CreateQP", ErrCodeResourceExhausted, "qp table full")
	}

	qpn := preferred
	if qpn == 0 {
		if _, taken := t.entries[0]; taken {
			qpn = 0
		}
	}
	if qpn == 0 || t.taken(qpn) {
		var err error
		qpn, err = t.nextFree()
		if err != nil {
			return 0, err
		}
	}

	t.entries[qpn] = &qpEntry{
		pd:       cfg.pd,
		qpType:   cfg.qpType,
		pmtu:     cfg.pmtu,
		rqAccess: cfg.rqAccFlags,
		dqpIP:    cfg.dqpIP,
		dqpMac:   cfg.dqpMac,
	}
	t.nextQpn = qpn + 1
	return qpn, nil
}

func (t *qpTable) taken(qpn Qpn) bool {
	_, ok := t.entries[qpn]
	return ok
}

func (t *qpTable) nextFree() (Qpn, error) {
	for i := Qpn(0); i < t.maxQpn; i++ {
		cand := (t.nextQpn + i) % t.maxQpn
		if _, ok := t.entries[cand]; !ok {
			return cand, nil
		}
	}
	return 0, NewError("CreateQP", ErrCodeResourceExhausted, "qp table full")
}

// dealloc removes qpn's entry. Destroying an unknown QPN is a no-op.
func (t *qpTable) dealloc(qpn Qpn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, qpn)
}

// get returns qpn's entry pointer, which callers mutate under the
// returned lock-release discipline of withQP.
func (t *qpTable) get(qpn Qpn) (*qpEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[qpn]
	return e, ok
}

// withQP runs fn with exclusive access to qpn's entry, serializing
// PSN/MSN advancement and ack bookkeeping per QP the way the responder
// rules in the data-flow description require. The table lock only guards
// the lookup; the entry's own mutex guards fn so a slow Write/Read caller
// never blocks unrelated QPs.
func (t *qpTable) withQP(qpn Qpn, fn func(e *qpEntry) error) error {
	t.mu.Lock()
	e, ok := t.entries[qpn]
	t.mu.Unlock()
	if !ok {
		return NewQPError("withQP", uint32(qpn), ErrCodeInvalid, "unknown qpn")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}

// nextSendPsn returns the current send PSN and advances it by count,
// wrapping modulo PsnModulus.
func (e *qpEntry) nextSendPsn(count uint32) uint32 {
	psn := e.sendPsn
	e.sendPsn = (e.sendPsn + count) % PsnModulus
	return psn
}

// psnCompare reports the sliding-window ordering of psn against
// e.expectedPsn: 0 if equal, -1 if psn is an already-seen duplicate, 1 if
// psn is ahead of what's expected.
func (e *qpEntry) psnCompare(psn uint32) int {
	if psn == e.expectedPsn {
		return 0
	}
	diff := (psn - e.expectedPsn + PsnModulus) % PsnModulus
	if diff < PsnModulus/2 {
		return 1
	}
	return -1
}

func (e *qpEntry) advanceExpected() {
	e.expectedPsn = (e.expectedPsn + 1) % PsnModulus
}
