// Package sched implements the round-robin work scheduler and the
// descriptor splitter that turns a logical read/write into PMTU-sized
// wire packets.
package sched

import (
	"container/list"
	"sync"
)

// Desc is an opaque to-card work descriptor. The scheduler only needs to
// know which QP it belongs to; everything else is payload the caller
// attaches and retrieves after Pop.
type Desc struct {
	Qpn     uint32
	Payload []byte
}

type qpQueue struct {
	qpn   uint32
	descs []Desc
}

// RoundRobin dequeues per-QP work in strict rotation: each Pop serves a
// different qpn than the previous one as long as at least two qpns have
// pending work, and descriptors within a qpn are served in push order.
//
// The queue of (qpn, fifo) pairs is kept in a container/list so push can
// append to an existing qpn's fifo in O(1) and pop can rotate the served
// entry to the tail in O(1), without hand-rolling pointer links.
type RoundRobin struct {
	mu      sync.Mutex
	entries *list.List          // of *qpQueue, ordered oldest-unserved-first
	byQpn   map[uint32]*list.Element
}

// NewRoundRobin returns an empty scheduler.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		entries: list.New(),
		byQpn:   make(map[uint32]*list.Element),
	}
}

// Push enqueues batch under qpn. If qpn already has pending work, batch is
// appended to its fifo, preserving submission order; otherwise a new
// entry is appended at the tail.
func (r *RoundRobin) Push(qpn uint32, batch []Desc) {
	if len(batch) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.byQpn[qpn]; ok {
		q := el.Value.(*qpQueue)
		q.descs = append(q.descs, batch...)
		return
	}

	q := &qpQueue{qpn: qpn, descs: append([]Desc(nil), batch...)}
	el := r.entries.PushBack(q)
	r.byQpn[qpn] = el
}

// Pop removes and returns the head descriptor of the head entry, rotating
// that entry to the tail if it still has work, or dropping it otherwise.
// ok is false when no qpn has pending work.
func (r *RoundRobin) Pop() (desc Desc, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	front := r.entries.Front()
	if front == nil {
		return Desc{}, false
	}
	q := front.Value.(*qpQueue)
	desc = q.descs[0]
	q.descs = q.descs[1:]

	r.entries.Remove(front)
	delete(r.byQpn, q.qpn)

	if len(q.descs) > 0 {
		el := r.entries.PushBack(q)
		r.byQpn[q.qpn] = el
	}

	return desc, true
}

// Len returns the number of distinct qpns with pending work.
func (r *RoundRobin) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}
