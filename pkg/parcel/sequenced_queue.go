package parcel

import (
	"github.com/skycoin/nodelink/pkg/routing"
)

// maxSequenceGap bounds how far ahead of the queue head a parcel may be
// pushed.
const maxSequenceGap = 1 << 16

// SequencedQueue orders parcels by sequence number. Parcels may be pushed in
// any order but are popped strictly in sequence, with no gaps. The queue may
// be given a final length, after which it accepts no parcels at or beyond
// that length.
//
// SequencedQueue is not safe for concurrent use.
type SequencedQueue struct {
	base     routing.SequenceNumber
	entries  []*Parcel
	hasFinal bool
	final    routing.SequenceNumber
}

// NewSequencedQueue constructs a queue whose next parcel is expected at
// base.
func NewSequencedQueue(base routing.SequenceNumber) *SequencedQueue {
	return &SequencedQueue{base: base}
}

// Push adds a parcel. It returns false for duplicates, parcels already
// popped and parcels at or beyond the final length.
func (q *SequencedQueue) Push(p *Parcel) bool {
	seq := p.SequenceNumber()
	if seq < q.base || (q.hasFinal && seq >= q.final) {
		return false
	}
	i := int(seq - q.base)
	if i >= maxSequenceGap {
		return false
	}
	for len(q.entries) <= i {
		q.entries = append(q.entries, nil)
	}
	if q.entries[i] != nil {
		return false
	}
	q.entries[i] = p
	return true
}

// HasNext reports whether the parcel at the head is available.
func (q *SequencedQueue) HasNext() bool {
	return len(q.entries) > 0 && q.entries[0] != nil
}

// Peek returns the parcel at the head without popping it.
func (q *SequencedQueue) Peek() (*Parcel, bool) {
	if !q.HasNext() {
		return nil, false
	}
	return q.entries[0], true
}

// Pop removes and returns the parcel at the head if it is available.
func (q *SequencedQueue) Pop() (*Parcel, bool) {
	if !q.HasNext() {
		return nil, false
	}
	p := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	q.base++
	return p, true
}

// CurrentSequenceNumber returns the sequence number of the next parcel to
// pop.
func (q *SequencedQueue) CurrentSequenceNumber() routing.SequenceNumber {
	return q.base
}

// ContiguousLength returns the length of the sequence received without gaps,
// counting parcels already popped.
func (q *SequencedQueue) ContiguousLength() routing.SequenceNumber {
	return q.base + routing.SequenceNumber(q.NumAvailable())
}

// NumAvailable returns the number of parcels which can be popped without
// waiting for a gap to fill.
func (q *SequencedQueue) NumAvailable() int {
	n := 0
	for n < len(q.entries) && q.entries[n] != nil {
		n++
	}
	return n
}

// TotalAvailableBytes returns the data size of the available parcels.
func (q *SequencedQueue) TotalAvailableBytes() int {
	total := 0
	for _, p := range q.entries {
		if p == nil {
			break
		}
		total += p.DataSize()
	}
	return total
}

// Len returns the number of queued parcels, including those behind a gap.
func (q *SequencedQueue) Len() int {
	n := 0
	for _, p := range q.entries {
		if p != nil {
			n++
		}
	}
	return n
}

// SetFinalSequenceLength fixes the length of the sequence. It fails if a
// different length was already set or parcels at or beyond length were
// already popped or pushed.
func (q *SequencedQueue) SetFinalSequenceLength(length routing.SequenceNumber) bool {
	if q.hasFinal {
		return q.final == length
	}
	if length < q.base {
		return false
	}
	for i := int(length - q.base); i < len(q.entries); i++ {
		if q.entries[i] != nil {
			return false
		}
	}
	if int(length-q.base) < len(q.entries) {
		q.entries = q.entries[:length-q.base]
	}
	q.hasFinal = true
	q.final = length
	return true
}

// FinalSequenceLength returns the final length, if set.
func (q *SequencedQueue) FinalSequenceLength() (routing.SequenceNumber, bool) {
	return q.final, q.hasFinal
}

// ForceTerminateSequence fixes the final length at the end of the contiguous
// sequence, dropping anything queued behind a gap. The dropped parcels are
// returned.
func (q *SequencedQueue) ForceTerminateSequence() []*Parcel {
	n := q.NumAvailable()
	if q.hasFinal && q.final <= q.base+routing.SequenceNumber(n) {
		return nil
	}
	var dropped []*Parcel
	for _, p := range q.entries[n:] {
		if p != nil {
			dropped = append(dropped, p)
		}
	}
	q.entries = q.entries[:n]
	q.hasFinal = true
	q.final = q.base + routing.SequenceNumber(n)
	return dropped
}

// IsSequenceFullyConsumed reports whether the final length is known and
// every parcel was popped.
func (q *SequencedQueue) IsSequenceFullyConsumed() bool {
	return q.hasFinal && q.base >= q.final
}

// ExpectsMore reports whether more parcels may still be pushed.
func (q *SequencedQueue) ExpectsMore() bool {
	return !q.hasFinal || q.ContiguousLength() < q.final
}
