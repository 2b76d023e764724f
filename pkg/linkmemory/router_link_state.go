package linkmemory

import (
	"sync/atomic"
	"unsafe"

	"github.com/skycoin/nodelink/pkg/routing"
)

// RouterLinkStateSize is the size of a RouterLinkState in shared memory.
const RouterLinkStateSize = 64

// Status bits of a RouterLinkState.
const (
	stableA uint32 = 1 << iota
	stableB
	lockedByA
	lockedByB
	waitingForStabilityA
	waitingForStabilityB
	notifyOnConsumeA
	notifyOnConsumeB
)

// Layout:
//   [0:4]   status
//   [8:24]  allowed bypass request source
//   [24:32] parcels queued on side A
//   [32:40] bytes queued on side A
//   [40:48] parcels queued on side B
//   [48:56] bytes queued on side B
const (
	statusOffset        = 0
	bypassSourceOffset  = 8
	queueStateAOffset   = 24
	queueStateBOffset   = 40
	queueStateBytesSkip = 8
)

// RouterLinkState is shared by both sides of a central link. It coordinates
// bypass locking and carries the queue state each side reports for flow
// control.
type RouterLinkState struct {
	b []byte
}

// NewRouterLinkState wraps an addressable fragment.
func NewRouterLinkState(f Fragment) (*RouterLinkState, bool) {
	if !f.IsAddressable() || len(f.Bytes()) < RouterLinkStateSize {
		return nil, false
	}
	if uintptr(unsafe.Pointer(&f.Bytes()[0]))%8 != 0 {
		return nil, false
	}
	return &RouterLinkState{b: f.Bytes()[:RouterLinkStateSize]}, true
}

// NewLocalRouterLinkState allocates a RouterLinkState in private memory, for
// links between routers on the same node.
func NewLocalRouterLinkState() *RouterLinkState {
	words := make([]uint64, RouterLinkStateSize/8)
	return &RouterLinkState{b: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), RouterLinkStateSize)}
}

// Initialize resets the state. Only the creator of a fresh state calls it.
func (s *RouterLinkState) Initialize() {
	for i := 0; i < RouterLinkStateSize; i += 8 {
		atomic.StoreUint64(s.word(i), 0)
	}
}

func (s *RouterLinkState) status() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.b[statusOffset]))
}

func (s *RouterLinkState) word(offset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.b[offset]))
}

func bit(side routing.LinkSide, a, b uint32) uint32 {
	if side == routing.SideA {
		return a
	}
	return b
}

// SetSideStable marks side as having no decaying links.
func (s *RouterLinkState) SetSideStable(side routing.LinkSide) {
	s.update(func(st uint32) uint32 { return st | bit(side, stableA, stableB) })
}

// IsStable reports whether both sides are stable.
func (s *RouterLinkState) IsStable() bool {
	st := atomic.LoadUint32(s.status())
	return st&(stableA|stableB) == stableA|stableB
}

// IsSideStable reports whether side is stable.
func (s *RouterLinkState) IsSideStable(side routing.LinkSide) bool {
	return atomic.LoadUint32(s.status())&bit(side, stableA, stableB) != 0
}

// TryLock locks the link for bypass by side. It fails unless both sides are
// stable and the link is unlocked.
func (s *RouterLinkState) TryLock(side routing.LinkSide) bool {
	for {
		st := atomic.LoadUint32(s.status())
		if st&(stableA|stableB) != stableA|stableB || st&(lockedByA|lockedByB) != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.status(), st, st|bit(side, lockedByA, lockedByB)) {
			return true
		}
	}
}

// Unlock releases a lock held by side.
func (s *RouterLinkState) Unlock(side routing.LinkSide) {
	s.update(func(st uint32) uint32 { return st &^ bit(side, lockedByA, lockedByB) })
}

// IsLockedBy reports whether side holds the lock.
func (s *RouterLinkState) IsLockedBy(side routing.LinkSide) bool {
	return atomic.LoadUint32(s.status())&bit(side, lockedByA, lockedByB) != 0
}

// SetWaitingForStability records that side waits for the other side to
// become stable. It returns false if the other side is already stable, in
// which case nothing is recorded.
func (s *RouterLinkState) SetWaitingForStability(side routing.LinkSide) bool {
	other := bit(side.Opposite(), stableA, stableB)
	for {
		st := atomic.LoadUint32(s.status())
		if st&other != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.status(), st, st|bit(side, waitingForStabilityA, waitingForStabilityB)) {
			return true
		}
	}
}

// ResetWaitingForStability clears the waiting bit of side and reports
// whether it was set.
func (s *RouterLinkState) ResetWaitingForStability(side routing.LinkSide) bool {
	mask := bit(side, waitingForStabilityA, waitingForStabilityB)
	old := s.update(func(st uint32) uint32 { return st &^ mask })
	return old&mask != 0
}

// SetAllowedBypassSource records the only node which may request a bypass of
// the link. It must be set before locking.
func (s *RouterLinkState) SetAllowedBypassSource(name routing.NodeName) {
	atomic.StoreUint64(s.word(bypassSourceOffset), *(*uint64)(unsafe.Pointer(&name[0])))
	atomic.StoreUint64(s.word(bypassSourceOffset+8), *(*uint64)(unsafe.Pointer(&name[8])))
}

// AllowedBypassSource returns the name set with SetAllowedBypassSource.
func (s *RouterLinkState) AllowedBypassSource() routing.NodeName {
	var name routing.NodeName
	*(*uint64)(unsafe.Pointer(&name[0])) = atomic.LoadUint64(s.word(bypassSourceOffset))
	*(*uint64)(unsafe.Pointer(&name[8])) = atomic.LoadUint64(s.word(bypassSourceOffset + 8))
	return name
}

// UpdateQueueState publishes the inbound queue state of side.
func (s *RouterLinkState) UpdateQueueState(side routing.LinkSide, parcels, bytes uint64) {
	off := queueStateAOffset
	if side == routing.SideB {
		off = queueStateBOffset
	}
	atomic.StoreUint64(s.word(off), parcels)
	atomic.StoreUint64(s.word(off+queueStateBytesSkip), bytes)
}

// QueueState returns the inbound queue state published by side.
func (s *RouterLinkState) QueueState(side routing.LinkSide) (parcels, bytes uint64) {
	off := queueStateAOffset
	if side == routing.SideB {
		off = queueStateBOffset
	}
	return atomic.LoadUint64(s.word(off)), atomic.LoadUint64(s.word(off + queueStateBytesSkip))
}

// SetNotifyOnConsume asks for a NotifyDataConsumed to be sent to side when
// the other side consumes inbound parcels.
func (s *RouterLinkState) SetNotifyOnConsume(side routing.LinkSide) {
	s.update(func(st uint32) uint32 { return st | bit(side, notifyOnConsumeA, notifyOnConsumeB) })
}

// ResetNotifyOnConsume clears the request of side and reports whether it was
// set.
func (s *RouterLinkState) ResetNotifyOnConsume(side routing.LinkSide) bool {
	mask := bit(side, notifyOnConsumeA, notifyOnConsumeB)
	old := s.update(func(st uint32) uint32 { return st &^ mask })
	return old&mask != 0
}

func (s *RouterLinkState) update(f func(uint32) uint32) (old uint32) {
	for {
		st := atomic.LoadUint32(s.status())
		if atomic.CompareAndSwapUint32(s.status(), st, f(st)) {
			return st
		}
	}
}
