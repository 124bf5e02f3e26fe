package mailbox

import (
	mapset "github.com/deckarep/golang-set"
)

// Handle identifies one open (subscriber-side) binding to a descriptor.
// Distinct from the descriptor itself: two PIDs opening the same
// descriptor get distinct handles with independent last_seq_delivered
// cursors, per spec.md §3's Subscriber handle model.
type Handle uint32

// Descriptor is the per-mailbox state keyed by qualified name, per
// spec.md §3.
type Descriptor struct {
	Name          string
	NS            Namespace
	CapacityBytes uint32
	Policy        Policy
	ModeMask      Mode
	OwnerPID      uint16
	SeqNo         uint32

	messages   *msgRing
	usedBytes  uint32
	subs       mapset.Set // Handle
	taps       mapset.Set // Handle
	waitSend   []uint16   // PIDs blocked on SEND under fanout-block, FIFO
}

func newDescriptor(ns Namespace, name string, capacityBytes uint32, mode Mode, policy Policy, ownerPID uint16) *Descriptor {
	// Ring capacity is sized generously in message slots; byte accounting
	// against CapacityBytes is enforced separately in Send.
	const defaultSlotCount = 64
	return &Descriptor{
		Name:          name,
		NS:            ns,
		CapacityBytes: capacityBytes,
		Policy:        policy,
		ModeMask:      mode,
		OwnerPID:      ownerPID,
		messages:      newMsgRing(defaultSlotCount),
		subs:          mapset.NewSet(),
		taps:          mapset.NewSet(),
	}
}

// Subscriber is per-open (per-handle) reader state, per spec.md §3.
type Subscriber struct {
	Descriptor       *Descriptor
	PID              uint16
	Mode             Mode
	IsTap            bool
	LastSeqDelivered uint32
	OverrunLatch     bool
}

// RecvInfo is the optional out-parameter returned alongside RECV, carrying
// the OVERRUN flag per spec.md §4.3.
type RecvInfo struct {
	Flags uint16
}
