package mailbox

import (
	"fmt"
	"sync"
)

// Errno enumerates the mailbox SVC error codes from spec.md §7.
type Errno uint8

const (
	OK Errno = iota
	ENOENT
	EPERM
	EEXIST
	ENOSPC
	WOULDBLOCK
	TIMEOUT
	NO_DATA
	INVALID_HANDLE
	MSG_TOO_LARGE
	NO_DESCRIPTOR
	INTERNAL_ERROR
)

func (e Errno) Error() string {
	names := [...]string{
		"OK", "ENOENT", "EPERM", "EEXIST", "ENOSPC", "WOULDBLOCK",
		"TIMEOUT", "NO_DATA", "INVALID_HANDLE", "MSG_TOO_LARGE",
		"NO_DESCRIPTOR", "INTERNAL_ERROR",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("errno(%d)", e)
}

// WakeEvent tells the scheduler which PID to transition Waiting->Ready and
// why, per the wake protocol in spec.md §4.3.
type WakeEvent struct {
	PID    uint16
	Reason string // "recv" | "send"
}

// Manager owns the descriptor table and subscriber handle table. Most calls
// come from the scheduler's single command-processing goroutine (see
// spec.md §5); CALL_ASYNC completions and value-watch notifications post
// from the registry's handler goroutine, so every method takes the mutex.
type Manager struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	subscribers map[Handle]*Subscriber
	nextHandle  Handle
}

// NewManager creates an empty mailbox manager and binds the reserved
// stdio descriptors, per spec.md §4.3.
func NewManager() *Manager {
	m := &Manager{
		descriptors: make(map[string]*Descriptor),
		subscribers: make(map[Handle]*Subscriber),
		nextHandle:  1,
	}
	for _, name := range []string{StdioIn, StdioOut, StdioErr} {
		m.descriptors[name] = newDescriptor(NSSvc, name, 4096, ModeRDONLY|ModeWRONLY, PolicyFanoutDrop, 0)
	}
	return m
}

func qualifiedName(ns Namespace, name string) string {
	return ns.Prefix() + name
}

// Bind creates a new descriptor. EEXIST if one already exists with a
// conflicting mode; ENOSPC if capacityBytes exceeds the resource ceiling
// or the qualified name is too long.
func (m *Manager) Bind(ns Namespace, name string, capacityBytes uint32, mode Mode, policy Policy, ownerPID uint16) (Handle, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qn := qualifiedName(ns, name)
	if len(qn) > MaxNameLen {
		return 0, ENOSPC
	}
	if _, exists := m.descriptors[qn]; exists {
		return 0, EEXIST
	}
	d := newDescriptor(ns, qn, capacityBytes, mode, policy, ownerPID)
	m.descriptors[qn] = d
	return m.openLocked(d, mode, ownerPID, false)
}

// Open attaches a new subscriber handle to an existing descriptor.
func (m *Manager) Open(ns Namespace, name string, mode Mode, pid uint16) (Handle, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qn := qualifiedName(ns, name)
	d, ok := m.descriptors[qn]
	if !ok {
		return 0, ENOENT
	}
	return m.openLocked(d, mode, pid, false)
}

func (m *Manager) openLocked(d *Descriptor, mode Mode, pid uint16, isTap bool) (Handle, Errno) {
	h := m.nextHandle
	m.nextHandle++
	sub := &Subscriber{Descriptor: d, PID: pid, Mode: mode, IsTap: isTap, LastSeqDelivered: d.SeqNo}
	m.subscribers[h] = sub
	if isTap {
		d.taps.Add(h)
	} else {
		d.subs.Add(h)
	}
	return h, OK
}

func (m *Manager) lookup(h Handle) (*Subscriber, Errno) {
	sub, ok := m.subscribers[h]
	if !ok {
		return nil, INVALID_HANDLE
	}
	return sub, OK
}

// nonTapSubCount returns the count of subscribers that count toward
// drop/block eligibility, excluding taps, per spec.md §4.3.
func nonTapSubCount(d *Descriptor) int { return d.subs.Cardinality() }

// laggingNonTapSubs reports whether any non-tap subscriber other than
// excludeHandle still has last_seq_delivered behind the oldest message.
// Write-only handles never receive, so they are not counted.
func (m *Manager) laggingNonTapSubs(d *Descriptor, excludeHandle Handle) bool {
	oldestSeq := d.SeqNo - uint32(d.messages.Len()) + 1
	lagging := false
	d.subs.Each(func(v interface{}) bool {
		h := v.(Handle)
		if h == excludeHandle {
			return false
		}
		sub := m.subscribers[h]
		if sub != nil && sub.Mode&ModeRDONLY != 0 && sub.LastSeqDelivered < oldestSeq {
			lagging = true
			return true
		}
		return false
	})
	return lagging
}

// Send enqueues a message. woken lists PIDs that should transition
// Waiting->Ready because this SEND delivered to them (exclusive/fanout
// RECV waiters). Under fanout-block with a lagging subscriber, the sender
// itself must be blocked: callers detect this via Errno==WOULDBLOCK and
// the scheduler transitions the sender to Waiting, recording it in the
// descriptor's waitSend queue via BlockSender.
func (m *Manager) Send(h Handle, srcPID uint16, payload []byte, flags, channel uint16) (int, []WakeEvent, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, errno := m.lookup(h)
	if errno != OK {
		return 0, nil, errno
	}
	d := sub.Descriptor
	frameLen := uint32(len(payload)) // capacity counts payload bytes only

	if frameLen > d.CapacityBytes {
		return 0, nil, MSG_TOO_LARGE
	}

	if d.messages.Full() || d.usedBytes+frameLen > d.CapacityBytes {
		switch d.Policy {
		case PolicyExclusive:
			return 0, nil, WOULDBLOCK
		case PolicyFanoutBlock:
			if m.laggingNonTapSubs(d, 0) {
				return 0, nil, WOULDBLOCK
			}
			evicted, _ := d.messages.Peek()
			d.messages.DropHead()
			d.usedBytes -= uint32(len(evicted.Payload))
		case PolicyFanoutDrop:
			evicted, _ := d.messages.Peek()
			d.messages.DropHead()
			d.usedBytes -= uint32(len(evicted.Payload))
			m.latchOverrunOnLaggers(d)
		}
	}

	d.SeqNo++
	msg := Message{Seq: d.SeqNo, SrcPID: srcPID, Channel: channel, Flags: flags, Payload: append([]byte{}, payload...)}
	d.messages.Push(msg)
	d.usedBytes += frameLen

	var woken []WakeEvent
	d.subs.Each(func(v interface{}) bool {
		hh := v.(Handle)
		s := m.subscribers[hh]
		if s != nil && hh != h {
			woken = append(woken, WakeEvent{PID: s.PID, Reason: "recv"})
		}
		return false
	})
	return len(payload), woken, OK
}

// latchOverrunOnLaggers marks the overrun latch for every subscriber whose
// cursor now points behind the new oldest message, per spec.md §4.3 /
// §8's fan-out-drop-safety property.
func (m *Manager) latchOverrunOnLaggers(d *Descriptor) {
	oldestSeq := d.SeqNo - uint32(d.messages.Len()) + 1
	d.subs.Each(func(v interface{}) bool {
		h := v.(Handle)
		s := m.subscribers[h]
		if s != nil && s.LastSeqDelivered < oldestSeq-1 {
			s.OverrunLatch = true
		}
		return false
	})
}

// Recv dequeues the next message for this subscriber. woken lists PIDs
// whose blocked SEND (fanout-block) may now proceed because this RECV
// advanced the subscriber's cursor past the oldest slot.
func (m *Manager) Recv(h Handle, maxlen int) (Message, RecvInfo, []WakeEvent, Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, errno := m.lookup(h)
	if errno != OK {
		return Message{}, RecvInfo{}, nil, errno
	}
	d := sub.Descriptor

	idx := -1
	for i := 0; i < d.messages.Len(); i++ {
		msg, _ := d.messages.At(i)
		if msg.Seq > sub.LastSeqDelivered {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Message{}, RecvInfo{}, nil, NO_DATA
	}
	msg, _ := d.messages.At(idx)
	if maxlen > 0 && len(msg.Payload) > maxlen {
		msg.Payload = msg.Payload[:maxlen]
	}

	info := RecvInfo{}
	if sub.OverrunLatch {
		info.Flags |= FlagOVERRUN
		sub.OverrunLatch = false
	}
	sub.LastSeqDelivered = msg.Seq

	var woken []WakeEvent
	if d.Policy == PolicyFanoutBlock && len(d.waitSend) > 0 && !m.laggingNonTapSubs(d, 0) {
		pid := d.waitSend[0]
		d.waitSend = d.waitSend[1:]
		woken = append(woken, WakeEvent{PID: pid, Reason: "send"})
	}
	return msg, info, woken, OK
}

// BlockSender records a PID as blocked on SEND under fanout-block, for
// FIFO wake ordering (Open Question resolved in SPEC_FULL.md §4.3).
func (m *Manager) BlockSender(h Handle, pid uint16) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, errno := m.lookup(h)
	if errno != OK {
		return errno
	}
	sub.Descriptor.waitSend = append(sub.Descriptor.waitSend, pid)
	return OK
}

// Peek reports queue depth and head sequence without consuming.
func (m *Manager) Peek(h Handle) (depth int, headSeq uint32, err Errno) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, errno := m.lookup(h)
	if errno != OK {
		return 0, 0, errno
	}
	d := sub.Descriptor
	head, ok := d.messages.Peek()
	if !ok {
		return 0, 0, OK
	}
	return d.messages.Len(), head.Seq, OK
}

// Tap enables or disables non-destructive tap delivery for this handle.
func (m *Manager) Tap(h Handle, enable bool) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, errno := m.lookup(h)
	if errno != OK {
		return errno
	}
	d := sub.Descriptor
	if enable && !sub.IsTap {
		d.subs.Remove(h)
		d.taps.Add(h)
		sub.IsTap = true
	} else if !enable && sub.IsTap {
		d.taps.Remove(h)
		d.subs.Add(h)
		sub.IsTap = false
	}
	return OK
}

// Close releases a subscriber handle.
func (m *Manager) Close(h Handle) Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, errno := m.lookup(h)
	if errno != OK {
		return errno
	}
	if sub.IsTap {
		sub.Descriptor.taps.Remove(h)
	} else {
		sub.Descriptor.subs.Remove(h)
	}
	delete(m.subscribers, h)
	return OK
}

// HasPending reports whether a RECV on h would return data without
// blocking, used by the scheduler to decide Waiting->Ready on wake.
func (m *Manager) HasPending(h Handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, errno := m.lookup(h)
	if errno != OK {
		return false
	}
	d := sub.Descriptor
	for i := 0; i < d.messages.Len(); i++ {
		msg, _ := d.messages.At(i)
		if msg.Seq > sub.LastSeqDelivered {
			return true
		}
	}
	return false
}
