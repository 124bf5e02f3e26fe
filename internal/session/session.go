package session

import (
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"

	"github.com/Hans-Einar/hsx/internal/sched"
)

// Errno enumerates session-layer error codes surfaced to the control
// endpoint, per spec.md §4.6/§7.
type Errno uint8

const (
	OK Errno = iota
	ENOENT
	EBUSY
)

// DefaultQueueDepth is the per-subscription queue floor from spec.md §4.6.
const DefaultQueueDepth = 64

// Session is one control-endpoint connection's identity and PID-lock set.
// Observer sessions never acquire locks and so never conflict with a
// debugging session's exclusivity.
type Session struct {
	ID                string
	Peer              string
	Capabilities      []string
	Observer          bool
	lockedPIDs        mapset.Set
	subs              mapset.Set
	keepaliveDeadline time.Time
}

// Subscription is one event stream bound to a session, with its own
// bounded queue and seq/ack cursors.
type Subscription struct {
	ID        string
	SessionID string

	mu           sync.Mutex
	filters      map[string]bool // empty = all event types
	queue        *eventRing
	nextSeq      uint64
	lastAcked    uint64
	droppedTotal uint64
}

// Streamer owns every session, subscription, and the cross-session PID
// lock table, and is the sched.EventSink the scheduler publishes into.
type Streamer struct {
	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[string]*Subscription
	pidLocks map[uint16]string // pid -> owning session ID
}

func NewStreamer() *Streamer {
	return &Streamer{
		sessions: make(map[string]*Session),
		subs:     make(map[string]*Subscription),
		pidLocks: make(map[uint16]string),
	}
}

// OpenSession creates a new session identity, per session.open.
func (st *Streamer) OpenSession(peer string, capabilities []string, observer bool) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := &Session{
		ID:           uuid.NewString(),
		Peer:         peer,
		Capabilities: capabilities,
		Observer:     observer,
		lockedPIDs:   mapset.NewSet(),
		subs:         mapset.NewSet(),
	}
	st.sessions[s.ID] = s
	return s
}

// CloseSession releases every lock and subscription the session owns.
func (st *Streamer) CloseSession(id string) Errno {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ENOENT
	}
	s.lockedPIDs.Each(func(v interface{}) bool {
		pid := v.(uint16)
		if st.pidLocks[pid] == id {
			delete(st.pidLocks, pid)
		}
		return false
	})
	s.subs.Each(func(v interface{}) bool {
		delete(st.subs, v.(string))
		return false
	})
	delete(st.sessions, id)
	return OK
}

// Keepalive extends a session's liveness deadline, per session.keepalive.
func (st *Streamer) Keepalive(id string, ttl time.Duration) Errno {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ENOENT
	}
	s.keepaliveDeadline = time.Now().Add(ttl)
	return OK
}

// Expired returns session IDs whose keepalive deadline has elapsed.
func (st *Streamer) Expired(now time.Time) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for id, s := range st.sessions {
		if !s.keepaliveDeadline.IsZero() && now.After(s.keepaliveDeadline) {
			out = append(out, id)
		}
	}
	return out
}

// LockPID grants a session exclusive control of one PID, per spec.md
// §4.6's lock model. Observer sessions never need a lock, and a session
// may re-lock a PID it already holds idempotently.
func (st *Streamer) LockPID(sessionID string, pid uint16) Errno {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return ENOENT
	}
	if owner, locked := st.pidLocks[pid]; locked && owner != sessionID {
		return EBUSY
	}
	st.pidLocks[pid] = sessionID
	s.lockedPIDs.Add(pid)
	return OK
}

// UnlockPID releases a session's hold on one PID.
func (st *Streamer) UnlockPID(sessionID string, pid uint16) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pidLocks[pid] == sessionID {
		delete(st.pidLocks, pid)
	}
	if s, ok := st.sessions[sessionID]; ok {
		s.lockedPIDs.Remove(pid)
	}
}

// Subscribe creates a bounded event queue for a session, per events.subscribe.
func (st *Streamer) Subscribe(sessionID string, eventTypes []string) (*Subscription, Errno) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, ENOENT
	}
	filters := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filters[t] = true
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		filters:   filters,
		queue:     newEventRing(DefaultQueueDepth),
	}
	st.subs[sub.ID] = sub
	s.subs.Add(sub.ID)
	return sub, OK
}

// Unsubscribe removes one subscription.
func (st *Streamer) Unsubscribe(subID string) Errno {
	st.mu.Lock()
	defer st.mu.Unlock()
	sub, ok := st.subs[subID]
	if !ok {
		return ENOENT
	}
	if s, ok := st.sessions[sub.SessionID]; ok {
		s.subs.Remove(subID)
	}
	delete(st.subs, subID)
	return OK
}

func (sub *Subscription) matches(eventType string) bool {
	if len(sub.filters) == 0 {
		return true
	}
	return sub.filters[eventType]
}

// Publish fans a scheduler event out to every matching subscription,
// assigning each its own monotonic seq. Implements sched.EventSink.
// Queue overflow emits a "warning" event instead of dropping the
// subscriber's connection, per spec.md §4.6's back-pressure resolution.
func (st *Streamer) Publish(raw sched.RawEvent) {
	st.mu.Lock()
	subs := make([]*Subscription, 0, len(st.subs))
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	st.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, sub := range subs {
		if !sub.matches(raw.Type) {
			continue
		}
		sub.mu.Lock()
		sub.nextSeq++
		ev := fromRaw(raw, sub.nextSeq, now)
		dropped := sub.queue.Push(ev)
		if dropped {
			// The queue is now full, so the warning pushed below evicts a
			// second entry: count both.
			sub.droppedTotal += 2
			sub.nextSeq++
			warn := Event{
				Seq:  sub.nextSeq,
				Type: "warning",
				Data: map[string]interface{}{
					"reason":  "slow_consumer",
					"pending": sub.queue.Len(),
					"dropped": sub.droppedTotal,
				},
				Timestamp: now,
			}
			sub.queue.Push(warn)
		}
		sub.mu.Unlock()
	}
}

// Ack advances a subscription's acknowledged cursor, per events.ack.
func (st *Streamer) Ack(subID string, seq uint64) Errno {
	st.mu.Lock()
	sub, ok := st.subs[subID]
	st.mu.Unlock()
	if !ok {
		return ENOENT
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if seq > sub.lastAcked {
		sub.lastAcked = seq
	}
	return OK
}

// Pending returns up to max buffered events with seq greater than since.
func (st *Streamer) Pending(subID string, since uint64, max int) ([]Event, Errno) {
	st.mu.Lock()
	sub, ok := st.subs[subID]
	st.mu.Unlock()
	if !ok {
		return nil, ENOENT
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	var out []Event
	for i := 0; i < sub.queue.Len() && len(out) < max; i++ {
		e, _ := sub.queue.At(i)
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, OK
}

// ErrGap is returned by Reconnect when since_seq falls before the oldest
// buffered event: the caller must emit an events_missing warning.
var ErrGap = errors.New("session: requested seq no longer buffered")

// Reconnect replays buffered events since sinceSeq for a fresh connection
// on an existing subscription, per spec.md §4.6's reconnect resolution.
func (st *Streamer) Reconnect(subID string, sinceSeq uint64) ([]Event, error) {
	st.mu.Lock()
	sub, ok := st.subs[subID]
	st.mu.Unlock()
	if !ok {
		return nil, errors.New("session: unknown subscription")
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if oldest, has := sub.queue.Oldest(); has && sinceSeq+1 < oldest {
		return nil, ErrGap
	}
	var out []Event
	for i := 0; i < sub.queue.Len(); i++ {
		e, _ := sub.queue.At(i)
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
