// Package registry implements the OID-addressed Value/Command tables from
// spec.md §4.4: compact f16-typed runtime state and parameterless actions,
// with descriptor chains, epsilon/rate suppression, and persistence hooks.
package registry

import (
	"sync"
	"time"

	"github.com/Hans-Einar/hsx/internal/persist"
)

// Errno enumerates the Value/Command SVC error codes from spec.md §7.
type Errno uint8

const (
	OK Errno = iota
	ENOENT
	EPERM
	ENOSPC
	EINVAL
	EEXIST
	EBUSY
	ENOASYNC
	EFAIL
)

// Entry flag bits, per spec.md §3.
const (
	FlagRO uint8 = 1 << iota
	FlagPERSIST
	FlagSTICKY
	FlagPIN
	FlagBOOL
	FlagASYNC // commands only
)

// OID packs (group<<8)|id into a 16-bit object identifier.
type OID uint16

func MakeOID(group, id uint8) OID { return OID(uint16(group)<<8 | uint16(id)) }
func (o OID) Group() uint8        { return uint8(o >> 8) }
func (o OID) ID() uint8           { return uint8(o) }

// DescNode is one typed node in a Value/Command's descriptor chain.
type DescNode struct {
	Kind  string // "group" | "name" | "unit" | "range" | "persist"
	Text  string // Group/Name/Unit text payload
	Min   float32
	Max   float32
	Eps   uint16 // epsilon as a raw f16 bit pattern, Unit descriptor only
	Rate  uint32 // rate_ms, Unit descriptor only
	Next  *DescNode
}

// ValueEntry is the 10-byte-equivalent Value record from spec.md §3,
// widened to a Go struct (the wire encoding lives in the svc/control
// layers, not here).
type ValueEntry struct {
	Group     uint8
	ID        uint8
	Flags     uint8
	AuthLevel uint8
	OwnerPID  uint16
	LastF16   uint16
	DescHead  *DescNode

	lastSetAt time.Time
	subMbox   uint32 // mailbox handle bound via VAL_SUB, 0 = none
	hasSub    bool
}

// CommandEntry is the Command analog, parameterless, with a bound handler.
type CommandEntry struct {
	Group     uint8
	ID        uint8
	Flags     uint8
	AuthLevel uint8
	OwnerPID  uint16
	DescHead  *DescNode
	Handler   func() (rc uint32, err error)
}

// WatchUpdate is the frame posted to a Value's bound mailbox on change,
// per spec.md §4.4: (oid, f16).
type WatchUpdate struct {
	OID OID
	F16 uint16
}

// Notifier abstracts posting a watch_update frame to a mailbox handle;
// the registry depends on this interface rather than importing the
// mailbox package directly, keeping the dependency direction the way the
// svc dispatcher wires components together rather than registry reaching
// sideways into mailbox internals.
type Notifier interface {
	NotifyWatch(mboxHandle uint32, update WatchUpdate) error
}

// EventSink receives diagnostic events the registry can't attribute to a
// mailbox post, e.g. warning{reason:persist_crc} on a corrupt load. Kept
// as a separate, minimal interface (rather than importing sched) for the
// same reason Notifier exists: registry doesn't reach sideways into the
// scheduler's event plumbing.
type EventSink interface {
	Emit(eventType string, data map[string]interface{})
}

// Registry owns the Value and Command OID tables.
type Registry struct {
	mu       sync.RWMutex
	values   map[OID]*ValueEntry
	commands map[OID]*CommandEntry
	store    persist.Store
	notifier Notifier
	events   EventSink
}

func New(store persist.Store, notifier Notifier, events EventSink) *Registry {
	return &Registry{
		values:   make(map[OID]*ValueEntry),
		commands: make(map[OID]*CommandEntry),
		store:    store,
		notifier: notifier,
		events:   events,
	}
}

// RegisterValue inserts a new Value entry and returns its OID.
func (r *Registry) RegisterValue(group, id, flags, authLevel uint8, ownerPID uint16, desc *DescNode) (OID, Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oid := MakeOID(group, id)
	if _, exists := r.values[oid]; exists {
		return 0, EEXIST
	}
	entry := &ValueEntry{Group: group, ID: id, Flags: flags, AuthLevel: authLevel, OwnerPID: ownerPID, DescHead: desc}
	if flags&FlagPERSIST != 0 && r.store != nil {
		r.loadPersistedLocked(entry, group, id)
	}
	r.values[oid] = entry
	return oid, OK
}

// loadPersistedLocked applies a persisted value on top of entry's default,
// or emits warning{reason:persist_crc} and leaves the default in place on
// a corrupt record, per spec.md §4.4. Called with r.mu held.
func (r *Registry) loadPersistedLocked(entry *ValueEntry, group, id uint8) {
	payload, status, err := r.store.Load(uint16(group), uint16(id))
	if err != nil || status == persist.LoadMissing {
		return
	}
	if status == persist.LoadCRCMismatch {
		if r.events != nil {
			r.events.Emit("warning", map[string]interface{}{"reason": "persist_crc", "group": group, "id": id})
		}
		return
	}
	if len(payload) >= 2 {
		entry.LastF16 = uint16(payload[0]) | uint16(payload[1])<<8
	}
}

func epsilonOf(desc *DescNode) (uint16, uint32) {
	for d := desc; d != nil; d = d.Next {
		if d.Kind == "unit" {
			return d.Eps, d.Rate
		}
	}
	return 0, 0
}

// SetValue applies VAL_SET semantics: RO/auth enforcement, epsilon/rate
// suppression, watch_update fan-out, and persistence. Every SET that is
// not suppressed is saved at once; saves are not debounced beyond that
// suppression.
func (r *Registry) SetValue(oid OID, f16 uint16, callerAuth uint8) Errno {
	r.mu.Lock()
	entry, ok := r.values[oid]
	if !ok {
		r.mu.Unlock()
		return ENOENT
	}
	if entry.Flags&FlagRO != 0 {
		r.mu.Unlock()
		return EPERM
	}
	if entry.AuthLevel > callerAuth {
		r.mu.Unlock()
		return EPERM
	}

	eps, rateMs := epsilonOf(entry.DescHead)
	now := time.Now()
	suppressed := false
	if !entry.lastSetAt.IsZero() && now.Sub(entry.lastSetAt) < time.Duration(rateMs)*time.Millisecond {
		if eq := f16Equal(entry.LastF16, f16, eps); eq {
			suppressed = true
		}
	}

	entry.LastF16 = f16
	entry.lastSetAt = now
	hasSub, subMbox := entry.hasSub, entry.subMbox
	shouldPersist := entry.Flags&FlagPERSIST != 0 && !suppressed
	group, id := entry.Group, entry.ID
	r.mu.Unlock()

	if !suppressed && hasSub && r.notifier != nil {
		r.notifier.NotifyWatch(subMbox, WatchUpdate{OID: oid, F16: f16})
	}
	if shouldPersist && r.store != nil {
		r.store.Save(uint16(group), uint16(id), []byte{byte(f16), byte(f16 >> 8)})
	}
	return OK
}

// f16Equal is a local, dependency-free copy of the epsilon comparison the
// vm package exposes, to avoid registry depending on vm for a two-line
// float compare; both sides must agree on semantics per spec.md §8.
func f16Equal(a, b, epsilon uint16) bool {
	if epsilon == 0 {
		return a == b
	}
	af, bf, ef := halfToFloat(a), halfToFloat(b), halfToFloat(epsilon)
	diff := af - bf
	if diff < 0 {
		diff = -diff
	}
	return diff < ef
}

func halfToFloat(h uint16) float32 {
	sign := float32(1)
	if h&0x8000 != 0 {
		sign = -1
	}
	exp := (h >> 10) & 0x1F
	frac := h & 0x3FF
	if exp == 0 {
		return sign * float32(frac) / 1024 * pow2(-14)
	}
	if exp == 0x1F {
		if frac == 0 {
			return sign * float32(1e38) // +-Inf stand-in
		}
		return 0 // NaN stand-in
	}
	return sign * (1 + float32(frac)/1024) * pow2(int(exp)-15)
}

func pow2(n int) float32 {
	v := float32(1)
	if n >= 0 {
		for i := 0; i < n; i++ {
			v *= 2
		}
		return v
	}
	for i := 0; i < -n; i++ {
		v /= 2
	}
	return v
}

// GetValue returns the last-set f16, or ENOENT.
func (r *Registry) GetValue(oid OID) (uint16, Errno) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.values[oid]
	if !ok {
		return 0, ENOENT
	}
	return entry.LastF16, OK
}

// ListValues returns up to max OIDs matching groupFilter (0xFF = all).
func (r *Registry) ListValues(groupFilter uint8, max int) []OID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OID, 0, max)
	for oid, entry := range r.values {
		if len(out) >= max {
			break
		}
		if groupFilter != 0xFF && entry.Group != groupFilter {
			continue
		}
		out = append(out, oid)
	}
	return out
}

// SubscribeValue binds a change-notification stream to a mailbox handle.
func (r *Registry) SubscribeValue(oid OID, mboxHandle uint32) Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.values[oid]
	if !ok {
		return ENOENT
	}
	entry.subMbox = mboxHandle
	entry.hasSub = true
	return OK
}

// PersistMode selects volatile/load/load+save semantics for VAL_PERSIST.
type PersistMode uint8

const (
	PersistVolatile PersistMode = iota
	PersistLoad
	PersistLoadSave
)

// SetPersistMode toggles the PERSIST flag per VAL_PERSIST's mode argument.
func (r *Registry) SetPersistMode(oid OID, mode PersistMode) Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.values[oid]
	if !ok {
		return ENOENT
	}
	if mode == PersistVolatile {
		entry.Flags &^= FlagPERSIST
	} else {
		entry.Flags |= FlagPERSIST
	}
	return OK
}

// RegisterCommand inserts a new Command entry bound to handler.
func (r *Registry) RegisterCommand(group, id, flags, authLevel uint8, ownerPID uint16, desc *DescNode, handler func() (uint32, error)) (OID, Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oid := MakeOID(group, id)
	if _, exists := r.commands[oid]; exists {
		return 0, EEXIST
	}
	r.commands[oid] = &CommandEntry{Group: group, ID: id, Flags: flags, AuthLevel: authLevel, OwnerPID: ownerPID, DescHead: desc, Handler: handler}
	return oid, OK
}

// LookupCommand resolves a command by OID.
func (r *Registry) LookupCommand(oid OID) (*CommandEntry, Errno) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[oid]
	if !ok {
		return nil, ENOENT
	}
	return c, OK
}

// Call synchronously invokes a command's handler, per spec.md §4.4's
// CALL semantics including PIN/auth enforcement.
func (r *Registry) Call(oid OID, callerToken uint8) (uint32, Errno) {
	r.mu.RLock()
	c, ok := r.commands[oid]
	r.mu.RUnlock()
	if !ok {
		return 0, ENOENT
	}
	if c.Flags&FlagPIN != 0 && callerToken != c.AuthLevel {
		return 0, EPERM
	}
	if c.Handler == nil {
		return 0, EFAIL
	}
	rc, err := c.Handler()
	if err != nil {
		return 0, EFAIL
	}
	return rc, OK
}

// CallAsync posts a (oid, rc) completion frame to mboxPost once the
// handler finishes; mboxPost is supplied by the caller (svc dispatcher)
// because the registry does not own a reference to the mailbox manager
// directly (see Notifier above).
func (r *Registry) CallAsync(oid OID, callerToken uint8, mboxPost func(oid OID, rc uint32)) Errno {
	r.mu.RLock()
	c, ok := r.commands[oid]
	r.mu.RUnlock()
	if !ok {
		return ENOENT
	}
	if c.Flags&FlagASYNC == 0 {
		return ENOASYNC
	}
	if c.Flags&FlagPIN != 0 && callerToken != c.AuthLevel {
		return EPERM
	}
	go func() {
		rc, err := c.Handler()
		if err != nil {
			rc = uint32(EFAIL)
		}
		mboxPost(oid, rc)
	}()
	return OK
}
