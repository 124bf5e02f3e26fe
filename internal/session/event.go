// Package session implements the control-plane session/subscription model
// and event streamer from spec.md §4.6: PID-exclusive sessions, bounded
// per-subscription event queues, ACK/seq tracking, and reconnect replay.
package session

import "github.com/Hans-Einar/hsx/internal/sched"

// Event is one streamer-assigned frame. Seq is monotonic per subscription;
// the scheduler (sched.RawEvent) never assigns it, per spec.md §4.6.
type Event struct {
	Seq       uint64
	Type      string
	PID       *uint16
	Data      map[string]interface{}
	Timestamp int64
}

func fromRaw(raw sched.RawEvent, seq uint64, now int64) Event {
	return Event{Seq: seq, Type: raw.Type, PID: raw.PID, Data: raw.Data, Timestamp: now}
}
