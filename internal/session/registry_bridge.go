package session

import "github.com/Hans-Einar/hsx/internal/sched"

// RegistryBridge adapts a Streamer to the registry package's EventSink
// shape (Emit(eventType string, data map[string]interface{})) so the
// registry can publish warning events (e.g. persist_crc) through the same
// subscription queues as scheduler-originated events, without session
// importing registry or registry importing session/sched.
type RegistryBridge struct {
	Streamer *Streamer
}

func (b RegistryBridge) Emit(eventType string, data map[string]interface{}) {
	b.Streamer.Publish(sched.RawEvent{Type: eventType, Data: data})
}
