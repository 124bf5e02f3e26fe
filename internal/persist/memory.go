package persist

import "sync"

// Memory is an in-process Store backed by a map, used for tests and for
// deployments with no durable persistence configured.
type Memory struct {
	mu   sync.Mutex
	data map[uint32][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[uint32][]byte)}
}

func (m *Memory) Load(ns, key uint16) ([]byte, LoadStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, exists := m.data[packKey(ns, key)]
	if !exists {
		return nil, LoadMissing, nil
	}
	payload, ok := decodeRecord(raw)
	if !ok {
		return nil, LoadCRCMismatch, nil
	}
	return payload, LoadOK, nil
}

func (m *Memory) Save(ns, key uint16, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[packKey(ns, key)] = encodeRecord(payload)
	return nil
}
