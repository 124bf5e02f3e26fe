package persist

import "testing"

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	if err := m.Save(1, 2, []byte("hello")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	payload, status, err := m.Load(1, 2)
	if err != nil || status != LoadOK {
		t.Fatalf("Load: status=%v err=%v", status, err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestMemoryMissingKey(t *testing.T) {
	m := NewMemory()
	_, status, err := m.Load(9, 9)
	if err != nil || status != LoadMissing {
		t.Fatalf("expected LoadMissing, got status=%v err=%v", status, err)
	}
}

func TestMemoryCRCMismatch(t *testing.T) {
	m := NewMemory()
	if err := m.Save(3, 4, []byte("payload")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw := m.data[packKey(3, 4)]
	raw[len(raw)-1] ^= 0xFF

	_, status, err := m.Load(3, 4)
	if err != nil || status != LoadCRCMismatch {
		t.Fatalf("expected LoadCRCMismatch, got status=%v err=%v", status, err)
	}
}

func TestDecodeRecordRejectsCorruption(t *testing.T) {
	raw := encodeRecord([]byte("payload"))
	raw[len(raw)-1] ^= 0xFF
	if _, ok := decodeRecord(raw); ok {
		t.Fatalf("expected CRC mismatch to be rejected")
	}
}
