package mailbox

import "testing"

func TestBindOpenSendRecv(t *testing.T) {
	m := NewManager()
	hBind, errno := m.Bind(NSApp, "demo", 64, ModeRDONLY|ModeWRONLY, PolicyExclusive, 1)
	if errno != OK {
		t.Fatalf("Bind: %v", errno)
	}
	_ = hBind

	hRecv, errno := m.Open(NSApp, "demo", ModeRDONLY, 2)
	if errno != OK {
		t.Fatalf("Open: %v", errno)
	}

	n, woken, errno := m.Send(hBind, 1, []byte("hello"), 0, 0)
	if errno != OK {
		t.Fatalf("Send: %v", errno)
	}
	if n != 5 {
		t.Fatalf("Send n = %d, want 5", n)
	}
	if len(woken) != 1 || woken[0].PID != 2 {
		t.Fatalf("woken = %+v, want PID 2", woken)
	}

	msg, info, _, errno := m.Recv(hRecv, 64)
	if errno != OK {
		t.Fatalf("Recv: %v", errno)
	}
	if string(msg.Payload) != "hello" {
		t.Fatalf("payload = %q", msg.Payload)
	}
	if info.Flags&FlagOVERRUN != 0 {
		t.Fatalf("unexpected overrun flag")
	}
}

func TestEnoentOnMissingDescriptor(t *testing.T) {
	m := NewManager()
	if _, errno := m.Open(NSApp, "missing", ModeRDONLY, 1); errno != ENOENT {
		t.Fatalf("expected ENOENT, got %v", errno)
	}
}

func TestBindDuplicateFails(t *testing.T) {
	m := NewManager()
	if _, errno := m.Bind(NSApp, "dup", 64, ModeRDONLY|ModeWRONLY, PolicyExclusive, 1); errno != OK {
		t.Fatalf("first bind: %v", errno)
	}
	if _, errno := m.Bind(NSApp, "dup", 64, ModeRDONLY, PolicyExclusive, 1); errno != EEXIST {
		t.Fatalf("expected EEXIST, got %v", errno)
	}
}

func TestFanoutDropOverrun(t *testing.T) {
	m := NewManager()
	hSend, _ := m.Bind(NSApp, "fan", 16, ModeWRONLY, PolicyFanoutDrop, 1)
	hR1, _ := m.Open(NSApp, "fan", ModeRDONLY, 2)
	hR2, _ := m.Open(NSApp, "fan", ModeRDONLY, 3)

	for i := 0; i < 4; i++ {
		if _, _, errno := m.Send(hSend, 1, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, 0); errno != OK {
			t.Fatalf("send %d: %v", i, errno)
		}
		if _, _, _, errno := m.Recv(hR1, 64); errno != OK && errno != NO_DATA {
			t.Fatalf("R1 recv %d: %v", i, errno)
		}
	}

	_, info, _, errno := m.Recv(hR2, 64)
	if errno != OK {
		t.Fatalf("R2 recv: %v", errno)
	}
	if info.Flags&FlagOVERRUN == 0 {
		t.Fatalf("expected OVERRUN flag set for lagging subscriber")
	}
}

func TestMsgTooLarge(t *testing.T) {
	m := NewManager()
	h, _ := m.Bind(NSApp, "small", 8, ModeWRONLY, PolicyExclusive, 1)
	if _, _, errno := m.Send(h, 1, make([]byte, 32), 0, 0); errno != MSG_TOO_LARGE {
		t.Fatalf("expected MSG_TOO_LARGE, got %v", errno)
	}
}

func TestInvalidHandle(t *testing.T) {
	m := NewManager()
	if errno := m.Close(Handle(9999)); errno != INVALID_HANDLE {
		t.Fatalf("expected INVALID_HANDLE, got %v", errno)
	}
}

// TestFanoutBlockProgress exercises the fan-out-block fairness property:
// a sender WOULDBLOCKs while a subscriber is lagging behind the retained
// window, and the blocked sender is woken (FIFO) once that subscriber
// catches up via RECV.
func TestFanoutBlockProgress(t *testing.T) {
	m := NewManager()
	hSend, errno := m.Bind(NSApp, "slow", 32, ModeWRONLY, PolicyFanoutBlock, 1)
	if errno != OK {
		t.Fatalf("Bind: %v", errno)
	}
	hRecv, errno := m.Open(NSApp, "slow", ModeRDONLY, 2)
	if errno != OK {
		t.Fatalf("Open: %v", errno)
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	for i := 0; i < 2; i++ {
		if _, _, errno := m.Send(hSend, 1, payload, 0, 0); errno != OK {
			t.Fatalf("send %d: %v", i, errno)
		}
	}

	if _, _, errno := m.Send(hSend, 1, payload, 0, 0); errno != WOULDBLOCK {
		t.Fatalf("expected WOULDBLOCK once the receiver is lagging, got %v", errno)
	}
	if errno := m.BlockSender(hSend, 1); errno != OK {
		t.Fatalf("BlockSender: %v", errno)
	}

	_, _, woken, errno := m.Recv(hRecv, 64)
	if errno != OK {
		t.Fatalf("Recv: %v", errno)
	}
	if len(woken) != 1 || woken[0].PID != 1 || woken[0].Reason != "send" {
		t.Fatalf("woken = %+v, want blocked sender PID 1 woken for send", woken)
	}

	if _, _, errno := m.Send(hSend, 1, payload, 0, 0); errno != OK {
		t.Fatalf("retry send after wake: %v", errno)
	}
}
