package control

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/Hans-Einar/hsx/internal/arena"
	"github.com/Hans-Einar/hsx/internal/hal"
	"github.com/Hans-Einar/hsx/internal/mailbox"
	"github.com/Hans-Einar/hsx/internal/persist"
	"github.com/Hans-Einar/hsx/internal/registry"
	"github.com/Hans-Einar/hsx/internal/sched"
	"github.com/Hans-Einar/hsx/internal/session"
	"github.com/Hans-Einar/hsx/internal/svc"
)

func newTestServer(t *testing.T) (net.Conn, func()) {
	t.Helper()
	a := arena.New(65536)
	mboxes := mailbox.NewManager()
	streamer := session.NewStreamer()
	values := registry.New(persist.NewMemory(), svc.MailboxNotifier{Mailboxes: mboxes}, session.RegistryBridge{Streamer: streamer})
	dispatcher := svc.New(mboxes, values, hal.NewRegistry())
	scheduler := sched.New(a, mboxes, dispatcher, streamer)

	srv := New(scheduler, streamer)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return conn, func() {
		conn.Close()
		ln.Close()
		scheduler.Stop()
	}
}

func sendRequest(t *testing.T, conn net.Conn, req Request) {
	t.Helper()
	buf, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	buf = append(buf, '\n')
	if _, err := conn.Write(buf); err != nil {
		t.Fatal(err)
	}
}

func readResponse(t *testing.T, scanner *bufio.Scanner) Response {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("scan failed: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func TestSessionOpenAndSubscribe(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)

	sendRequest(t, conn, Request{ID: "1", Op: "session.open", Args: mustJSON(t, sessionOpenArgs{Peer: "test-client"})})
	resp := readResponse(t, scanner)
	if !resp.OK {
		t.Fatalf("session.open failed: %s", resp.Error)
	}

	sendRequest(t, conn, Request{ID: "2", Op: "events.subscribe", Args: mustJSON(t, subscribeArgs{Types: nil})})
	resp = readResponse(t, scanner)
	if !resp.OK {
		t.Fatalf("events.subscribe failed: %s", resp.Error)
	}
}

func TestClockStepAndRegsRoundTrip(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)

	sendRequest(t, conn, Request{ID: "1", Op: "clock.step", Args: mustJSON(t, stepArgs{N: 1})})
	resp := readResponse(t, scanner)
	if !resp.OK {
		t.Fatalf("clock.step failed: %s", resp.Error)
	}

	sendRequest(t, conn, Request{ID: "2", Op: "regs.get", Args: mustJSON(t, pidArgs{PID: 99})})
	resp = readResponse(t, scanner)
	if resp.OK {
		t.Fatal("regs.get on unknown pid should fail")
	}
}

func TestUnknownOpReturnsError(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)

	sendRequest(t, conn, Request{ID: "1", Op: "bogus.op"})
	resp := readResponse(t, scanner)
	if resp.OK {
		t.Fatal("expected failure for unknown op")
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}
