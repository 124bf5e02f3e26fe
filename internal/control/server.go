// Package control implements the debugger control endpoint: a
// newline-delimited JSON/TCP RPC server exposing session, event,
// task, clock, breakpoint, watchpoint, memory, register, stack, and
// disassembly operations, per spec.md §4.7/§6.
package control

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Hans-Einar/hsx/internal/sched"
	"github.com/Hans-Einar/hsx/internal/session"
)

// Request is one correlated RPC call from a control client.
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is either a correlated reply (ID set, Ev false) or an
// asynchronously pushed event frame (Ev true), per spec.md §4.7.
type Response struct {
	ID     string         `json:"id,omitempty"`
	OK     bool           `json:"ok"`
	Result interface{}    `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Ev     bool           `json:"ev,omitempty"`
	Event  *session.Event `json:"event,omitempty"`
}

// Server dispatches control-endpoint RPCs against a scheduler and session
// streamer.
type Server struct {
	Sched    *sched.Scheduler
	Streamer *session.Streamer
}

func New(sched *sched.Scheduler, streamer *session.Streamer) *Server {
	return &Server{Sched: sched, Streamer: streamer}
}

// Serve listens on addr until ctx is cancelled. The accept loop and
// shutdown watcher run under an errgroup, mirroring the teacher's
// listener-plus-done-channel shutdown shape; per-connection handlers are
// fire-and-forget goroutines so one slow client never blocks shutdown.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return err
				}
			}
			go s.handleConn(conn)
		}
	})
	return g.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var activeSession string
	var activeSub string
	stopPump := make(chan struct{})
	defer close(stopPump)

	enc := json.NewEncoder(conn)
	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	write := func(r Response) {
		<-writeMu
		enc.Encode(r)
		writeMu <- struct{}{}
	}

	go s.pumpEvents(&activeSub, write, stopPump)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			write(Response{OK: false, Error: "invalid json"})
			continue
		}
		result, err := s.dispatch(&req, &activeSession, &activeSub)
		if err != nil {
			write(Response{ID: req.ID, OK: false, Error: err.Error()})
			continue
		}
		write(Response{ID: req.ID, OK: true, Result: result})
	}

	if activeSession != "" {
		s.Streamer.CloseSession(activeSession)
	}
}

// pumpEvents polls the active subscription's queue and pushes ev:true
// frames. Polling (rather than a push channel) keeps the session package's
// Subscription free of connection-lifetime concerns; spec.md §4.6 bounds
// the queue depth, not the delivery latency.
func (s *Server) pumpEvents(activeSub *string, write func(Response), stop <-chan struct{}) {
	var lastSeq uint64
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if *activeSub == "" {
				continue
			}
			events, errno := s.Streamer.Pending(*activeSub, lastSeq, 32)
			if errno != session.OK || len(events) == 0 {
				continue
			}
			for i := range events {
				ev := events[i]
				write(Response{Ev: true, Event: &ev})
				lastSeq = ev.Seq
			}
		}
	}
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func b64decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
func b64encode(b []byte) string          { return base64.StdEncoding.EncodeToString(b) }
