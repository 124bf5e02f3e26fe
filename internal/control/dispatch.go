package control

import (
	"fmt"
	"time"

	"github.com/Hans-Einar/hsx/internal/session"
)

func (s *Server) dispatch(req *Request, activeSession, activeSub *string) (interface{}, error) {
	switch req.Op {
	case "session.open":
		return s.sessionOpen(req, activeSession)
	case "session.close":
		return s.sessionClose(activeSession)
	case "session.keepalive":
		return s.sessionKeepalive(req)

	case "events.subscribe":
		return s.eventsSubscribe(req, activeSession, activeSub)
	case "events.ack":
		return s.eventsAck(req, activeSub)
	case "events.unsubscribe":
		return s.eventsUnsubscribe(req, activeSub)

	case "task.load":
		return s.taskLoad(req)
	case "task.kill":
		return s.taskKill(req)
	case "task.list":
		return s.taskList()

	case "clock.status":
		return s.clockStatus(req)
	case "clock.step":
		return s.clockStep(req)

	case "bp.set":
		return s.bpSet(req)
	case "bp.clear":
		return s.bpClear(req)
	case "bp.list":
		return s.bpList()

	case "watch.add":
		return s.watchAdd(req)
	case "watch.remove":
		return s.watchRemove(req)
	case "watch.list":
		return s.watchList()

	case "mem.peek":
		return s.memPeek(req)
	case "mem.poke":
		return s.memPoke(req)

	case "regs.get":
		return s.regsGet(req)
	case "regs.set":
		return s.regsSet(req)

	case "stack.get":
		return s.stackGet(req)
	case "disasm.at":
		return s.disasmAt(req)

	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

type sessionOpenArgs struct {
	Peer         string   `json:"peer"`
	Capabilities []string `json:"capabilities"`
	Observer     bool     `json:"observer"`
}

func (s *Server) sessionOpen(req *Request, activeSession *string) (interface{}, error) {
	var args sessionOpenArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	sess := s.Streamer.OpenSession(args.Peer, args.Capabilities, args.Observer)
	*activeSession = sess.ID
	return map[string]string{"session_id": sess.ID}, nil
}

func (s *Server) sessionClose(activeSession *string) (interface{}, error) {
	if *activeSession == "" {
		return nil, fmt.Errorf("no open session")
	}
	errno := s.Streamer.CloseSession(*activeSession)
	*activeSession = ""
	if errno != session.OK {
		return nil, fmt.Errorf("close failed: errno %d", errno)
	}
	return map[string]bool{"closed": true}, nil
}

type keepaliveArgs struct {
	SessionID string `json:"session_id"`
	TTLMs     int64  `json:"ttl_ms"`
}

func (s *Server) sessionKeepalive(req *Request) (interface{}, error) {
	var args keepaliveArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	errno := s.Streamer.Keepalive(args.SessionID, time.Duration(args.TTLMs)*time.Millisecond)
	if errno != session.OK {
		return nil, fmt.Errorf("keepalive failed: errno %d", errno)
	}
	return map[string]bool{"ok": true}, nil
}

type subscribeArgs struct {
	Types []string `json:"types"`
}

func (s *Server) eventsSubscribe(req *Request, activeSession, activeSub *string) (interface{}, error) {
	if *activeSession == "" {
		return nil, fmt.Errorf("no open session")
	}
	var args subscribeArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	sub, errno := s.Streamer.Subscribe(*activeSession, args.Types)
	if errno != session.OK {
		return nil, fmt.Errorf("subscribe failed: errno %d", errno)
	}
	*activeSub = sub.ID
	return map[string]string{"subscription_id": sub.ID}, nil
}

type ackArgs struct {
	Seq uint64 `json:"seq"`
}

func (s *Server) eventsAck(req *Request, activeSub *string) (interface{}, error) {
	if *activeSub == "" {
		return nil, fmt.Errorf("no active subscription")
	}
	var args ackArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	if err := s.errIfBad(s.Streamer.Ack(*activeSub, args.Seq)); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) eventsUnsubscribe(req *Request, activeSub *string) (interface{}, error) {
	if *activeSub == "" {
		return nil, fmt.Errorf("no active subscription")
	}
	errno := s.Streamer.Unsubscribe(*activeSub)
	*activeSub = ""
	if errno != session.OK {
		return nil, fmt.Errorf("unsubscribe failed: errno %d", errno)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) errIfBad(errno session.Errno) error {
	if errno != session.OK {
		return fmt.Errorf("errno %d", errno)
	}
	return nil
}

type taskLoadArgs struct {
	AppName  string `json:"app_name"`
	ImageB64 string `json:"image_b64"`
}

func (s *Server) taskLoad(req *Request) (interface{}, error) {
	var args taskLoadArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	data, err := b64decode(args.ImageB64)
	if err != nil {
		return nil, fmt.Errorf("bad image_b64: %w", err)
	}
	pid, err := s.Sched.LoadTask(args.AppName, data)
	if err != nil {
		return nil, err
	}
	return map[string]uint16{"pid": pid}, nil
}

type pidArgs struct {
	PID uint16 `json:"pid"`
}

func (s *Server) taskKill(req *Request) (interface{}, error) {
	var args pidArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	if !s.Sched.Kill(args.PID) {
		return nil, fmt.Errorf("no such pid %d", args.PID)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) taskList() (interface{}, error) {
	return s.Sched.ListTasks(), nil
}

func (s *Server) clockStatus(req *Request) (interface{}, error) {
	return map[string]int64{"tick": s.Sched.Tick()}, nil
}

type stepArgs struct {
	N int `json:"n"`
}

func (s *Server) clockStep(req *Request) (interface{}, error) {
	var args stepArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	if args.N <= 0 {
		args.N = 1
	}
	s.Sched.ClockStep(args.N)
	return map[string]int64{"tick": s.Sched.Tick()}, nil
}

type addrArgs struct {
	Addr uint32 `json:"addr"`
}

func (s *Server) bpSet(req *Request) (interface{}, error) {
	var args addrArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	s.Sched.SetBreakpoint(args.Addr)
	return map[string]bool{"ok": true}, nil
}

func (s *Server) bpClear(req *Request) (interface{}, error) {
	var args addrArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	s.Sched.ClearBreakpoint(args.Addr)
	return map[string]bool{"ok": true}, nil
}

func (s *Server) bpList() (interface{}, error) {
	return map[string][]uint32{"addrs": s.Sched.ListBreakpoints()}, nil
}

func (s *Server) watchAdd(req *Request) (interface{}, error) {
	var args addrArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	s.Sched.AddWatch(args.Addr)
	return map[string]bool{"ok": true}, nil
}

func (s *Server) watchRemove(req *Request) (interface{}, error) {
	var args addrArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	s.Sched.RemoveWatch(args.Addr)
	return map[string]bool{"ok": true}, nil
}

func (s *Server) watchList() (interface{}, error) {
	return map[string][]uint32{"addrs": s.Sched.ListWatches()}, nil
}

type peekArgs struct {
	Addr   uint32 `json:"addr"`
	Length uint32 `json:"length"`
}

func (s *Server) memPeek(req *Request) (interface{}, error) {
	var args peekArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	data, err := s.Sched.PeekMem(args.Addr, args.Length)
	if err != nil {
		return nil, err
	}
	return map[string]string{"data_b64": b64encode(data)}, nil
}

type pokeArgs struct {
	Addr    uint32 `json:"addr"`
	DataB64 string `json:"data_b64"`
}

func (s *Server) memPoke(req *Request) (interface{}, error) {
	var args pokeArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	data, err := b64decode(args.DataB64)
	if err != nil {
		return nil, fmt.Errorf("bad data_b64: %w", err)
	}
	if err := s.Sched.PokeMem(args.Addr, data); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) regsGet(req *Request) (interface{}, error) {
	var args pidArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	regs, ok := s.Sched.GetRegs(args.PID)
	if !ok {
		return nil, fmt.Errorf("no such pid %d", args.PID)
	}
	return map[string]interface{}{"regs": regs}, nil
}

type regsSetArgs struct {
	PID   uint16 `json:"pid"`
	Index int    `json:"index"`
	Value uint32 `json:"value"`
}

func (s *Server) regsSet(req *Request) (interface{}, error) {
	var args regsSetArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	if !s.Sched.SetReg(args.PID, args.Index, args.Value) {
		return nil, fmt.Errorf("no such pid %d", args.PID)
	}
	return map[string]bool{"ok": true}, nil
}

type stackArgs struct {
	PID   uint16 `json:"pid"`
	Depth int    `json:"depth"`
}

func (s *Server) stackGet(req *Request) (interface{}, error) {
	var args stackArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	if args.Depth <= 0 {
		args.Depth = 16
	}
	words, ok := s.Sched.StackWords(args.PID, args.Depth)
	if !ok {
		return nil, fmt.Errorf("no such pid %d", args.PID)
	}
	return map[string]interface{}{"words": words}, nil
}

type disasmArgs struct {
	Addr  uint32 `json:"addr"`
	Count int    `json:"count"`
}

func (s *Server) disasmAt(req *Request) (interface{}, error) {
	var args disasmArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}
	if args.Count <= 0 {
		args.Count = 8
	}
	return map[string]interface{}{"lines": s.Sched.DisasmAt(args.Addr, args.Count)}, nil
}
