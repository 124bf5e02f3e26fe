// Package sched implements the cooperative single-instruction scheduler,
// task lifecycle, and the serialized command queue through which all
// VM-state mutations flow, per spec.md §4.2 and §5.
package sched

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Hans-Einar/hsx/internal/arena"
	"github.com/Hans-Einar/hsx/internal/image"
	"github.com/Hans-Einar/hsx/internal/mailbox"
	"github.com/Hans-Einar/hsx/internal/svc"
	"github.com/Hans-Einar/hsx/internal/vm"
)

// RawEvent is the scheduler-facing event shape; the session/event
// streamer assigns the monotonic seq and timestamp on enqueue (spec.md
// §4.6), so the scheduler only supplies type/pid/data.
type RawEvent struct {
	Type string
	PID  *uint16
	Data map[string]interface{}
}

// EventSink receives RawEvents produced by scheduler activity.
type EventSink interface {
	Publish(RawEvent)
}

// Watchpoint is a write watchpoint on one arena address, per the
// teacher's debug_interface.go Watchpoint/WatchWrite model.
type Watchpoint struct {
	Addr      uint32
	LastValue byte
}

const (
	maxPIDs        = 16
	defaultStackSz = 1536 // 1.5 KiB per spec.md §5 resource ceilings
	codeBase       = 0x1000
)

// Scheduler owns the arena, task table, mailbox manager, SVC dispatcher,
// and breakpoint/watchpoint sets. Every method that touches VM state is
// routed through a single internal command goroutine (do), matching
// spec.md §5's "serialized command queue" requirement: the control
// endpoint and event streamer never mutate VM state directly.
type Scheduler struct {
	Arena      *arena.Arena
	Mailboxes  *mailbox.Manager
	Dispatcher *svc.Dispatcher
	Events     EventSink

	mu          sync.Mutex // not locked anywhere: the fields below are only touched inside do()
	tasks       map[uint16]*TaskRecord
	nextPID     uint16
	breakpoints map[uint32]bool
	watchpoints map[uint32]*Watchpoint
	tick        int64
	arenaNext   arena.Addr // bump allocator for register windows + stacks

	cmdCh chan func()
	quit  chan struct{}
}

func New(a *arena.Arena, mboxes *mailbox.Manager, dispatcher *svc.Dispatcher, sink EventSink) *Scheduler {
	s := &Scheduler{
		Arena:       a,
		Mailboxes:   mboxes,
		Dispatcher:  dispatcher,
		Events:      sink,
		tasks:       make(map[uint16]*TaskRecord),
		nextPID:     1,
		breakpoints: make(map[uint32]bool),
		watchpoints: make(map[uint32]*Watchpoint),
		arenaNext:   codeBase,
		cmdCh:       make(chan func(), 64),
		quit:        make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		select {
		case fn := <-s.cmdCh:
			fn()
		case <-s.quit:
			return
		}
	}
}

// Stop shuts down the command-processing goroutine.
func (s *Scheduler) Stop() { close(s.quit) }

func (s *Scheduler) do(fn func()) {
	done := make(chan struct{})
	s.cmdCh <- func() { fn(); close(done) }
	<-done
}

func (s *Scheduler) emit(typ string, pid *uint16, data map[string]interface{}) {
	if s.Events != nil {
		s.Events.Publish(RawEvent{Type: typ, PID: pid, Data: data})
	}
}

// LoadTask decodes a .hxe image, allocates a register window and stack in
// the arena, and creates a new Ready task, per spec.md's task.load(image).
func (s *Scheduler) LoadTask(appName string, data []byte) (pid uint16, err error) {
	s.do(func() {
		img, derr := image.Decode(data, 0)
		if derr != nil {
			err = derr
			return
		}
		if len(s.tasks) >= maxPIDs {
			err = errTooManyTasks
			return
		}

		regBase := s.arenaNext
		s.arenaNext += vm.WindowSize

		codeAddr := s.arenaNext
		total := uint32(len(img.Code) + len(img.Rodata))
		s.Arena.PutBytes(codeAddr, append(append([]byte{}, img.Code...), img.Rodata...))
		s.arenaNext += arena.Addr(total)
		if img.BSSLen > 0 {
			s.Arena.Zero(s.arenaNext, img.BSSLen)
			s.arenaNext += arena.Addr(img.BSSLen)
		}
		// Keep the stack and the next task's register window word-aligned.
		s.arenaNext = (s.arenaNext + 3) &^ 3

		stackBase := s.arenaNext
		s.arenaNext += defaultStackSz
		stackTop := stackBase + defaultStackSz

		pid = s.nextPID
		s.nextPID++

		t := &TaskRecord{
			PID:     pid,
			AppName: appName,
			State:   StateReady,
			VM:      vm.Task{RegBase: regBase, StackBase: stackBase, StackLimit: stackBase},
		}
		entryPC := uint32(codeAddr) + img.EntryPC
		t.VM.SetPC(s.Arena, entryPC)
		t.VM.SetSP(s.Arena, uint32(stackTop))
		t.VM.SetPSW(s.Arena, 0)
		s.tasks[pid] = t

		s.emit("task_state", &pid, map[string]interface{}{"state": "ready"})
	})
	return pid, err
}

var errTooManyTasks = vmErrorf("too many tasks")

type vmErr string

func vmErrorf(s string) error { return vmErr(s) }
func (e vmErr) Error() string { return string(e) }

// Kill transitions a task to Exited immediately (host kill, not task.exit).
func (s *Scheduler) Kill(pid uint16) (ok bool) {
	s.do(func() {
		t, exists := s.tasks[pid]
		if !exists {
			return
		}
		t.State = StateExited
		ok = true
		s.emit("task_state", &pid, map[string]interface{}{"state": "exited", "reason": "killed"})
	})
	return ok
}

// TaskInfo is a read-only snapshot for task.list.
type TaskInfo struct {
	PID     uint16
	AppName string
	State   string
}

func (s *Scheduler) ListTasks() []TaskInfo {
	var out []TaskInfo
	s.do(func() {
		pids := make([]uint16, 0, len(s.tasks))
		for pid := range s.tasks {
			pids = append(pids, pid)
		}
		sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
		for _, pid := range pids {
			t := s.tasks[pid]
			out = append(out, TaskInfo{PID: pid, AppName: t.AppName, State: t.State.String()})
		}
	})
	return out
}

// Resume transitions a Paused task back to Ready.
func (s *Scheduler) Resume(pid uint16) (ok bool) {
	s.do(func() {
		t, exists := s.tasks[pid]
		if !exists || t.State != StatePaused {
			return
		}
		t.State = StateReady
		ok = true
	})
	return ok
}

// readyPIDsLocked returns Ready PIDs in ascending order. Must be called
// from within do().
func (s *Scheduler) readyPIDsLocked() []uint16 {
	var out []uint16
	for pid, t := range s.tasks {
		if t.State == StateReady {
			out = append(out, pid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// wakeDeadlinesLocked transitions Sleeping/Waiting tasks whose deadline
// has elapsed back to Ready. Must be called from within do().
func (s *Scheduler) wakeDeadlinesLocked() {
	for pid, t := range s.tasks {
		switch t.State {
		case StateSleeping:
			if t.SleepDeadline != 0 && s.tick >= t.SleepDeadline {
				t.State = StateReady
				p := pid
				s.emit("scheduler", &p, map[string]interface{}{"wake": "sleep"})
			}
		case StateWaiting:
			if t.WaitDeadline != 0 && s.tick >= t.WaitDeadline {
				t.State = StateReady
				p := pid
				s.emit("mailbox_timeout", &p, map[string]interface{}{"handle": t.WaitHandle})
			}
		}
	}
}

// checkWatchpointsLocked compares every watched address's current byte
// value against its last-seen value and emits watch_update on change.
func (s *Scheduler) checkWatchpointsLocked() {
	for addr, wp := range s.watchpoints {
		b, err := s.Arena.U8(arena.Addr(addr))
		if err != nil {
			continue
		}
		if b != wp.LastValue {
			old := wp.LastValue
			wp.LastValue = b
			s.emit("watch_update", nil, map[string]interface{}{
				"addr": addr, "old": old, "new": b,
			})
		}
	}
}

// ClockStep performs n rotations. Each rotation steps every PID that was
// Ready at the rotation's start, exactly once, in ascending PID order,
// per spec.md §4.2's fairness invariant and §9's clock.step resolution.
func (s *Scheduler) ClockStep(n int) {
	s.do(func() {
		for i := 0; i < n; i++ {
			s.rotationLocked()
			s.tick++
			s.wakeDeadlinesLocked()
		}
	})
}

func (s *Scheduler) rotationLocked() {
	for _, pid := range s.readyPIDsLocked() {
		t := s.tasks[pid]
		if t.State != StateReady {
			continue // became non-Ready earlier in this same rotation
		}
		t.State = StateRunning
		s.stepOneLocked(t)
		s.checkWatchpointsLocked()
	}
}

func (s *Scheduler) stepOneLocked(t *TaskRecord) {
	res, err := vm.Step(s.Arena, &t.VM, s.breakpoints)
	if err != nil {
		t.State = StateFaulted
		pid := t.PID
		s.emit("scheduler", &pid, map[string]interface{}{"internal_error": err.Error()})
		return
	}

	pid := t.PID
	if res.Fault != nil {
		t.State = StateFaulted
		t.FaultInfo = res.Fault
		s.emit("trace_step", &pid, map[string]interface{}{"fatal": true, "kind": res.Fault.Kind.String(), "pc": res.Fault.PC})
		return
	}

	s.emit("trace_step", &pid, map[string]interface{}{
		"pc": res.Trace.PC, "next_pc": res.Trace.NextPC, "opcode": res.Trace.Opcode,
		"psw": res.Trace.PSW, "changed_regs": res.Trace.ChangedRegs,
	})

	if res.SVC != nil {
		r0, r1, action := s.Dispatcher.Dispatch(s.Arena, t.PID, res.SVC)
		t.VM.SetReg(s.Arena, 0, r0)
		t.VM.SetReg(s.Arena, 1, r1)
		s.applyActionLocked(t, action)
		return
	}

	if res.Break {
		t.State = StatePaused
		s.emit("debug_break", &pid, map[string]interface{}{"reason": "BRK", "pc": res.Trace.PC})
		return
	}

	t.State = StateReady
}

func (s *Scheduler) applyActionLocked(t *TaskRecord, action svc.Action) {
	for _, ev := range action.Events {
		p := t.PID
		s.emit(ev.Type, &p, ev.Data)
	}
	for _, w := range action.Woken {
		other, exists := s.tasks[w.PID]
		if !exists || other.State != StateWaiting {
			continue
		}
		wantReason := WaitMailboxRecv
		if w.Reason == "send" {
			wantReason = WaitMailboxSend
		}
		if other.WaitReason == wantReason {
			other.State = StateReady
			p := w.PID
			s.emit("mailbox_wake", &p, map[string]interface{}{"reason": w.Reason})
		}
	}

	pid := t.PID
	switch action.Kind {
	case svc.ActionBlockRecv:
		t.State = StateWaiting
		t.WaitReason = WaitMailboxRecv
		t.WaitHandle = action.Handle
		t.WaitDeadline = s.deadlineFor(action.TimeoutMs)
		s.emit("mailbox_wait", &pid, map[string]interface{}{"handle": action.Handle})
	case svc.ActionBlockSend:
		t.State = StateWaiting
		t.WaitReason = WaitMailboxSend
		t.WaitHandle = action.Handle
		s.emit("mailbox_wait", &pid, map[string]interface{}{"handle": action.Handle})
	case svc.ActionSleep:
		t.State = StateSleeping
		t.SleepDeadline = s.tick + int64(action.TimeoutMs)
	case svc.ActionYield:
		t.State = StateReady
	default:
		t.State = StateReady
	}
}

func (s *Scheduler) deadlineFor(timeoutMs uint32) int64 {
	if timeoutMs == 0xFFFF {
		return 0 // infinite
	}
	return s.tick + int64(timeoutMs)
}

// SetBreakpoint/ClearBreakpoint/ListBreakpoints implement bp.{set,clear,list}.
func (s *Scheduler) SetBreakpoint(addr uint32) {
	s.do(func() { s.breakpoints[addr] = true })
}

func (s *Scheduler) ClearBreakpoint(addr uint32) {
	s.do(func() { delete(s.breakpoints, addr) })
}

func (s *Scheduler) ListBreakpoints() []uint32 {
	var out []uint32
	s.do(func() {
		for addr := range s.breakpoints {
			out = append(out, addr)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	})
	return out
}

// AddWatch/RemoveWatch/ListWatches implement watch.{add,remove,list}.
func (s *Scheduler) AddWatch(addr uint32) {
	s.do(func() {
		b, _ := s.Arena.U8(arena.Addr(addr))
		s.watchpoints[addr] = &Watchpoint{Addr: addr, LastValue: b}
	})
}

func (s *Scheduler) RemoveWatch(addr uint32) {
	s.do(func() { delete(s.watchpoints, addr) })
}

func (s *Scheduler) ListWatches() []uint32 {
	var out []uint32
	s.do(func() {
		for addr := range s.watchpoints {
			out = append(out, addr)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	})
	return out
}

// GetRegs/SetRegs implement regs.{get,set}.
func (s *Scheduler) GetRegs(pid uint16) (regs [19]uint32, ok bool) {
	s.do(func() {
		t, exists := s.tasks[pid]
		if !exists {
			return
		}
		ok = true
		for i := 0; i < vm.WindowRegs; i++ {
			v, _ := t.VM.GetReg(s.Arena, i)
			regs[i] = v
		}
	})
	return regs, ok
}

func (s *Scheduler) SetReg(pid uint16, index int, value uint32) (ok bool) {
	s.do(func() {
		t, exists := s.tasks[pid]
		if !exists {
			return
		}
		t.VM.SetReg(s.Arena, index, value)
		ok = true
	})
	return ok
}

// PeekMem/PokeMem implement mem.{peek,poke}.
func (s *Scheduler) PeekMem(addr uint32, length uint32) ([]byte, error) {
	var out []byte
	var err error
	s.do(func() { out, err = s.Arena.Bytes(arena.Addr(addr), length) })
	return out, err
}

func (s *Scheduler) PokeMem(addr uint32, data []byte) error {
	var err error
	s.do(func() { err = s.Arena.PutBytes(arena.Addr(addr), data) })
	return err
}

// StackWords reads up to count 32-bit words upward from the task's current
// SP, for stack.get. Word 0 is the value at SP itself.
func (s *Scheduler) StackWords(pid uint16, count int) ([]uint32, bool) {
	var out []uint32
	var ok bool
	s.do(func() {
		t, exists := s.tasks[pid]
		if !exists {
			return
		}
		ok = true
		sp, err := t.VM.SP(s.Arena)
		if err != nil {
			ok = false
			return
		}
		for i := 0; i < count; i++ {
			addr := arena.Addr(sp) + arena.Addr(i*4)
			if addr+4 > arena.Addr(t.VM.StackLimit)+defaultStackSz {
				break
			}
			v, err := s.Arena.U32(addr)
			if err != nil {
				break
			}
			out = append(out, v)
		}
	})
	return out, ok
}

// DisasmAt decodes count instructions starting at addr, for disasm.at.
func (s *Scheduler) DisasmAt(addr uint32, count int) []string {
	var lines []string
	s.do(func() {
		pc := addr
		for i := 0; i < count; i++ {
			word, err := s.Arena.U16(arena.Addr(pc))
			if err != nil {
				break
			}
			op, rd, rs1, mode := vm.Decode(word)
			size := uint32(2)
			var ext uint32
			if mode.HasExtWord() {
				lo, _ := s.Arena.U16(arena.Addr(pc + 2))
				hi, _ := s.Arena.U16(arena.Addr(pc + 4))
				ext = uint32(lo) | uint32(hi)<<16
				size = 6
			}
			lines = append(lines, disasmLine(pc, vm.Mnemonic(op), rd, rs1, mode, ext))
			pc += size
		}
	})
	return lines
}

func disasmLine(pc uint32, mnemonic string, rd, rs1 uint8, mode vm.Mode, ext uint32) string {
	switch mode {
	case vm.ModeRegReg3:
		return fmt.Sprintf("%04x: %s R%d, R%d, R%d", pc, mnemonic, rd, rs1, uint8(ext&0xF))
	case vm.ModeImm:
		return fmt.Sprintf("%04x: %s R%d, #%d", pc, mnemonic, rd, ext)
	case vm.ModeNone:
		return fmt.Sprintf("%04x: %s", pc, mnemonic)
	default:
		return fmt.Sprintf("%04x: %s R%d, R%d", pc, mnemonic, rd, rs1)
	}
}

// Tick returns the current monotonic tick count, for clock.status.
func (s *Scheduler) Tick() int64 {
	var t int64
	s.do(func() { t = s.tick })
	return t
}

// TaskState exposes one task's lifecycle state for clock.status / task.list.
func (s *Scheduler) TaskState(pid uint16) (State, bool) {
	var st State
	var ok bool
	s.do(func() { t, exists := s.tasks[pid]; ok = exists; if exists { st = t.State } })
	return st, ok
}
