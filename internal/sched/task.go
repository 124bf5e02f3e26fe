package sched

import (
	"github.com/Hans-Einar/hsx/internal/mailbox"
	"github.com/Hans-Einar/hsx/internal/vm"
)

// State is a TaskRecord's scheduling state, per spec.md §4.2.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateWaiting
	StateSleeping
	StatePaused
	StateFaulted
	StateExited
)

func (s State) String() string {
	names := [...]string{"ready", "running", "waiting", "sleeping", "paused", "faulted", "exited"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// WaitReason distinguishes why a task is Waiting, for wake matching.
type WaitReason uint8

const (
	WaitNone WaitReason = iota
	WaitMailboxRecv
	WaitMailboxSend
)

// TaskRecord is the per-PID scheduling record from spec.md §3. Its vm.Task
// embed carries only RegBase/StackBase/StackLimit — never a copy of
// register contents.
type TaskRecord struct {
	PID      uint16
	AppName  string
	State    State
	OwnerSID string // owning session ID, "" if unlocked (observer mode only)

	VM vm.Task

	WaitReason   WaitReason
	WaitHandle   mailbox.Handle
	WaitDeadline int64 // monotonic tick deadline, 0 = no deadline

	SleepDeadline int64

	FaultInfo *vm.Fault
	ExitCode  uint32
}
