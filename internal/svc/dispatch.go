// Package svc implements the SVC dispatcher: static (module, function)
// routing to mailbox, value, command, exec-core, and HAL handlers, per
// spec.md §4.5. The handler set is closed at build time — Dispatch
// switches on the module ID into one Dispatcher method per module, each
// with a function-opcode switch inside, mirroring the teacher's MMIO readReg/writeReg dispatch shape rather than
// dynamic method lookup (spec.md §9).
package svc

import (
	"encoding/binary"

	"github.com/Hans-Einar/hsx/internal/arena"
	"github.com/Hans-Einar/hsx/internal/hal"
	"github.com/Hans-Einar/hsx/internal/mailbox"
	"github.com/Hans-Einar/hsx/internal/registry"
	"github.com/Hans-Einar/hsx/internal/vm"
)

// Module IDs, per spec.md §4.5/§6.
const (
	ModMBX Module = 0x05
	ModEXEC Module = 0x06
	ModVAL  Module = 0x07
	ModCMD  Module = 0x08
)

type Module uint8

// MBX function opcodes, per spec.md §6.
const (
	FnMbxOpen Func = iota + 1
	FnMbxBind
	FnMbxSend
	FnMbxRecv
	FnMbxPeek
	FnMbxTap
	FnMbxClose
)

// EXEC function opcodes.
const (
	FnExecGetVersion Func = iota + 1
	FnExecSleepMs
	FnExecYield
)

// VAL function opcodes, per spec.md §4.4.
const (
	FnValRegister Func = iota + 1
	FnValLookup
	FnValGet
	FnValSet
	FnValList
	FnValSub
	FnValPersist
)

// CMD function opcodes.
const (
	FnCmdRegister Func = iota + 1
	FnCmdLookup
	FnCmdCall
	FnCmdCallAsync
	FnCmdHelp
)

type Func uint8

// ActionKind tells the scheduler what to do with the task after this SVC,
// beyond writing R0/R1. Blocking decisions (Waiting-state transitions)
// belong to the scheduler, not the dispatcher, per spec.md §5's ownership
// model, so the dispatcher reports intent rather than mutating task state.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionBlockRecv
	ActionBlockSend
	ActionSleep
	ActionYield
)

// Action is the scheduler-facing side effect of one SVC dispatch. Woken
// carries any other PIDs a mailbox SEND/RECV unblocked, since the
// dispatcher has no access to the scheduler's task table to transition
// them itself (spec.md §5's single-owner model).
type Action struct {
	Kind      ActionKind
	Handle    mailbox.Handle
	TimeoutMs uint32
	Woken     []mailbox.WakeEvent
	Events    []EventHint
}

// EventHint is a scheduler-facing event the dispatcher observed but has no
// EventSink to publish itself, per spec.md §4.2's transition-event list
// ("mailbox_send|recv|wait|wake|timeout|error"); the scheduler stamps
// seq/timestamp and publishes these alongside its own wait/wake/timeout
// emissions.
type EventHint struct {
	Type string
	Data map[string]interface{}
}

const statusOK = 0

// Dispatcher routes decoded SVC traps to the four core modules and any
// bound HAL collaborators.
type Dispatcher struct {
	Mailboxes *mailbox.Manager
	Values    *registry.Registry
	HAL       *hal.Registry
	Version   uint32
}

func New(mailboxes *mailbox.Manager, values *registry.Registry, halReg *hal.Registry) *Dispatcher {
	return &Dispatcher{Mailboxes: mailboxes, Values: values, HAL: halReg, Version: 1}
}

// Dispatch handles one SVC trap. a is the arena (for pointer arguments),
// pid identifies the calling task. It returns the R0 status and R1
// auxiliary result, plus any scheduler-facing Action.
func (d *Dispatcher) Dispatch(a *arena.Arena, pid uint16, req *vm.SVCRequest) (r0, r1 uint32, action Action) {
	switch Module(req.Module) {
	case ModMBX:
		return d.dispatchMBX(a, pid, Func(req.Func), req.Args)
	case ModEXEC:
		return d.dispatchEXEC(Func(req.Func), req.Args)
	case ModVAL:
		return d.dispatchVAL(a, Func(req.Func), req.Args)
	case ModCMD:
		return d.dispatchCMD(pid, Func(req.Func), req.Args)
	default:
		if req.Module >= 0x10 && req.Module <= 0x17 && d.HAL != nil {
			status, aux := d.HAL.Dispatch(req.Module, req.Func, req.Args)
			return uint32(status), aux, Action{}
		}
		return uint32(0xFFFFFFFF), 0, Action{} // ENOSYS
	}
}

func readCString(a *arena.Arena, ptr uint32) string {
	var name []byte
	addr := ptr
	for len(name) < MaxNameLen {
		b, err := a.U8(arena.Addr(addr))
		if err != nil || b == 0 {
			break
		}
		name = append(name, b)
		addr++
	}
	return string(name)
}

// MaxNameLen bounds readCString the same way the teacher's
// readFileNameLocked caps its scan, generalized from a 255-byte path cap
// to the mailbox qualified-name cap.
const MaxNameLen = mailbox.MaxNameLen

func parseQualifiedName(raw string) (mailbox.Namespace, string) {
	for ns, prefix := range map[mailbox.Namespace]string{
		mailbox.NSPid: "pid:", mailbox.NSSvc: "svc:", mailbox.NSApp: "app:", mailbox.NSShared: "shared:",
	} {
		if len(raw) > len(prefix) && raw[:len(prefix)] == prefix {
			return ns, raw[len(prefix):]
		}
	}
	return mailbox.NSApp, raw
}

func (d *Dispatcher) dispatchMBX(a *arena.Arena, pid uint16, fn Func, args [5]uint32) (uint32, uint32, Action) {
	switch fn {
	case FnMbxOpen:
		name := readCString(a, args[0])
		ns, base := parseQualifiedName(name)
		mode := mailbox.Mode(args[1])
		h, errno := d.Mailboxes.Open(ns, base, mode, pid)
		return uint32(errno), uint32(h), Action{}

	case FnMbxBind:
		name := readCString(a, args[0])
		ns, base := parseQualifiedName(name)
		capacity := args[1]
		mode := mailbox.Mode(args[2])
		h, errno := d.Mailboxes.Bind(ns, base, capacity, mode, mailbox.PolicyExclusive, pid)
		return uint32(errno), uint32(h), Action{}

	case FnMbxSend:
		h := mailbox.Handle(args[0])
		bufPtr, length, flags, channel := args[1], args[2], args[3], args[4]
		payload, err := a.Bytes(arena.Addr(bufPtr), length)
		if err != nil {
			return uint32(mailbox.INTERNAL_ERROR), 0, Action{}
		}
		n, woken, errno := d.Mailboxes.Send(h, pid, payload, uint16(flags), uint16(channel))
		if errno == mailbox.WOULDBLOCK {
			d.Mailboxes.BlockSender(h, pid)
			return uint32(errno), 0, Action{Kind: ActionBlockSend, Handle: h}
		}
		events := []EventHint{{Type: "mailbox_send", Data: map[string]interface{}{"handle": uint32(h), "n": n, "errno": uint32(errno)}}}
		return uint32(errno), uint32(n), Action{Woken: woken, Events: events}

	case FnMbxRecv:
		h := mailbox.Handle(args[0])
		bufPtr, maxlen, timeout, infoPtr := args[1], args[2], args[3], args[4]
		msg, info, woken, errno := d.Mailboxes.Recv(h, int(maxlen))
		if errno == mailbox.NO_DATA && timeout != 0 {
			return uint32(errno), 0, Action{Kind: ActionBlockRecv, Handle: h, TimeoutMs: timeout}
		}
		if errno != mailbox.OK {
			return uint32(errno), 0, Action{}
		}
		a.PutBytes(arena.Addr(bufPtr), msg.Payload)
		if infoPtr != 0 {
			a.PutU32(arena.Addr(infoPtr), uint32(info.Flags))
		}
		events := []EventHint{{Type: "mailbox_recv", Data: map[string]interface{}{"handle": uint32(h), "n": len(msg.Payload)}}}
		return uint32(errno), uint32(len(msg.Payload)), Action{Woken: woken, Events: events}

	case FnMbxPeek:
		h := mailbox.Handle(args[0])
		depth, headSeq, errno := d.Mailboxes.Peek(h)
		_ = headSeq
		return uint32(errno), uint32(depth), Action{}

	case FnMbxTap:
		h := mailbox.Handle(args[0])
		errno := d.Mailboxes.Tap(h, args[1] != 0)
		return uint32(errno), 0, Action{}

	case FnMbxClose:
		h := mailbox.Handle(args[0])
		errno := d.Mailboxes.Close(h)
		return uint32(errno), 0, Action{}

	default:
		return uint32(0xFFFFFFFF), 0, Action{}
	}
}

func (d *Dispatcher) dispatchEXEC(fn Func, args [5]uint32) (uint32, uint32, Action) {
	switch fn {
	case FnExecGetVersion:
		return statusOK, d.Version, Action{}
	case FnExecSleepMs:
		return statusOK, 0, Action{Kind: ActionSleep, TimeoutMs: args[0]}
	case FnExecYield:
		return statusOK, 0, Action{Kind: ActionYield}
	default:
		return uint32(0xFFFFFFFF), 0, Action{}
	}
}

func (d *Dispatcher) dispatchVAL(a *arena.Arena, fn Func, args [5]uint32) (uint32, uint32, Action) {
	switch fn {
	case FnValRegister:
		group, id, flags, authLevel := uint8(args[0]), uint8(args[1]), uint8(args[2]), uint8(args[3])
		oid, errno := d.Values.RegisterValue(group, id, flags, authLevel, 0, nil)
		return uint32(errno), uint32(oid), Action{}
	case FnValGet:
		oid := registry.OID(args[0])
		f16, errno := d.Values.GetValue(oid)
		return uint32(errno), uint32(f16), Action{}
	case FnValSet:
		oid := registry.OID(args[0])
		f16 := uint16(args[1])
		callerAuth := uint8(args[2])
		errno := d.Values.SetValue(oid, f16, callerAuth)
		return uint32(errno), 0, Action{}
	case FnValList:
		groupFilter := uint8(args[0])
		outPtr, max := args[1], int(args[2])
		oids := d.Values.ListValues(groupFilter, max)
		for i, oid := range oids {
			a.PutU32(arena.Addr(outPtr+uint32(i*4)), uint32(oid))
		}
		return statusOK, uint32(len(oids)), Action{}
	case FnValSub:
		oid := registry.OID(args[0])
		mboxHandle := args[1]
		errno := d.Values.SubscribeValue(oid, mboxHandle)
		return uint32(errno), 0, Action{}
	case FnValPersist:
		oid := registry.OID(args[0])
		mode := registry.PersistMode(args[1])
		errno := d.Values.SetPersistMode(oid, mode)
		return uint32(errno), 0, Action{}
	default:
		return uint32(0xFFFFFFFF), 0, Action{}
	}
}

// dispatchCMD routes CMD_* calls. A command registered from a VM task has
// no Go closure of its own to run, so its Handler notifies the owning
// task's mailbox rather than executing task code directly; CALL still
// returns synchronously once that notification is posted.
func (d *Dispatcher) dispatchCMD(pid uint16, fn Func, args [5]uint32) (uint32, uint32, Action) {
	switch fn {
	case FnCmdRegister:
		group, id, flags, authLevel := uint8(args[0]), uint8(args[1]), uint8(args[2]), uint8(args[3])
		notify := mailbox.Handle(args[4])
		handler := func() (uint32, error) {
			if notify != 0 {
				d.Mailboxes.Send(notify, pid, nil, 0, 0)
			}
			return 0, nil
		}
		oid, errno := d.Values.RegisterCommand(group, id, flags, authLevel, pid, nil, handler)
		return uint32(errno), uint32(oid), Action{}

	case FnCmdLookup:
		oid := registry.OID(args[0])
		_, errno := d.Values.LookupCommand(oid)
		return uint32(errno), 0, Action{}

	case FnCmdCall:
		oid := registry.OID(args[0])
		callerToken := uint8(args[1])
		rc, errno := d.Values.Call(oid, callerToken)
		return uint32(errno), rc, Action{}

	case FnCmdCallAsync:
		oid := registry.OID(args[0])
		callerToken := uint8(args[1])
		reply := mailbox.Handle(args[2])
		errno := d.Values.CallAsync(oid, callerToken, func(oid registry.OID, rc uint32) {
			if reply == 0 {
				return
			}
			buf := make([]byte, 6)
			binary.LittleEndian.PutUint16(buf[0:2], uint16(oid))
			binary.LittleEndian.PutUint32(buf[2:6], rc)
			d.Mailboxes.Send(reply, pid, buf, 0, 0)
		})
		return uint32(errno), 0, Action{}

	case FnCmdHelp:
		oid := registry.OID(args[0])
		_, errno := d.Values.LookupCommand(oid)
		return uint32(errno), 0, Action{}

	default:
		return uint32(0xFFFFFFFF), 0, Action{}
	}
}
