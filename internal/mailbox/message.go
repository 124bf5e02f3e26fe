// Package mailbox implements the namespaced, bounded-queue IPC subsystem
// that also serves as the scheduler's universal wake/wait primitive.
package mailbox

// Namespace tags the first segment of a qualified mailbox name.
type Namespace byte

const (
	NSPid Namespace = iota
	NSSvc
	NSApp
	NSShared
)

func (n Namespace) Prefix() string {
	switch n {
	case NSPid:
		return "pid:"
	case NSSvc:
		return "svc:"
	case NSApp:
		return "app:"
	case NSShared:
		return "shared:"
	default:
		return "?:"
	}
}

// MaxNameLen is the qualified-name length ceiling from spec.md §4.3,
// including the namespace prefix.
const MaxNameLen = 32

// Frame flag bits, per spec.md §3.
const (
	FlagSTDOUT  uint16 = 1 << 0
	FlagSTDERR  uint16 = 1 << 1
	FlagOOB     uint16 = 1 << 2
	FlagOVERRUN uint16 = 1 << 3
)

// Message is one framed mailbox payload.
type Message struct {
	Seq     uint32
	SrcPID  uint16
	Channel uint16
	Flags   uint16
	Payload []byte
}

// Policy selects delivery semantics for a descriptor's subscribers.
type Policy uint8

const (
	PolicyExclusive Policy = iota
	PolicyFanoutDrop
	PolicyFanoutBlock
)

// Mode is the RDONLY/WRONLY/RDWR access mask; the Go API takes the Policy
// and the TAP flag as separate arguments. The svc package passes the SVC
// mode register through as a Mode unchanged and always binds with
// PolicyExclusive: no policy or TAP bits are decoded from it.
type Mode uint8

const (
	ModeRDONLY Mode = 1 << iota
	ModeWRONLY
)

func (m Mode) RDWR() bool { return m&ModeRDONLY != 0 && m&ModeWRONLY != 0 }

// Reserved stdio descriptor names, per spec.md §4.3.
const (
	StdioIn  = "svc:stdio.in"
	StdioOut = "svc:stdio.out"
	StdioErr = "svc:stdio.err"
)
