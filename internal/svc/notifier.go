package svc

import (
	"encoding/binary"

	"github.com/Hans-Einar/hsx/internal/mailbox"
	"github.com/Hans-Einar/hsx/internal/registry"
)

// MailboxNotifier implements registry.Notifier by posting a watch_update
// frame through the same *mailbox.Manager the dispatcher already holds,
// per spec.md §4.4's VAL_SUB fan-out. The frame is (oid uint16, f16
// uint16), little-endian: the same oid-first layout dispatchCMD's
// CALL_ASYNC reply uses for (oid uint16, rc uint32).
type MailboxNotifier struct {
	Mailboxes *mailbox.Manager
}

func (n MailboxNotifier) NotifyWatch(mboxHandle uint32, update registry.WatchUpdate) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(update.OID))
	binary.LittleEndian.PutUint16(payload[2:4], update.F16)
	if _, _, errno := n.Mailboxes.Send(mailbox.Handle(mboxHandle), 0, payload, 0, 0); errno != mailbox.OK {
		return errno
	}
	return nil
}
