package mailbox

import (
	"github.com/cloudwego/gopkg/container/ring"
)

// msgRing is a fixed-capacity FIFO of Messages with the head/tail/len
// discipline the teacher's terminal input buffer uses, backed by
// cloudwego/gopkg's GC-friendly Ring instead of a raw array so capacity is
// configurable per descriptor (spec.md §3: capacity_bytes varies per
// mailbox, the teacher's terminal buffers are fixed at compile time).
type msgRing struct {
	r     *ring.Ring[Message]
	head  int // next slot to dequeue
	tail  int // next slot to enqueue
	count int
	cap   int
}

func newMsgRing(capacity int) *msgRing {
	return &msgRing{
		r:   ring.NewFromSlice(make([]Message, capacity)),
		cap: capacity,
	}
}

func (q *msgRing) Len() int      { return q.count }
func (q *msgRing) Cap() int      { return q.cap }
func (q *msgRing) Full() bool    { return q.count == q.cap }
func (q *msgRing) Empty() bool   { return q.count == 0 }

// Push enqueues a message at the tail. Caller must check Full() first if
// overflow must be rejected rather than silently evicting.
func (q *msgRing) Push(m Message) {
	item, _ := q.r.Get(q.tail)
	*item.Pointer() = m
	q.tail = (q.tail + 1) % q.cap
	if q.count < q.cap {
		q.count++
	} else {
		// overwrote the oldest slot; head must advance too.
		q.head = (q.head + 1) % q.cap
	}
}

// Pop dequeues and removes the head message.
func (q *msgRing) Pop() (Message, bool) {
	if q.Empty() {
		return Message{}, false
	}
	item, _ := q.r.Get(q.head)
	m := item.Value()
	q.head = (q.head + 1) % q.cap
	q.count--
	return m, true
}

// Peek returns the head message without removing it.
func (q *msgRing) Peek() (Message, bool) {
	if q.Empty() {
		return Message{}, false
	}
	item, _ := q.r.Get(q.head)
	return item.Value(), true
}

// At returns the i-th message from the head (0 = head) without removing
// it, used for fan-out readers that scan forward from last_seq_delivered.
func (q *msgRing) At(i int) (Message, bool) {
	if i < 0 || i >= q.count {
		return Message{}, false
	}
	item, _ := q.r.Get((q.head + i) % q.cap)
	return item.Value(), true
}

// DropHead evicts the oldest message without returning it, used by
// fan-out-drop eviction.
func (q *msgRing) DropHead() {
	if q.Empty() {
		return
	}
	q.head = (q.head + 1) % q.cap
	q.count--
}
