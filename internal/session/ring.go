package session

import "github.com/cloudwego/gopkg/container/ring"

// eventRing is a fixed-capacity FIFO of Events, the same head/tail/count
// wrapper internal/mailbox uses over cloudwego/gopkg's Ring, sized to the
// per-subscription queue floor from spec.md §4.6 (>=64 entries).
type eventRing struct {
	r     *ring.Ring[Event]
	head  int
	tail  int
	count int
	cap   int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{r: ring.NewFromSlice(make([]Event, capacity)), cap: capacity}
}

func (q *eventRing) Len() int    { return q.count }
func (q *eventRing) Cap() int    { return q.cap }
func (q *eventRing) Full() bool  { return q.count == q.cap }
func (q *eventRing) Empty() bool { return q.count == 0 }

// Push enqueues, overwriting the oldest entry (and advancing head) if full.
// Returns true if an entry was dropped.
func (q *eventRing) Push(e Event) (dropped bool) {
	item, _ := q.r.Get(q.tail)
	*item.Pointer() = e
	q.tail = (q.tail + 1) % q.cap
	if q.count < q.cap {
		q.count++
	} else {
		q.head = (q.head + 1) % q.cap
		dropped = true
	}
	return dropped
}

func (q *eventRing) At(i int) (Event, bool) {
	if i < 0 || i >= q.count {
		return Event{}, false
	}
	item, _ := q.r.Get((q.head + i) % q.cap)
	return item.Value(), true
}

// Oldest returns the sequence number of the oldest buffered event, or 0 if
// empty, used to decide whether a reconnect's since_seq is still coverable.
func (q *eventRing) Oldest() (uint64, bool) {
	if q.Empty() {
		return 0, false
	}
	e, _ := q.At(0)
	return e.Seq, true
}
