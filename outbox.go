package chat

import "time"

// Priority orders outbound commands for overflow handling. When the
// outbox is full the oldest entry of the lowest priority is dropped;
// PriorityMessage entries are never dropped.
type Priority int

const (
	PriorityTyping Priority = iota
	PriorityReceipt
	PriorityControl
	PriorityMessage
)

func (p Priority) droppable() bool { return p < PriorityMessage }

type outboxEntry struct {
	kind     string
	data     []byte
	priority Priority
	// key identifies entries that may be withdrawn before they are
	// sent (the client message ID for chat messages).
	key      string
	queuedAt time.Time

	// discarded runs, outside the manager's lock, when the entry is
	// evicted or cleared without being written.
	discarded func()
}

// outbox is the FIFO of commands waiting for a connection. It is not
// safe for concurrent use; ConnectionManager guards it with its mutex.
type outbox struct {
	limit   int
	entries []*outboxEntry
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit}
}

// push appends e and returns the entry evicted to respect the limit, if
// any.
func (o *outbox) push(e *outboxEntry) *outboxEntry {
	o.entries = append(o.entries, e)
	if len(o.entries) <= o.limit {
		return nil
	}
	victim := -1
	for i, cur := range o.entries {
		if !cur.priority.droppable() {
			continue
		}
		if victim < 0 || cur.priority < o.entries[victim].priority {
			victim = i
		}
	}
	if victim < 0 {
		return nil
	}
	dropped := o.entries[victim]
	o.entries = append(o.entries[:victim], o.entries[victim+1:]...)
	return dropped
}

func (o *outbox) pop() *outboxEntry {
	if len(o.entries) == 0 {
		return nil
	}
	e := o.entries[0]
	o.entries[0] = nil
	o.entries = o.entries[1:]
	return e
}

// pushFront returns an entry whose write failed to the head of the queue.
func (o *outbox) pushFront(e *outboxEntry) {
	o.entries = append([]*outboxEntry{e}, o.entries...)
}

// remove withdraws the entry with the given key. It reports whether one
// was queued.
func (o *outbox) remove(key string) bool {
	for i, e := range o.entries {
		if e.key == key {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (o *outbox) len() int { return len(o.entries) }

// clear empties the queue and returns what it held, oldest first.
func (o *outbox) clear() []*outboxEntry {
	dropped := o.entries
	o.entries = nil
	return dropped
}

// discard runs the discarded hooks of entries newest first, so rollbacks
// of successive updates unwind in order.
func discard(entries []*outboxEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		if fn := entries[i].discarded; fn != nil {
			fn()
		}
	}
}
