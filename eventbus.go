package chat

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventBus fans session events out to subscribers.
//
// Events are delivered on a single dispatch goroutine in the order they
// were published, so handlers for one kind always see events FIFO.
// Handlers must not block for long and must not call Close. A handler
// that panics is logged and skipped.
type EventBus struct {
	log *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	nextID uint64
	byKind map[EventKind][]*Subscription
	any    []*Subscription
	queue  []Event
	closed bool
	done   chan struct{}
}

// Subscription is the handle returned by the On* methods. Pass it to
// Off (or call its Off method) to unregister.
type Subscription struct {
	id      uint64
	kind    EventKind // zero for OnAny
	handler func(Event)
	active  atomic.Bool
	bus     *EventBus
}

// Off unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Off() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Off(s)
}

// NewEventBus starts a bus. Close it to stop the dispatch goroutine.
func NewEventBus(log *zap.Logger) *EventBus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &EventBus{
		log:    log,
		byKind: make(map[EventKind][]*Subscription),
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

func subscribe[T Event](b *EventBus, kind EventKind, h func(T)) *Subscription {
	return b.subscribe(kind, func(ev Event) { h(ev.(T)) })
}

func (b *EventBus) OnNewMessage(h func(NewMessageEvent)) *Subscription {
	return subscribe(b, KindNewMessage, h)
}

func (b *EventBus) OnMessageUpdated(h func(MessageUpdatedEvent)) *Subscription {
	return subscribe(b, KindMessageUpdated, h)
}

func (b *EventBus) OnMessageDeleted(h func(MessageDeletedEvent)) *Subscription {
	return subscribe(b, KindMessageDeleted, h)
}

func (b *EventBus) OnMessageRead(h func(MessageReadEvent)) *Subscription {
	return subscribe(b, KindMessageRead, h)
}

func (b *EventBus) OnUserTyping(h func(UserTypingEvent)) *Subscription {
	return subscribe(b, KindUserTyping, h)
}

func (b *EventBus) OnUserStopTyping(h func(UserStopTypingEvent)) *Subscription {
	return subscribe(b, KindUserStopTyping, h)
}

func (b *EventBus) OnRoomInactive(h func(RoomInactiveEvent)) *Subscription {
	return subscribe(b, KindRoomInactive, h)
}

func (b *EventBus) OnOfferReceived(h func(OfferReceivedEvent)) *Subscription {
	return subscribe(b, KindOfferReceived, h)
}

func (b *EventBus) OnRoomRemoved(h func(RoomRemovedEvent)) *Subscription {
	return subscribe(b, KindRoomRemoved, h)
}

func (b *EventBus) OnConnectionStateChanged(h func(ConnectionStateChangedEvent)) *Subscription {
	return subscribe(b, KindConnectionStateChanged, h)
}

// OnAny receives every event.
func (b *EventBus) OnAny(h func(Event)) *Subscription {
	return b.subscribe(0, h)
}

func (b *EventBus) subscribe(kind EventKind, h func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, kind: kind, handler: h, bus: b}
	sub.active.Store(true)
	if kind == 0 {
		b.any = append(b.any, sub)
	} else {
		b.byKind[kind] = append(b.byKind[kind], sub)
	}
	return sub
}

// Off unregisters sub. Events already queued are not delivered to it.
func (b *EventBus) Off(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.kind == 0 {
		b.any = removeSubscription(b.any, sub)
		return
	}
	b.byKind[sub.kind] = removeSubscription(b.byKind[sub.kind], sub)
	if len(b.byKind[sub.kind]) == 0 {
		delete(b.byKind, sub.kind)
	}
}

func removeSubscription(subs []*Subscription, sub *Subscription) []*Subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != sub.id {
			out = append(out, s)
		}
	}
	return out
}

// Publish queues ev for delivery. It never blocks on handlers. Events
// published after Close are dropped.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
}

// Close delivers the events already queued and stops the dispatcher.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *EventBus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.cond.Wait()
		}
		ev := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		targets := make([]*Subscription, 0, len(b.byKind[ev.Kind()])+len(b.any))
		targets = append(targets, b.byKind[ev.Kind()]...)
		targets = append(targets, b.any...)
		b.mu.Unlock()

		for _, sub := range targets {
			if sub.active.Load() {
				b.deliver(sub, ev)
			}
		}
	}
}

func (b *EventBus) deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.Stringer("kind", ev.Kind()),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(ev)
}
