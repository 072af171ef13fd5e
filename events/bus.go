package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT BUS - Internal message fabric
// ═══════════════════════════════════════════════════════════════════════════════
//
// In-process pub/sub. Each subscriber owns a goroutine draining a buffered
// channel, so delivery per subscriber preserves publish order and a slow
// subscriber never blocks the publisher (events are dropped past the buffer).
//
// ═══════════════════════════════════════════════════════════════════════════════

// EventType identifies a system event.
type EventType string

const (
	EventSignalIngested EventType = "SIGNAL_INGESTED"
	EventSignalMerged   EventType = "SIGNAL_MERGED"
	EventSignalBlocked  EventType = "SIGNAL_BLOCKED"
	EventIntentCreated  EventType = "INTENT_CREATED"
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderFailed    EventType = "ORDER_FAILED"
	EventPositionOpened EventType = "POSITION_OPENED"
	EventTPHit          EventType = "TP_HIT"
	EventSLMoved        EventType = "SL_MOVED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventMarginAlert    EventType = "MARGIN_ALERT"
	EventSpreadBlocked  EventType = "SPREAD_BLOCKED"
	EventSmartWait      EventType = "SMART_WAIT"
	EventSignalEdited   EventType = "SIGNAL_EDITED"
	EventOverflow       EventType = "OVERFLOW"
)

// Event is one bus message.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber handles events.
type Subscriber func(Event)

const subscriberBuffer = 256

type subscription struct {
	types map[EventType]bool // nil means all
	ch    chan Event
}

// Bus is the in-process event fabric.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given event types (all types when empty).
// fn runs on its own goroutine and receives events in publish order.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
	}()
}

// Publish fans an event out to matching subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("type", string(ev.Type)).Msg("Event dropped, subscriber backlog full")
		}
	}
}

// Close stops delivery. Subscriber goroutines drain and exit.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
}

// Emit is shorthand for Publish with a data map.
func (b *Bus) Emit(t EventType, data map[string]any) {
	b.Publish(Event{Type: t, Data: data})
}

// EmitSignalBlocked publishes a block event with its reason.
func (b *Bus) EmitSignalBlocked(signalID, symbol, reason string) {
	b.Emit(EventSignalBlocked, map[string]any{
		"signal_id": signalID,
		"symbol":    symbol,
		"reason":    reason,
	})
}

// EmitPositionOpened publishes a fill acknowledgement.
func (b *Bus) EmitPositionOpened(ticket int64, intentID, symbol string) {
	b.Emit(EventPositionOpened, map[string]any{
		"ticket":    ticket,
		"intent_id": intentID,
		"symbol":    symbol,
	})
}

// EmitSLMoved publishes a stop-loss modification.
func (b *Bus) EmitSLMoved(ticket int64, oldSL, newSL, source string) {
	b.Emit(EventSLMoved, map[string]any{
		"ticket": ticket,
		"old_sl": oldSL,
		"new_sl": newSL,
		"source": source,
	})
}
