// Package events fans node notifications out to subscribers. Subscribers
// receive on bounded channels; a slow subscriber loses events rather than
// stalling the publisher.
package events

import (
	"sync"

	"cosmossdk.io/log"

	"github.com/gridmint/gridmint/types"
)

// EventType names a notification stream.
type EventType string

const (
	EventNewBlock        EventType = "new_block"
	EventNewTransaction  EventType = "new_transaction"
	EventReceiptAttested EventType = "receipt_attested"
)

// Event is one notification. Exactly one of the payload fields is set,
// matching Type.
type Event struct {
	Type        EventType
	Block       *types.Block
	Transaction *types.Transaction
	Receipt     *types.JobReceipt
}

const subscriberBuffer = 256

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType]map[int]chan Event
	nextID int
	closed bool
	logger log.Logger
}

// NewBus returns an empty bus.
func NewBus(logger log.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType]map[int]chan Event),
		logger: logger.With("module", "events"),
	}
}

// Subscribe returns a receive channel for the event type and a cancel
// function. The channel closes on cancel or bus shutdown.
func (b *Bus) Subscribe(t EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[t][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[t][id]; ok {
			delete(b.subs[t], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its type. Full
// subscriber buffers drop the event for that subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("subscriber buffer full, dropping event", "type", ev.Type)
		}
	}
}

// PublishBlock publishes a new_block event.
func (b *Bus) PublishBlock(block *types.Block) {
	b.Publish(Event{Type: EventNewBlock, Block: block})
}

// PublishTransaction publishes a new_transaction event.
func (b *Bus) PublishTransaction(tx *types.Transaction) {
	b.Publish(Event{Type: EventNewTransaction, Transaction: tx})
}

// PublishReceipt publishes a receipt_attested event.
func (b *Bus) PublishReceipt(r *types.JobReceipt) {
	b.Publish(Event{Type: EventReceiptAttested, Receipt: r})
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}
