package server

import (
	"context"
	"sync"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/catalog"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "marketplace-api"
)

// RealtimeDispatcher fans invalidation events out to every open event stream. Delivery never blocks the
// publisher; a subscriber whose buffer is full misses the event and picks up the next one.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id      int64
	account market.Account
	stream  chan catalog.InvalidationEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for account until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, account market.Account) (<-chan catalog.InvalidationEvent, func()) {
	if account == (market.Account{}) {
		ch := make(chan catalog.InvalidationEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		account: account,
		stream:  make(chan catalog.InvalidationEvent, d.bufferSize),
	}
	d.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishInvalidation delivers event to every subscriber.
func (d *RealtimeDispatcher) PublishInvalidation(event catalog.InvalidationEvent) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) register(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
