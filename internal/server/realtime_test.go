package server

import (
	"context"
	"testing"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/catalog"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
)

var (
	accountA = mustAccount("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	accountB = mustAccount("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func mustAccount(raw string) market.Account {
	account, err := market.ParseAccount(raw)
	if err != nil {
		panic(err)
	}
	return account
}

func TestRealtimeDispatcherBroadcastsInvalidations(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx, accountA)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx, accountB)
	defer cleanupSecond()

	dispatcher.PublishInvalidation(catalog.InvalidationEvent{
		Type:      catalog.EventCatalogInvalidated,
		Trigger:   catalog.TriggerPurchaseConfirmed,
		ItemID:    3,
		Timestamp: time.Now().UTC(),
	})

	for _, stream := range []<-chan catalog.InvalidationEvent{first, second} {
		select {
		case received := <-stream:
			if received.Type != catalog.EventCatalogInvalidated {
				t.Fatalf("expected event type %s, got %s", catalog.EventCatalogInvalidated, received.Type)
			}
			if received.ItemID != 3 {
				t.Fatalf("expected item 3, got %d", received.ItemID)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected realtime message within deadline")
		}
	}
}

func TestRealtimeDispatcherDropsEventsForFullSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, accountA)
	defer cleanup()

	for index := 0; index < dispatcher.bufferSize+4; index++ {
		dispatcher.PublishInvalidation(catalog.InvalidationEvent{Type: catalog.EventCatalogInvalidated, ItemID: market.ItemID(index + 1)})
	}
	if len(stream) != dispatcher.bufferSize {
		t.Fatalf("expected %d buffered events, got %d", dispatcher.bufferSize, len(stream))
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, accountA)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherRejectsAnonymousSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), market.Account{})
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatal("expected closed stream for anonymous subscriber")
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("anonymous subscriber should not register")
	}
}
