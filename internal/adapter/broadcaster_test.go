package adapter

import (
	"testing"
	"time"
)

var (
	btcFutures = FeedKey{Exchange: ExchangeBinance, Market: MarketFutures, Symbol: "BTCUSDT"}
	ethSpot    = FeedKey{Exchange: ExchangeKuCoin, Market: MarketSpot, Symbol: "ETHUSDT"}
)

func TestBroadcaster_SubscribeAllSeesEveryFeed(t *testing.T) {
	bc := NewBroadcaster(nil)
	all, unsubscribe := bc.SubscribeAll()
	defer unsubscribe()

	bc.Publish(Event{Kind: EventBook, Key: btcFutures})
	bc.Publish(Event{Kind: EventTrade, Key: ethSpot})

	received := map[FeedKey]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			received[ev.Key] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	if !received[btcFutures] || !received[ethSpot] {
		t.Fatalf("missing events on unified stream: %v", received)
	}
}

func TestBroadcaster_FilteredSubscribers(t *testing.T) {
	bc := NewBroadcaster(nil)
	subA, unsubA := bc.Subscribe(btcFutures)
	defer unsubA()
	subB, unsubB := bc.Subscribe(ethSpot)
	defer unsubB()

	bc.Publish(Event{Kind: EventBook, Key: btcFutures, Book: BookUpdate{Seq: 1}})
	bc.Publish(Event{Kind: EventBook, Key: ethSpot, Book: BookUpdate{Seq: 2}})

	select {
	case ev := <-subA:
		if ev.Key != btcFutures || ev.Book.Seq != 1 {
			t.Fatalf("subA got wrong event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subA: timed out")
	}

	select {
	case ev := <-subB:
		if ev.Key != ethSpot || ev.Book.Seq != 2 {
			t.Fatalf("subB got wrong event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subB: timed out")
	}

	select {
	case ev := <-subA:
		t.Fatalf("subA received unexpected extra event: %+v", ev)
	case ev := <-subB:
		t.Fatalf("subB received unexpected extra event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriber(t *testing.T) {
	bc := NewBroadcaster(nil)

	// Never drained: its buffer fills and further events are dropped.
	_, unsubSlow := bc.Subscribe(ethSpot)
	defer unsubSlow()
	fast, unsubFast := bc.Subscribe(btcFutures)
	defer unsubFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bc.Publish(Event{Kind: EventBook, Key: ethSpot})
		}
		bc.Publish(Event{Kind: EventBook, Key: btcFutures, Book: BookUpdate{Seq: 7}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	select {
	case ev := <-fast:
		if ev.Book.Seq != 7 {
			t.Fatalf("fast subscriber got wrong event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber was starved by slow subscriber")
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	bc := NewBroadcaster(nil)
	ch, unsubscribe := bc.Subscribe(btcFutures)

	unsubscribe()
	unsubscribe() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing to a feed with no subscribers must not panic.
	bc.Publish(Event{Kind: EventBook, Key: btcFutures})

	bc.mu.RLock()
	n := len(bc.subs)
	bc.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected empty subscriber map, got %d keys", n)
	}
}
