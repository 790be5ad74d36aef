package bus_test

import (
	"testing"

	"github.com/trailsd/trails/internal/server/bus"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := bus.New(4)
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(bus.Event{Kind: bus.KindAppConnected, AppID: "app-1"})

	for _, ch := range []chan bus.Event{a, c} {
		select {
		case e := <-ch:
			if e.AppID != "app-1" || e.Kind != bus.KindAppConnected {
				t.Fatalf("got %+v", e)
			}
		default:
			t.Fatal("expected event to be delivered")
		}
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := bus.New(1)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(bus.Event{Kind: bus.KindAppConnected, AppID: "first"})
	b.Publish(bus.Event{Kind: bus.KindAppConnected, AppID: "second"}) // dropped, buffer full

	e := <-ch
	if e.AppID != "first" {
		t.Fatalf("got %q, want first", e.AppID)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected no further events, got %+v", e)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.New(4)
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
}
