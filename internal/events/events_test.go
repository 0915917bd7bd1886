package events

import (
	"context"
	"testing"

	"github.com/bryan-buckman/infovore-sync/internal/model"
)

func TestBusDispatchesByVariant(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	bus.Register(Handlers{
		AttributesChanged: func(_ context.Context, e AttributesChanged) {
			got = append(got, "attrs")
			if e.ItemID != 7 {
				t.Errorf("ItemID = %d", e.ItemID)
			}
		},
		DaemonReady: func(context.Context, DaemonReady) { got = append(got, "ready") },
	})
	bus.Register(Handlers{
		DaemonReady: func(context.Context, DaemonReady) { got = append(got, "ready2") },
		FeedAdded:   func(_ context.Context, e FeedAdded) { got = append(got, "add:"+e.Feed.URL) },
	})

	ctx := context.Background()
	bus.Publish(ctx, AttributesChanged{ItemID: 7})
	bus.Publish(ctx, DaemonReady{})
	bus.Publish(ctx, FeedAdded{Feed: model.Feed{URL: "http://x"}})
	bus.Publish(ctx, FeedRemoved{})

	want := []string{"attrs", "ready", "ready2", "add:http://x"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBusRecoversFromPanics(t *testing.T) {
	bus := NewBus(nil)
	ran := false
	bus.Register(Handlers{DaemonReady: func(context.Context, DaemonReady) { panic("boom") }})
	bus.Register(Handlers{DaemonReady: func(context.Context, DaemonReady) { ran = true }})
	bus.Publish(context.Background(), DaemonReady{})
	if !ran {
		t.Fatal("second handler did not run")
	}
}
