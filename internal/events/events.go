// Package events dispatches daemon events to registered handlers.
//
// The set of events is closed: every variant implements Event through an
// unexported method, and handlers are registered per variant through Handlers.
// Dispatch is synchronous; Publish returns once every handler has run.
package events

import (
	"context"
	"sync"

	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/sirupsen/logrus"
)

// Event is one of the variants below.
type Event interface {
	event()
}

// AttributesChanged fires after a local edit of an item's state or tags.
type AttributesChanged struct {
	ItemID  int64
	Changes model.ChangeSet
}

// FeedAdded fires after a feed is added to the local configuration.
type FeedAdded struct {
	Feed model.Feed
}

// FeedRemoved fires after a feed is removed from the local configuration.
type FeedRemoved struct {
	Feed model.Feed
}

// FetchCycleComplete fires once per feed after a fetch, carrying every item
// the feed currently lists.
type FetchCycleComplete struct {
	Feed  model.Feed
	Items []model.Item
}

// DaemonReady fires once, before steady-state fetching begins.
type DaemonReady struct{}

func (AttributesChanged) event()  {}
func (FeedAdded) event()          {}
func (FeedRemoved) event()        {}
func (FetchCycleComplete) event() {}
func (DaemonReady) event()        {}

// Handlers holds one optional callback per event variant.
type Handlers struct {
	AttributesChanged  func(context.Context, AttributesChanged)
	FeedAdded          func(context.Context, FeedAdded)
	FeedRemoved        func(context.Context, FeedRemoved)
	FetchCycleComplete func(context.Context, FetchCycleComplete)
	DaemonReady        func(context.Context, DaemonReady)
}

// Publisher is the sending side of a Bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Bus delivers events to handlers in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handlers
	log      *logrus.Entry
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{log: log.WithField("component", "events")}
}

// Register adds a handler set.
func (b *Bus) Register(h Handlers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish runs every handler registered for ev. A panicking handler is logged
// and does not prevent the others from running.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]Handlers(nil), b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handlers, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("event", eventName(ev)).Errorf("handler panic: %v", r)
		}
	}()
	switch e := ev.(type) {
	case AttributesChanged:
		if h.AttributesChanged != nil {
			h.AttributesChanged(ctx, e)
		}
	case FeedAdded:
		if h.FeedAdded != nil {
			h.FeedAdded(ctx, e)
		}
	case FeedRemoved:
		if h.FeedRemoved != nil {
			h.FeedRemoved(ctx, e)
		}
	case FetchCycleComplete:
		if h.FetchCycleComplete != nil {
			h.FetchCycleComplete(ctx, e)
		}
	case DaemonReady:
		if h.DaemonReady != nil {
			h.DaemonReady(ctx, e)
		}
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case AttributesChanged:
		return "attributes_changed"
	case FeedAdded:
		return "feed_added"
	case FeedRemoved:
		return "feed_removed"
	case FetchCycleComplete:
		return "fetch_cycle_complete"
	case DaemonReady:
		return "daemon_ready"
	}
	return "unknown"
}
