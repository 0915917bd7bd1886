package subscriptions

import (
	"context"

	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/outbound"
	"github.com/sirupsen/logrus"
)

// Propagator mirrors local feed additions and removals to the remote.
type Propagator struct {
	remote Remote
	policy outbound.Policy
	log    *logrus.Entry
}

// NewPropagator creates a Propagator.
func NewPropagator(remote Remote, policy outbound.Policy, log *logrus.Entry) *Propagator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if policy.MaxAttempts == 0 {
		policy = outbound.DefaultPolicy()
	}
	return &Propagator{remote: remote, policy: policy, log: log.WithField("component", "subscriptions")}
}

// Handlers returns the bus handlers for feed events.
func (p *Propagator) Handlers() events.Handlers {
	return events.Handlers{
		FeedAdded:   p.HandleFeedAdded,
		FeedRemoved: p.HandleFeedRemoved,
	}
}

// HandleFeedAdded subscribes the remote to the new feed.
func (p *Propagator) HandleFeedAdded(ctx context.Context, ev events.FeedAdded) {
	err := outbound.Retry(ctx, p.policy, func(ctx context.Context) error {
		return p.remote.AddSubscription(ctx, ev.Feed.URL, ev.Feed.Title)
	})
	if err != nil {
		p.log.WithField("url", ev.Feed.URL).WithError(err).Warn("remote subscribe failed")
		return
	}
	p.log.WithField("url", ev.Feed.URL).Debug("subscribed remotely")
}

// HandleFeedRemoved unsubscribes the remote from the feed.
func (p *Propagator) HandleFeedRemoved(ctx context.Context, ev events.FeedRemoved) {
	err := outbound.Retry(ctx, p.policy, func(ctx context.Context) error {
		return p.remote.RemoveSubscription(ctx, ev.Feed.URL)
	})
	if err != nil {
		p.log.WithField("url", ev.Feed.URL).WithError(err).Warn("remote unsubscribe failed")
		return
	}
	p.log.WithField("url", ev.Feed.URL).Debug("unsubscribed remotely")
}
