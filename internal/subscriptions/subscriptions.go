// Package subscriptions keeps the local feed list and the remote subscription
// list in step.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/bryan-buckman/infovore-sync/internal/outbound"
	"github.com/sirupsen/logrus"
)

// ErrEmptyRemote is returned when the remote list is empty but local feeds
// exist, and deleting them all has not been allowed.
var ErrEmptyRemote = errors.New("remote subscription list is empty")

// Remote is the subscription side of the remote client.
type Remote interface {
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	AddSubscription(ctx context.Context, feedURL, name string) error
	RemoveSubscription(ctx context.Context, feedURL string) error
}

// FeedStore is the feed configuration side of the local store.
type FeedStore interface {
	GetAllFeeds() ([]model.Feed, error)
	GetOrCreateFeed(folderID *int64, title, url string) (int64, bool, error)
	DeleteFeed(feedID int64) error
}

// Config controls the reconciler.
type Config struct {
	// AllowEmptyRemote lets an empty remote list delete every local feed.
	AllowEmptyRemote bool
	Policy           outbound.Policy
}

// Report lists what a reconciliation changed.
type Report struct {
	Added   []string // feeds created locally
	Removed []string // feeds deleted locally
	Failed  int
}

// Reconciler makes the local feed list match the remote one.
type Reconciler struct {
	store  FeedStore
	remote Remote
	bus    events.Publisher
	config Config
	log    *logrus.Entry
	ran    atomic.Bool
}

// NewReconciler creates a Reconciler. Local changes are announced on bus as
// FeedAdded and FeedRemoved, the same as edits made through the API; bus may
// be nil.
func NewReconciler(store FeedStore, remote Remote, bus events.Publisher, config Config, log *logrus.Entry) *Reconciler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.Policy.MaxAttempts == 0 {
		config.Policy = outbound.DefaultPolicy()
	}
	return &Reconciler{
		store:  store,
		remote: remote,
		bus:    bus,
		config: config,
		log:    log.WithField("component", "subscriptions"),
	}
}

// HandleReady runs the reconciliation the first time the daemon reports ready.
func (r *Reconciler) HandleReady(ctx context.Context, _ events.DaemonReady) {
	if !r.ran.CompareAndSwap(false, true) {
		return
	}
	rep, err := r.Run(ctx)
	if err != nil {
		r.log.WithError(err).Error("subscription sync aborted")
		return
	}
	r.log.WithFields(logrus.Fields{
		"added":   len(rep.Added),
		"removed": len(rep.Removed),
		"failed":  rep.Failed,
	}).Info("subscriptions synchronized")
}

// Run lists the remote subscriptions and applies the difference locally.
// Nothing is deleted unless the listing succeeded.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report

	var subs []model.Subscription
	err := outbound.Retry(ctx, r.config.Policy, func(ctx context.Context) error {
		var err error
		subs, err = r.remote.ListSubscriptions(ctx)
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("list remote subscriptions: %w", err)
	}

	feeds, err := r.store.GetAllFeeds()
	if err != nil {
		return rep, fmt.Errorf("list local feeds: %w", err)
	}

	remote := make(map[string]model.Subscription, len(subs))
	var order []string
	for _, s := range subs {
		if s.URL == "" {
			continue
		}
		if _, dup := remote[s.URL]; dup {
			continue
		}
		remote[s.URL] = s
		order = append(order, s.URL)
	}
	if len(remote) == 0 && len(feeds) > 0 && !r.config.AllowEmptyRemote {
		return rep, fmt.Errorf("refusing to delete %d local feeds: %w", len(feeds), ErrEmptyRemote)
	}

	local := make(map[string]model.Feed, len(feeds))
	for _, f := range feeds {
		local[f.URL] = f
	}

	for _, url := range order {
		if _, ok := local[url]; ok {
			continue
		}
		if err := r.addLocal(ctx, remote[url]); err != nil {
			rep.Failed++
			r.log.WithField("url", url).WithError(err).Warn("could not add feed")
			continue
		}
		rep.Added = append(rep.Added, url)
	}

	for _, f := range feeds {
		if _, ok := remote[f.URL]; ok {
			continue
		}
		if err := r.removeLocal(ctx, f); err != nil {
			rep.Failed++
			r.log.WithField("url", f.URL).WithError(err).Warn("could not remove feed")
			continue
		}
		rep.Removed = append(rep.Removed, f.URL)
	}
	return rep, nil
}

func (r *Reconciler) addLocal(ctx context.Context, s model.Subscription) error {
	title := s.Name
	if title == "" {
		title = s.URL
	}
	id, _, err := r.store.GetOrCreateFeed(nil, title, s.URL)
	if err != nil {
		return err
	}
	r.log.WithField("url", s.URL).Debug("new feed")
	if r.bus != nil {
		r.bus.Publish(ctx, events.FeedAdded{Feed: model.Feed{ID: id, Title: title, URL: s.URL}})
	}
	return nil
}

func (r *Reconciler) removeLocal(ctx context.Context, f model.Feed) error {
	if err := r.store.DeleteFeed(f.ID); err != nil {
		return err
	}
	r.log.WithField("url", f.URL).Debug("old feed")
	if r.bus != nil {
		r.bus.Publish(ctx, events.FeedRemoved{Feed: f})
	}
	return nil
}
