// Package inbound folds the remote view of freshly fetched items into local
// state and pushes local state back out on first contact.
package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/bryan-buckman/infovore-sync/internal/category"
	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/inoreader"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/bryan-buckman/infovore-sync/internal/outbound"
	"github.com/sirupsen/logrus"
)

// Remote lists the remote items of one feed.
type Remote interface {
	FetchItems(ctx context.Context, feedURL string) ([]inoreader.Entry, error)
}

// Outbound issues category edits for a local change.
type Outbound interface {
	SyncOut(ctx context.Context, remoteID string, changes model.ChangeSet, cached []string, mode outbound.Mode) []outbound.Mutation
}

// PendingEdits reports edits accepted for a remote item but not yet applied.
type PendingEdits interface {
	Pending(itemID string) []outbound.Mutation
}

// Report summarizes one reconciliation pass.
type Report struct {
	Matched   int
	Unmatched int
	Paired    int
	Failed    int
}

// Reconciler applies remote categories to local items.
type Reconciler struct {
	store   database.ItemStore
	remote  Remote
	out     Outbound
	pending PendingEdits
	log     *logrus.Entry
}

// NewReconciler creates a Reconciler. pending may be nil.
func NewReconciler(store database.ItemStore, remote Remote, out Outbound, pending PendingEdits, log *logrus.Entry) *Reconciler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{
		store:   store,
		remote:  remote,
		out:     out,
		pending: pending,
		log:     log.WithField("component", "inbound"),
	}
}

// HandleFetch is the FetchCycleComplete handler.
func (r *Reconciler) HandleFetch(ctx context.Context, ev events.FetchCycleComplete) {
	rep, err := r.Reconcile(ctx, ev.Feed, ev.Items)
	log := r.log.WithFields(logrus.Fields{
		"feed":      ev.Feed.URL,
		"matched":   rep.Matched,
		"unmatched": rep.Unmatched,
		"paired":    rep.Paired,
		"failed":    rep.Failed,
	})
	if err != nil {
		log.WithError(err).Warn("reconcile failed")
		return
	}
	log.Debug("reconciled feed")
}

// Reconcile fetches the remote view of feed and reconciles every item
// against it. A failure on one item does not stop the others.
func (r *Reconciler) Reconcile(ctx context.Context, feed model.Feed, items []model.Item) (Report, error) {
	var rep Report
	if len(items) == 0 {
		return rep, nil
	}
	entries, err := r.remote.FetchItems(ctx, feed.URL)
	if err != nil {
		rep.Unmatched = len(items)
		return rep, fmt.Errorf("fetch remote items for %s: %w", feed.URL, err)
	}
	idx := indexByLink(entries)

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		entry, ok := idx[it.Link]
		if !ok || it.Link == "" {
			rep.Unmatched++
			continue
		}
		paired, err := r.reconcileItem(ctx, it.ID, entry)
		if errors.Is(err, database.ErrNotFound) {
			// Deleted locally since the fetch.
			rep.Unmatched++
			continue
		}
		rep.Matched++
		if err != nil {
			rep.Failed++
			r.log.WithFields(logrus.Fields{"item": it.ID, "link": it.Link}).WithError(err).Warn("item reconcile failed")
			continue
		}
		if paired {
			rep.Paired++
		}
	}
	return rep, nil
}

// indexByLink maps canonical links to entries; the first entry for a link wins.
func indexByLink(entries []inoreader.Entry) map[string]inoreader.Entry {
	idx := make(map[string]inoreader.Entry, len(entries))
	for _, e := range entries {
		if e.Link == "" {
			continue
		}
		if _, dup := idx[e.Link]; dup {
			continue
		}
		idx[e.Link] = e
	}
	return idx
}

// reconcileItem updates one item from entry and reports whether this was its
// first pairing.
func (r *Reconciler) reconcileItem(ctx context.Context, itemID int64, entry inoreader.Entry) (bool, error) {
	var (
		changes model.ChangeSet
		mode    outbound.Mode
		first   bool
		cached  = r.effectiveCategories(entry)
	)
	saved, err := database.MutateItem(r.store, itemID, func(it *model.Item) error {
		first = !it.RemoteSynced
		it.RemoteID = entry.ID
		it.RemoteCategories = append([]string{}, entry.Categories...)
		r.applyRemote(it, cached)
		if first {
			it.RemoteSynced = true
			mode = outbound.AddOnly
		} else {
			applyRemovals(it, cached)
			mode = outbound.FullDiff
		}
		changes = model.FullChangeSet(*it)
		return nil
	})
	if err != nil {
		return false, err
	}
	r.out.SyncOut(ctx, saved.RemoteID, changes, cached, mode)
	return first, nil
}

// effectiveCategories is the remote snapshot with edits still waiting in the
// outbound queue applied on top.
func (r *Reconciler) effectiveCategories(entry inoreader.Entry) []string {
	if r.pending == nil {
		return append([]string{}, entry.Categories...)
	}
	return outbound.Overlay(entry.Categories, r.pending.Pending(entry.ID))
}

// applyRemote adds the local state and tags that cats imply.
func (r *Reconciler) applyRemote(it *model.Item, cats []string) {
	for _, c := range cats {
		d, err := category.Decode(c)
		if err != nil {
			r.log.WithField("item", it.ID).WithError(err).Debug("skipping category")
			continue
		}
		switch {
		case d.Kind == category.KindState && d.Name == category.Read:
			it.State = model.AddUnique(it.State, model.StateRead)
		case d.Kind == category.KindState && d.Name == category.Starred:
			it.Tags = model.AddUnique(it.Tags, model.StarredTag)
		case d.Kind == category.KindLabel:
			it.Tags = model.AddUnique(it.Tags, category.LocalTag(d.Name))
		}
	}
}

// applyRemovals drops local state the remote no longer corroborates. Read is
// kept while the remote still marks the item fresh, and tags that cannot be
// expressed remotely are never removed.
func applyRemovals(it *model.Item, cats []string) {
	if it.IsRead() && !category.HasTag(cats, category.Read) && !category.HasTag(cats, category.Fresh) {
		it.State = model.Remove(it.State, model.StateRead)
	}
	var kept []string
	for _, tag := range it.Tags {
		name := category.StripNamespace(tag)
		if _, err := category.Suffix(name); err != nil || category.HasTag(cats, name) {
			kept = append(kept, tag)
		}
	}
	it.Tags = kept
}
