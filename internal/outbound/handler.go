package outbound

import (
	"context"

	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
)

// ItemSource loads the current local copy of an item.
type ItemSource interface {
	GetItem(itemID int64) (model.Item, error)
}

// PendingSource reports edits queued for a remote item but not yet applied.
type PendingSource interface {
	Pending(itemID string) []Mutation
}

// AttributesHandler returns the AttributesChanged handler that pushes a local
// edit to the remote. The edit is diffed against the item's last seen
// categories with any still-queued edits applied on top; pending may be nil.
func (s *Synchronizer) AttributesHandler(items ItemSource, pending PendingSource) func(context.Context, events.AttributesChanged) {
	return func(ctx context.Context, ev events.AttributesChanged) {
		if ev.Changes.Empty() {
			return
		}
		it, err := items.GetItem(ev.ItemID)
		if err != nil {
			s.log.WithField("item", ev.ItemID).WithError(err).Warn("loading changed item")
			return
		}
		if it.RemoteID == "" {
			return
		}
		cached := it.RemoteCategories
		if pending != nil {
			cached = Overlay(cached, pending.Pending(it.RemoteID))
		}
		s.SyncOut(ctx, it.RemoteID, ev.Changes, cached, FullDiff)
	}
}
