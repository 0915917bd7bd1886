// Package outbound pushes local item state changes to the remote service.
package outbound

import (
	"context"
	"strings"

	"github.com/bryan-buckman/infovore-sync/internal/category"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/sirupsen/logrus"
)

// RemoteItemPrefix marks item ids issued by the remote service.
const RemoteItemPrefix = "tag:google.com,2005:reader/item/"

// Mode selects how much of the remote state SyncOut may change.
type Mode int

const (
	// FullDiff adds and removes categories so the remote matches local state.
	FullDiff Mode = iota
	// AddOnly never removes; used on first pairing.
	AddOnly
)

func (m Mode) String() string {
	if m == AddOnly {
		return "add-only"
	}
	return "full-diff"
}

// Op is a single category edit.
type Op int

const (
	OpAdd Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "add"
}

// Mutation is one category edit against one remote item.
type Mutation struct {
	ItemID   string
	Category string
	Op       Op
}

// CategoryEditor applies category edits on the remote side.
type CategoryEditor interface {
	AddCategory(ctx context.Context, itemID, category string) error
	RemoveCategory(ctx context.Context, itemID, category string) error
}

// Apply sends m through editor.
func Apply(ctx context.Context, editor CategoryEditor, m Mutation) error {
	if m.Op == OpRemove {
		return editor.RemoveCategory(ctx, m.ItemID, m.Category)
	}
	return editor.AddCategory(ctx, m.ItemID, m.Category)
}

// Synchronizer computes the category edits for a local change and issues them.
type Synchronizer struct {
	editor CategoryEditor
	log    *logrus.Entry
}

// NewSynchronizer creates a Synchronizer. editor is usually a *Queue.
func NewSynchronizer(editor CategoryEditor, log *logrus.Entry) *Synchronizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Synchronizer{editor: editor, log: log.WithField("component", "outbound")}
}

// Plan returns the edits needed to bring the cached remote categories in line
// with changes. It does no I/O.
func Plan(remoteID string, changes model.ChangeSet, cached []string, mode Mode) []Mutation {
	var out []Mutation
	add := func(name string) {
		c, err := category.Encode(name)
		if err != nil {
			return
		}
		out = append(out, Mutation{ItemID: remoteID, Category: c, Op: OpAdd})
	}
	remove := func(name string) {
		c, err := category.Encode(name)
		if err != nil {
			return
		}
		out = append(out, Mutation{ItemID: remoteID, Category: c, Op: OpRemove})
	}

	if changes.StateSet {
		remoteRead := category.HasTag(cached, category.Read)
		if changes.SetsRead() {
			if mode == AddOnly || !remoteRead {
				add(category.Read)
			}
		} else if mode == FullDiff && (remoteRead || model.Contains(changes.Dropped, model.StateRead)) {
			// A dropped read may have been pushed after cached was taken.
			remove(category.Read)
		}
	}

	if !changes.TagsSet {
		return out
	}

	local := make(map[string]struct{}, len(changes.Tags))
	for _, tag := range changes.Tags {
		name := category.StripNamespace(tag)
		if _, dup := local[name]; dup {
			continue
		}
		local[name] = struct{}{}
		if !category.HasTag(cached, name) {
			add(name)
		}
	}

	if mode == AddOnly {
		return out
	}

	removed := make(map[string]struct{})
	for _, c := range cached {
		d, err := category.Decode(c)
		if err != nil {
			continue
		}
		// Only labels and the starred state have a local tag counterpart.
		if d.Kind == category.KindState && d.Name != category.Starred {
			continue
		}
		if _, ok := local[d.Name]; ok {
			continue
		}
		if _, ok := removed[d.Name]; ok {
			continue
		}
		removed[d.Name] = struct{}{}
		remove(d.Name)
	}
	for _, tag := range changes.Dropped {
		if tag == model.StateRead {
			continue
		}
		name := category.StripNamespace(tag)
		if category.IsReserved(name) && name != category.Starred {
			continue
		}
		if _, ok := local[name]; ok {
			continue
		}
		if _, ok := removed[name]; ok {
			continue
		}
		removed[name] = struct{}{}
		remove(name)
	}
	return out
}

// Overlay returns cached with the queued edits in pending applied in order,
// which is what the remote will hold once they land.
func Overlay(cached []string, pending []Mutation) []string {
	cats := append([]string{}, cached...)
	for _, m := range pending {
		switch m.Op {
		case OpAdd:
			if !containsCategory(cats, m.Category) {
				cats = append(cats, m.Category)
			}
		case OpRemove:
			kept := cats[:0]
			for _, c := range cats {
				if !category.Equal(c, m.Category) {
					kept = append(kept, c)
				}
			}
			cats = kept
		}
	}
	return cats
}

func containsCategory(cats []string, c string) bool {
	for _, x := range cats {
		if category.Equal(x, c) {
			return true
		}
	}
	return false
}

// SyncOut issues the edits for changes against an item whose remote id is
// remoteID and whose last seen categories are cached. Individual failures are
// logged and do not stop the rest of the batch. It returns the edits attempted.
func (s *Synchronizer) SyncOut(ctx context.Context, remoteID string, changes model.ChangeSet, cached []string, mode Mode) []Mutation {
	if !strings.HasPrefix(remoteID, RemoteItemPrefix) {
		return nil
	}
	for _, tag := range changes.Tags {
		if _, err := category.Suffix(category.StripNamespace(tag)); err != nil {
			s.log.WithField("item", remoteID).WithError(err).Warn("tag cannot be sent")
		}
	}
	muts := Plan(remoteID, changes, cached, mode)
	for _, m := range muts {
		if err := Apply(ctx, s.editor, m); err != nil {
			s.log.WithFields(logrus.Fields{
				"item":     m.ItemID,
				"category": m.Category,
				"op":       m.Op.String(),
			}).WithError(err).Warn("category edit failed")
		}
	}
	if len(muts) > 0 {
		s.log.WithFields(logrus.Fields{"item": remoteID, "mode": mode.String(), "edits": len(muts)}).Debug("synced item")
	}
	return muts
}
