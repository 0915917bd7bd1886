package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
)

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.db.GetAllItems(r.URL.Query().Get("unread") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, itemViews(items))
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "itemID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	it, err := s.db.GetItem(id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	writeJSON(w, http.StatusOK, newItemView(it))
}

// itemEdit is a partial update of an item's state and tags.
type itemEdit struct {
	Read       *bool    `json:"read"`
	AddTags    []string `json:"add_tags"`
	RemoveTags []string `json:"remove_tags"`
}

func (e itemEdit) validate() error {
	for _, tag := range append(append([]string{}, e.AddTags...), e.RemoveTags...) {
		if !strings.Contains(tag, ":") || strings.HasSuffix(tag, ":") {
			return errors.New("tags must be namespaced, e.g. user:later")
		}
	}
	return nil
}

// apply changes it and returns what changed.
func (e itemEdit) apply(it *model.Item) model.ChangeSet {
	var cs model.ChangeSet
	if e.Read != nil && *e.Read != it.IsRead() {
		if *e.Read {
			it.State = model.AddUnique(it.State, model.StateRead)
		} else {
			it.State = model.Remove(it.State, model.StateRead)
			cs.Dropped = append(cs.Dropped, model.StateRead)
		}
		cs.State, cs.StateSet = append([]string{}, it.State...), true
	}
	before := append([]string{}, it.Tags...)
	for _, tag := range e.AddTags {
		it.Tags = model.AddUnique(it.Tags, tag)
	}
	for _, tag := range e.RemoveTags {
		it.Tags = model.Remove(it.Tags, tag)
	}
	if !model.SameSet(before, it.Tags) {
		cs.Tags, cs.TagsSet = append([]string{}, it.Tags...), true
		for _, tag := range before {
			if !model.Contains(it.Tags, tag) {
				cs.Dropped = model.AddUnique(cs.Dropped, tag)
			}
		}
	}
	return cs
}

// editItem applies e on a fresh snapshot and announces the change.
func (s *Server) editItem(ctx context.Context, id int64, e itemEdit) (model.Item, error) {
	var changes model.ChangeSet
	it, err := database.MutateItem(s.db, id, func(it *model.Item) error {
		changes = e.apply(it)
		return nil
	})
	if err != nil {
		return it, err
	}
	if !changes.Empty() {
		s.publish(ctx, events.AttributesChanged{ItemID: id, Changes: changes})
	}
	return it, nil
}

func (s *Server) handleEditItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "itemID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	var req itemEdit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	it, err := s.editItem(r.Context(), id, req)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.log.WithField("item", id).WithError(err).Warn("edit failed")
		writeError(w, http.StatusInternalServerError, "failed to save item")
		return
	}
	writeJSON(w, http.StatusOK, newItemView(it))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemIDs []int64 `json:"item_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	read := true
	failed := 0
	for _, id := range req.ItemIDs {
		if _, err := s.editItem(r.Context(), id, itemEdit{Read: &read}); err != nil {
			failed++
			s.log.WithField("item", id).WithError(err).Warn("mark read failed")
		}
	}
	if failed > 0 && failed == len(req.ItemIDs) {
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "failed": failed})
}
