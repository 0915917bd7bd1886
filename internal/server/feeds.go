package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
)

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.db.GetAllFeeds()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}
	out := make([]feedView, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, newFeedView(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Title  string `json:"title"`
		Folder string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if req.Title == "" {
		req.Title = req.URL
	}

	var folderID *int64
	if req.Folder != "" {
		id, err := s.db.GetOrCreateFolder(req.Folder, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create folder")
			return
		}
		folderID = &id
	}

	id, created, err := s.db.GetOrCreateFeed(folderID, req.Title, req.URL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add feed")
		return
	}
	feed := model.Feed{ID: id, FolderID: folderID, Title: req.Title, URL: req.URL}
	if !created {
		writeJSON(w, http.StatusOK, newFeedView(feed))
		return
	}
	s.publish(r.Context(), events.FeedAdded{Feed: feed})
	writeJSON(w, http.StatusCreated, newFeedView(feed))
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "feedID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid feed id")
		return
	}
	feed, err := s.db.GetFeedByID(id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	if err := s.db.DeleteFeed(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete feed")
		return
	}
	s.publish(r.Context(), events.FeedRemoved{Feed: *feed})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeedItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "feedID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid feed id")
		return
	}
	items, err := s.db.GetItems(id, r.URL.Query().Get("unread") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, itemViews(items))
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "feedID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid feed id")
		return
	}
	feed, err := s.db.GetFeedByID(id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	n, err := s.fetcher.FetchFeed(r.Context(), *feed)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "new_items": n})
}
