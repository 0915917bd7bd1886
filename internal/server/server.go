// Package server provides the HTTP API for feeds, items and settings.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/bryan-buckman/infovore-sync/internal/opml"
	"github.com/bryan-buckman/infovore-sync/internal/rss"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Fetcher runs feed fetches on demand.
type Fetcher interface {
	FetchAll(ctx context.Context) (map[int64]int, error)
	FetchFeed(ctx context.Context, feed model.Feed) (int, error)
}

// Scheduler accepts a new polling interval.
type Scheduler interface {
	Reschedule(minutes int) error
}

// Server is the HTTP API.
type Server struct {
	db      database.Store
	bus     events.Publisher
	fetcher Fetcher
	poller  Scheduler
	router  chi.Router
	log     *logrus.Entry

	mu   sync.Mutex
	http *http.Server
}

// New creates a server. poller may be nil.
func New(db database.Store, bus events.Publisher, fetcher Fetcher, poller Scheduler, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		db:      db,
		bus:     bus,
		fetcher: fetcher,
		poller:  poller,
		log:     log.WithField("component", "server"),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleAddFeed)
		r.Delete("/feeds/{feedID}", s.handleDeleteFeed)
		r.Get("/feeds/{feedID}/items", s.handleFeedItems)
		r.Post("/feeds/{feedID}/refresh", s.handleRefreshFeed)

		r.Get("/items", s.handleListItems)
		r.Get("/items/{itemID}", s.handleGetItem)
		r.Patch("/items/{itemID}", s.handleEditItem)
		r.Post("/mark-read", s.handleMarkRead)

		r.Post("/settings", s.handleSaveSettings)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/cleanup", s.handleCleanup)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. Calling Shutdown first makes Start
// return immediately.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.http.Addr = addr
	srv := s.http
	s.mu.Unlock()
	s.log.WithField("addr", addr).Info("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"took":       time.Since(start).Round(time.Microsecond).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// --- Views ---

type feedView struct {
	ID          int64     `json:"id"`
	FolderID    *int64    `json:"folder_id,omitempty"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	LastFetched time.Time `json:"last_fetched,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func newFeedView(f model.Feed) feedView {
	return feedView{ID: f.ID, FolderID: f.FolderID, Title: f.Title, URL: f.URL, LastFetched: f.LastFetched, LastError: f.LastError}
}

type itemView struct {
	ID          int64     `json:"id"`
	FeedID      int64     `json:"feed_id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Content     string    `json:"content,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Read        bool      `json:"read"`
	State       []string  `json:"state"`
	Tags        []string  `json:"tags"`
	RemoteID    string    `json:"remote_id,omitempty"`
	Synced      bool      `json:"synced"`
}

func newItemView(it model.Item) itemView {
	v := itemView{
		ID:          it.ID,
		FeedID:      it.FeedID,
		Title:       it.Title,
		Link:        it.Link,
		Content:     it.Content,
		PublishedAt: it.PublishedAt,
		Read:        it.IsRead(),
		State:       it.State,
		Tags:        it.Tags,
		RemoteID:    it.RemoteID,
		Synced:      it.RemoteSynced,
	}
	if v.State == nil {
		v.State = []string{}
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	return v
}

func itemViews(items []model.Item) []itemView {
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, newItemView(it))
	}
	return out
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) publish(ctx context.Context, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, ev)
	}
}

// --- Settings and maintenance ---

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollingInterval int `json:"polling_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.PollingInterval < rss.MinPollingIntervalMinutes {
		req.PollingInterval = rss.MinPollingIntervalMinutes
	}
	if err := s.db.SetSetting(model.SettingPollingInterval, strconv.Itoa(req.PollingInterval)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save")
		return
	}
	if s.poller != nil {
		if err := s.poller.Reschedule(req.PollingInterval); err != nil {
			s.log.WithError(err).Warn("rescheduling poller")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "polling_interval": req.PollingInterval})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, _ := s.db.GetPollingInterval()
	writeJSON(w, http.StatusOK, map[string]any{"polling_interval": interval})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	res, err := opml.Import(r.Context(), s.db, s.bus, file, s.log)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse OPML: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "imported": res.Imported, "total": res.Total})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=infovore-feeds.opml")
	if err := opml.ExportStore(s.db, "Infovore Feeds", w); err != nil {
		s.log.WithError(err).Warn("export failed")
		writeError(w, http.StatusInternalServerError, "failed to export")
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	results, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch error: "+err.Error())
		return
	}
	total := 0
	for _, c := range results {
		total += c
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "new_items": total, "feeds": len(results)})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.db.CleanupReadItems()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": deleted})
}
