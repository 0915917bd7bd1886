package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
)

const feedXML = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Example Feed</title>
<link>http://example.com/</link>
<item><title>One</title><link>http://example.com/1</link><guid>one</guid><description>first</description></item>
<item><title>Two</title><link>http://example.com/2</link><guid>two</guid></item>
<item><title>No id</title></item>
</channel></rss>`

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func feedServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchFeedStoresAndPublishes(t *testing.T) {
	db := setupTestDB(t)
	srv := feedServer(t, feedXML, http.StatusOK)
	id, _, err := db.GetOrCreateFeed(nil, srv.URL, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	var cycles []events.FetchCycleComplete
	bus := events.NewBus(nil)
	bus.Register(events.Handlers{FetchCycleComplete: func(_ context.Context, ev events.FetchCycleComplete) {
		cycles = append(cycles, ev)
	}})
	f := NewFetcher(db, bus, nil)
	feed := model.Feed{ID: id, Title: srv.URL, URL: srv.URL}

	n, err := f.FetchFeed(context.Background(), feed)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("new items = %d, want 2", n)
	}
	stored, _ := db.GetFeedByID(id)
	if stored.Title != "Example Feed" || stored.LastFetched.IsZero() {
		t.Errorf("feed after fetch = %+v", stored)
	}
	if len(cycles) != 1 || len(cycles[0].Items) != 2 {
		t.Fatalf("cycles = %+v", cycles)
	}
	if cycles[0].Feed.Title != "Example Feed" {
		t.Errorf("published feed title = %q", cycles[0].Feed.Title)
	}
	for _, it := range cycles[0].Items {
		if it.ID == 0 || it.Link == "" {
			t.Errorf("published item = %+v", it)
		}
	}

	n, err = f.FetchFeed(context.Background(), *stored)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("refetch new items = %d, want 0", n)
	}
	if len(cycles) != 2 || len(cycles[1].Items) != 2 {
		t.Errorf("refetch should republish the current items, got %+v", cycles)
	}
}

func TestFetchFeedRecordsError(t *testing.T) {
	db := setupTestDB(t)
	srv := feedServer(t, "not a feed", http.StatusOK)
	id, _, _ := db.GetOrCreateFeed(nil, "Broken", srv.URL)

	f := NewFetcher(db, nil, nil)
	if _, err := f.FetchFeed(context.Background(), model.Feed{ID: id, Title: "Broken", URL: srv.URL}); err == nil {
		t.Fatal("expected parse error")
	}
	stored, _ := db.GetFeedByID(id)
	if stored.LastError == "" {
		t.Error("error not recorded on feed")
	}
}

func TestFetchAllSkipsFailedFeeds(t *testing.T) {
	db := setupTestDB(t)
	good := feedServer(t, feedXML, http.StatusOK)
	bad := feedServer(t, "", http.StatusInternalServerError)
	goodID, _, _ := db.GetOrCreateFeed(nil, "Good", good.URL)
	badID, _, _ := db.GetOrCreateFeed(nil, "Bad", bad.URL)

	results, err := NewFetcher(db, nil, nil).FetchAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results[goodID] != 2 {
		t.Errorf("good feed = %d", results[goodID])
	}
	if _, ok := results[badID]; ok {
		t.Error("failed feed reported as fetched")
	}
}

func TestDomainLimiterSpacesRequests(t *testing.T) {
	dl := newDomainLimiter(2, 50*time.Millisecond)
	ctx := context.Background()
	if err := dl.acquire(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	dl.release("example.com")

	start := time.Now()
	if err := dl.acquire(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	dl.release("example.com")
	if time.Since(start) < 40*time.Millisecond {
		t.Error("second request was not delayed")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	sem := dl.slot("example.com").sem
	sem <- struct{}{}
	sem <- struct{}{}
	if err := dl.acquire(cancelled, "example.com"); err == nil {
		t.Error("acquire on a full domain ignored cancellation")
	}
}

func TestPollerReschedule(t *testing.T) {
	db := setupTestDB(t)
	p := NewPoller(NewFetcher(db, nil, nil), db, nil)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if p.Interval() != MinPollingIntervalMinutes {
		t.Errorf("interval = %d", p.Interval())
	}
	if err := p.Reschedule(60); err != nil {
		t.Fatal(err)
	}
	if p.Interval() != 60 {
		t.Errorf("interval = %d, want 60", p.Interval())
	}
	if err := p.Reschedule(1); err != nil {
		t.Fatal(err)
	}
	if p.Interval() != MinPollingIntervalMinutes {
		t.Errorf("interval below minimum = %d", p.Interval())
	}
	if n := len(p.cron.Entries()); n != 1 {
		t.Errorf("cron entries = %d, want 1", n)
	}
}
