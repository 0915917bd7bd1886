package inbound

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/inoreader"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/bryan-buckman/infovore-sync/internal/outbound"
)

const feedURL = "http://example.com/rss"

type fakeRemote struct {
	entries []inoreader.Entry
	err     error
	calls   int
}

func (f *fakeRemote) FetchItems(_ context.Context, url string) ([]inoreader.Entry, error) {
	f.calls++
	if url != feedURL {
		return nil, errors.New("unexpected feed " + url)
	}
	return f.entries, f.err
}

type syncCall struct {
	remoteID string
	changes  model.ChangeSet
	cached   []string
	mode     outbound.Mode
}

type fakeOutbound struct {
	calls []syncCall
}

func (f *fakeOutbound) SyncOut(_ context.Context, remoteID string, changes model.ChangeSet, cached []string, mode outbound.Mode) []outbound.Mutation {
	f.calls = append(f.calls, syncCall{remoteID, changes, cached, mode})
	return nil
}

type fakePending map[string][]outbound.Mutation

func (p fakePending) Pending(id string) []outbound.Mutation { return p[id] }

func setup(t *testing.T) (*database.DB, model.Feed) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	id, _, err := db.GetOrCreateFeed(nil, "Example", feedURL)
	if err != nil {
		t.Fatal(err)
	}
	return db, model.Feed{ID: id, Title: "Example", URL: feedURL}
}

func addItem(t *testing.T, db *database.DB, feed model.Feed, guid string, edit func(*model.Item)) model.Item {
	t.Helper()
	it := model.Item{
		FeedID:    feed.ID,
		GUID:      guid,
		Title:     guid,
		Link:      "http://example.com/" + guid,
		FetchedAt: time.Now(),
	}
	if _, _, err := db.AddItem(&it); err != nil {
		t.Fatal(err)
	}
	if edit != nil {
		edit(&it)
		if err := db.SaveItemAttributes(&it); err != nil {
			t.Fatal(err)
		}
	}
	return it
}

func paired(remoteID string, state, tags []string) func(*model.Item) {
	return func(it *model.Item) {
		it.RemoteID = remoteID
		it.RemoteCategories = []string{}
		it.RemoteSynced = true
		it.State = state
		it.Tags = tags
	}
}

func remoteID(n string) string { return outbound.RemoteItemPrefix + n }

func reload(t *testing.T, db *database.DB, id int64) model.Item {
	t.Helper()
	it, err := db.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	return it
}

func TestReadRetainedWhileFresh(t *testing.T) {
	db, feed := setup(t)
	it := addItem(t, db, feed, "a", paired(remoteID("1"), []string{model.StateRead}, nil))
	remote := &fakeRemote{entries: []inoreader.Entry{{
		ID:         remoteID("1"),
		Link:       it.Link,
		Categories: []string{"user/1005/state/com.google/fresh"},
	}}}
	r := NewReconciler(db, remote, &fakeOutbound{}, nil, nil)

	if _, err := r.Reconcile(context.Background(), feed, []model.Item{it}); err != nil {
		t.Fatal(err)
	}
	if !reload(t, db, it.ID).IsRead() {
		t.Fatal("read state cleared while remote still marks the item fresh")
	}

	remote.entries[0].Categories = nil
	if _, err := r.Reconcile(context.Background(), feed, []model.Item{it}); err != nil {
		t.Fatal(err)
	}
	if reload(t, db, it.ID).IsRead() {
		t.Fatal("read state kept with neither read nor fresh on the remote")
	}
}

func TestPairingPushesLocalStateAddOnlyOnce(t *testing.T) {
	db, feed := setup(t)
	it := addItem(t, db, feed, "a", func(it *model.Item) {
		it.State = []string{model.StateRead}
		it.Tags = []string{"user:local"}
	})
	remote := &fakeRemote{entries: []inoreader.Entry{{
		ID:   remoteID("1"),
		Link: it.Link,
		Categories: []string{
			"user/1005/label/go",
			"user/1005/state/com.google/starred",
			"user/1005/state/com.google/reading-list",
		},
	}}}
	out := &fakeOutbound{}
	r := NewReconciler(db, remote, out, nil, nil)

	rep, err := r.Reconcile(context.Background(), feed, []model.Item{it})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Paired != 1 || rep.Matched != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := reload(t, db, it.ID)
	if !got.RemoteSynced || got.RemoteID != remoteID("1") || len(got.RemoteCategories) != 3 {
		t.Fatalf("item after pairing = %+v", got)
	}
	wantTags := []string{"user:local", "user:go", model.StarredTag}
	if !model.SameSet(got.Tags, wantTags) || !got.IsRead() {
		t.Fatalf("tags = %v state = %v", got.Tags, got.State)
	}
	if len(out.calls) != 1 || out.calls[0].mode != outbound.AddOnly {
		t.Fatalf("first pass calls = %+v", out.calls)
	}
	if !model.SameSet(out.calls[0].changes.Tags, wantTags) || !out.calls[0].changes.SetsRead() {
		t.Errorf("first pass pushed %+v", out.calls[0].changes)
	}

	for i := 0; i < 2; i++ {
		rep, err = r.Reconcile(context.Background(), feed, []model.Item{got})
		if err != nil {
			t.Fatal(err)
		}
		if rep.Paired != 0 {
			t.Errorf("pass %d paired again", i+2)
		}
	}
	for i, c := range out.calls[1:] {
		if c.mode != outbound.FullDiff {
			t.Errorf("pass %d mode = %v, want full-diff", i+2, c.mode)
		}
	}
}

func TestSteadyStateDropsUncorroboratedTags(t *testing.T) {
	db, feed := setup(t)
	it := addItem(t, db, feed, "a", paired(remoteID("1"), nil, []string{"user:go", "user:gone", "user:a/b"}))
	remote := &fakeRemote{entries: []inoreader.Entry{{
		ID:         remoteID("1"),
		Link:       it.Link,
		Categories: []string{"user/1005/label/go"},
	}}}
	out := &fakeOutbound{}
	r := NewReconciler(db, remote, out, nil, nil)

	if _, err := r.Reconcile(context.Background(), feed, []model.Item{it}); err != nil {
		t.Fatal(err)
	}
	got := reload(t, db, it.ID)
	if !model.SameSet(got.Tags, []string{"user:go", "user:a/b"}) {
		t.Errorf("tags = %v", got.Tags)
	}
	if len(out.calls) != 1 || !model.SameSet(out.calls[0].changes.Tags, got.Tags) {
		t.Errorf("outbound = %+v", out.calls)
	}
}

func TestMalformedCategoryDoesNotStopSiblings(t *testing.T) {
	db, feed := setup(t)
	a := addItem(t, db, feed, "a", nil)
	b := addItem(t, db, feed, "b", nil)
	remote := &fakeRemote{entries: []inoreader.Entry{
		{ID: remoteID("1"), Link: a.Link, Categories: []string{"user/1005", "user/1005/label/go"}},
		{ID: remoteID("2"), Link: b.Link, Categories: []string{"user/1005/label/rust"}},
	}}
	r := NewReconciler(db, remote, &fakeOutbound{}, nil, nil)

	rep, err := r.Reconcile(context.Background(), feed, []model.Item{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Matched != 2 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if tags := reload(t, db, a.ID).Tags; !model.SameSet(tags, []string{"user:go"}) {
		t.Errorf("a tags = %v", tags)
	}
	if tags := reload(t, db, b.ID).Tags; !model.SameSet(tags, []string{"user:rust"}) {
		t.Errorf("b tags = %v", tags)
	}
}

func TestUnmatchedItemStaysUnpaired(t *testing.T) {
	db, feed := setup(t)
	it := addItem(t, db, feed, "a", nil)
	remote := &fakeRemote{entries: []inoreader.Entry{{ID: remoteID("1"), Link: "http://elsewhere/x"}}}
	out := &fakeOutbound{}
	r := NewReconciler(db, remote, out, nil, nil)

	rep, err := r.Reconcile(context.Background(), feed, []model.Item{it})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Unmatched != 1 || rep.Matched != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got := reload(t, db, it.ID)
	if got.RemoteSynced || got.RemoteID != "" || got.RemoteCategories != nil {
		t.Errorf("unmatched item changed: %+v", got)
	}
	if len(out.calls) != 0 {
		t.Errorf("outbound calls = %+v", out.calls)
	}
}

func TestFirstEntryForLinkWins(t *testing.T) {
	db, feed := setup(t)
	it := addItem(t, db, feed, "a", nil)
	remote := &fakeRemote{entries: []inoreader.Entry{
		{ID: remoteID("1"), Link: it.Link},
		{ID: remoteID("2"), Link: it.Link},
	}}
	r := NewReconciler(db, remote, &fakeOutbound{}, nil, nil)
	if _, err := r.Reconcile(context.Background(), feed, []model.Item{it}); err != nil {
		t.Fatal(err)
	}
	if got := reload(t, db, it.ID).RemoteID; got != remoteID("1") {
		t.Errorf("remote id = %s", got)
	}
}

func TestPendingEditsAreTreatedAsApplied(t *testing.T) {
	db, feed := setup(t)
	it := addItem(t, db, feed, "a", paired(remoteID("1"), nil, []string{"user:new"}))
	remote := &fakeRemote{entries: []inoreader.Entry{{
		ID:         remoteID("1"),
		Link:       it.Link,
		Categories: []string{"user/1005/label/old"},
	}}}
	pending := fakePending{remoteID("1"): {
		{ItemID: remoteID("1"), Category: "user/-/label/new", Op: outbound.OpAdd},
		{ItemID: remoteID("1"), Category: "user/-/label/old", Op: outbound.OpRemove},
	}}
	out := &fakeOutbound{}
	r := NewReconciler(db, remote, out, pending, nil)

	if _, err := r.Reconcile(context.Background(), feed, []model.Item{it}); err != nil {
		t.Fatal(err)
	}
	got := reload(t, db, it.ID)
	if !model.SameSet(got.Tags, []string{"user:new"}) {
		t.Errorf("tags = %v, want the queued local edits kept", got.Tags)
	}
	if !model.SameSet(got.RemoteCategories, []string{"user/1005/label/old"}) {
		t.Errorf("stored snapshot = %v", got.RemoteCategories)
	}
	if len(out.calls) != 1 || !model.SameSet(out.calls[0].cached, []string{"user/-/label/new"}) {
		t.Errorf("outbound = %+v", out.calls)
	}
}

func TestRemoteFailureLeavesItemsUnpaired(t *testing.T) {
	db, feed := setup(t)
	it := addItem(t, db, feed, "a", nil)
	remote := &fakeRemote{err: errors.New("connection refused")}
	r := NewReconciler(db, remote, &fakeOutbound{}, nil, nil)

	rep, err := r.Reconcile(context.Background(), feed, []model.Item{it})
	if err == nil {
		t.Fatal("expected error")
	}
	if rep.Unmatched != 1 {
		t.Errorf("report = %+v", rep)
	}
	if reload(t, db, it.ID).RemoteSynced {
		t.Error("item paired despite failed fetch")
	}
}

func TestItemDeletedBeforeReconcileCountsAsUnmatched(t *testing.T) {
	db, feed := setup(t)
	kept := addItem(t, db, feed, "a", nil)
	gone := addItem(t, db, feed, "b", nil)
	if err := db.DeleteFeed(feed.ID); err != nil {
		t.Fatal(err)
	}
	remote := &fakeRemote{entries: []inoreader.Entry{
		{ID: remoteID("1"), Link: kept.Link},
		{ID: remoteID("2"), Link: gone.Link},
	}}
	out := &fakeOutbound{}
	r := NewReconciler(db, remote, out, nil, nil)

	rep, err := r.Reconcile(context.Background(), feed, []model.Item{kept, gone})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Unmatched != 2 || rep.Matched != 0 || rep.Failed != 0 || rep.Paired != 0 {
		t.Errorf("report = %+v", rep)
	}
	if len(out.calls) != 0 {
		t.Errorf("outbound calls = %+v", out.calls)
	}
}
