package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/config"
	"github.com/bryan-buckman/infovore-sync/internal/inoreader"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/sirupsen/logrus"
)

// remote serves a feed and a minimal Inoreader API describing it.
type remote struct {
	srv *httptest.Server

	mu    sync.Mutex
	edits []string
	subs  []string
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	rm := &remote{}
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/ClientLogin", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("Passwd") != "secret" {
			http.Error(w, "Error=BadAuthentication", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "Auth=tok\n")
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Blog</title>
			<item><guid>post-1</guid><title>One</title><link>%s/post/1</link></item>
			</channel></rss>`, rm.srv.URL)
	})
	mux.HandleFunc("/reader/api/0/subscription/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"subscriptions":[{"id":"feed/%[1]s/feed.xml","title":"Blog","url":"%[1]s/feed.xml"}]}`, rm.srv.URL)
	})
	mux.HandleFunc("/reader/api/0/subscription/edit", func(w http.ResponseWriter, r *http.Request) {
		rm.mu.Lock()
		rm.subs = append(rm.subs, r.URL.Query().Get("ac")+" "+r.URL.Query().Get("s"))
		rm.mu.Unlock()
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/reader/api/0/edit-tag", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rm.mu.Lock()
		rm.edits = append(rm.edits, "a="+q.Get("a")+" r="+q.Get("r"))
		rm.mu.Unlock()
		fmt.Fprint(w, "OK")
	})
	// Stream ids carry an escaped feed URL, so they bypass the mux.
	rm.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/reader/api/0/stream/contents/") {
			fmt.Fprintf(w, `{"items":[{"id":"tag:google.com,2005:reader/item/00000000000000aa",
				"canonical":[{"href":"%s/post/1"}],
				"categories":["user/1/state/com.google/read","user/1/label/go"]}]}`, rm.srv.URL)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(rm.srv.Close)
	return rm
}

func (rm *remote) editCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.edits)
}

func testConfig(t *testing.T, rm *remote, password string) config.Config {
	t.Helper()
	return config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")},
		Server:   config.ServerConfig{Addr: "127.0.0.1:0"},
		Inoreader: config.InoreaderConfig{
			Email:    "me@example.com",
			Password: password,
			BaseURL:  rm.srv.URL + "/reader/",
			LoginURL: rm.srv.URL + "/accounts/ClientLogin",
			Timeout:  5 * time.Second,
		},
		Outbound: config.OutboundConfig{
			Workers:     2,
			QueueSize:   16,
			CallTimeout: time.Second,
			MaxAttempts: 2,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  time.Millisecond,
		},
		Subscriptions: config.SubscriptionsConfig{SyncOnStart: true},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestRunFailsWhenLoginRejected(t *testing.T) {
	rm := newRemote(t)
	d, err := New(testConfig(t, rm, "wrong"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	err = d.Run(context.Background())
	if !errors.Is(err, inoreader.ErrUnauthorized) {
		t.Fatalf("Run err = %v, want ErrUnauthorized", err)
	}
}

func TestRunSyncsSubscriptionsAndPairsItems(t *testing.T) {
	rm := newRemote(t)
	d, err := New(testConfig(t, rm, "secret"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	store := d.Store()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var paired model.Item
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		items, err := store.GetAllItems(false)
		if err == nil && len(items) == 1 && items[0].RemoteSynced {
			paired = items[0]
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !paired.RemoteSynced {
		cancel()
		<-done
		t.Fatal("item was never paired")
	}
	if !paired.IsRead() || !model.Contains(paired.Tags, "user:go") {
		t.Errorf("paired item = %+v", paired)
	}
	if !strings.HasPrefix(paired.RemoteID, "tag:google.com,2005:reader/item/") {
		t.Errorf("remote id = %q", paired.RemoteID)
	}

	for time.Now().Before(deadline) && rm.editCount() < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	want := []string{"a=user/-/state/com.google/read r=", "a=user/-/label/go r="}
	for _, w := range want {
		if !model.Contains(rm.edits, w) {
			t.Errorf("edits = %v, missing %q", rm.edits, w)
		}
	}
	for _, e := range rm.edits {
		if !strings.HasSuffix(e, " r=") {
			t.Errorf("first pairing removed a category: %q", e)
		}
	}
	if len(rm.subs) != 1 || !strings.HasPrefix(rm.subs[0], "subscribe feed/") {
		t.Errorf("subscription edits = %v", rm.subs)
	}
}

func TestSyncSubscriptions(t *testing.T) {
	rm := newRemote(t)
	d, err := New(testConfig(t, rm, "secret"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	report, err := d.SyncSubscriptions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Added) != 1 || len(report.Removed) != 0 {
		t.Errorf("report = %+v", report)
	}
	feeds, _ := d.Store().GetAllFeeds()
	if len(feeds) != 1 || feeds[0].URL != rm.srv.URL+"/feed.xml" {
		t.Errorf("feeds = %+v", feeds)
	}
}

func TestImportOPMLSubscribesRemote(t *testing.T) {
	rm := newRemote(t)
	d, err := New(testConfig(t, rm, "secret"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	res, err := d.ImportOPML(context.Background(), strings.NewReader(`<opml version="2.0"><body>
		<outline text="Go" xmlUrl="https://go.dev/blog/feed.atom"/>
	</body></opml>`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 1 {
		t.Errorf("result = %+v", res)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.subs) != 1 || rm.subs[0] != "subscribe feed/https://go.dev/blog/feed.atom" {
		t.Errorf("subscription edits = %v", rm.subs)
	}
}
