// Package rss fetches feeds, stores their items and announces each completed
// fetch on the event bus.
package rss

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"
)

const (
	// MaxConcurrencyPostgres is the number of feeds fetched at once on PostgreSQL.
	MaxConcurrencyPostgres = 10
	// MaxConcurrencySQLite is 1: SQLite has a single writer.
	MaxConcurrencySQLite = 1
	// MaxConcurrencyPerDomain caps requests in flight to one host.
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests spaces requests to the same host.
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// hostSlot tracks one host: a semaphore of in-flight requests and when the
// last one finished.
type hostSlot struct {
	sem  chan struct{}
	last time.Time
}

// domainLimiter spaces and caps requests per host.
type domainLimiter struct {
	mu    sync.Mutex
	hosts map[string]*hostSlot
	limit int
	gap   time.Duration
}

func newDomainLimiter(limit int, gap time.Duration) *domainLimiter {
	if limit < 1 {
		limit = 1
	}
	return &domainLimiter{hosts: make(map[string]*hostSlot), limit: limit, gap: gap}
}

func (dl *domainLimiter) slot(host string) *hostSlot {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	hs, ok := dl.hosts[host]
	if !ok {
		hs = &hostSlot{sem: make(chan struct{}, dl.limit)}
		dl.hosts[host] = hs
	}
	return hs
}

// acquire takes a slot for host, then waits out the gap since the last
// request to it finished. release must follow a nil return.
func (dl *domainLimiter) acquire(ctx context.Context, host string) error {
	hs := dl.slot(host)
	select {
	case hs.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	wait := dl.gap - time.Since(hs.last)
	if hs.last.IsZero() {
		wait = 0
	}
	dl.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		<-hs.sem
		return ctx.Err()
	}
}

func (dl *domainLimiter) release(host string) {
	hs := dl.slot(host)
	dl.mu.Lock()
	hs.last = time.Now()
	dl.mu.Unlock()
	<-hs.sem
}

func hostOf(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// maxErrorLen bounds the fetch error stored on a feed.
const maxErrorLen = 200

// Fetcher downloads feeds and stores new items.
type Fetcher struct {
	db            database.Store
	bus           events.Publisher
	parser        *gofeed.Parser
	concurrency   int
	domainLimiter *domainLimiter
	log           *logrus.Entry
}

// NewFetcher creates a fetcher with concurrency based on database type. Each
// successful fetch publishes FetchCycleComplete on bus, which may be nil.
func NewFetcher(db database.Store, bus events.Publisher, log *logrus.Entry) *Fetcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	concurrency := MaxConcurrencySQLite
	if db.SupportsHighConcurrency() {
		concurrency = MaxConcurrencyPostgres
	}
	return &Fetcher{
		db:            db,
		bus:           bus,
		parser:        gofeed.NewParser(),
		concurrency:   concurrency,
		domainLimiter: newDomainLimiter(MaxConcurrencyPerDomain, DelayBetweenDomainRequests),
		log:           log.WithField("component", "rss"),
	}
}

// FetchFeed fetches and parses a single feed, storing new items, and returns
// the number of new items added.
func (f *Fetcher) FetchFeed(ctx context.Context, feed model.Feed) (int, error) {
	host := hostOf(feed.URL)
	if err := f.domainLimiter.acquire(ctx, host); err != nil {
		return 0, fmt.Errorf("waiting for %s: %w", host, err)
	}
	parsed, err := f.parser.ParseURLWithContext(feed.URL, ctx)
	f.domainLimiter.release(host)
	if err != nil {
		msg := err.Error()
		if len(msg) > maxErrorLen {
			msg = msg[:maxErrorLen]
		}
		if uerr := f.db.UpdateFeedError(feed.ID, msg); uerr != nil {
			f.log.WithError(uerr).Warn("recording feed error")
		}
		return 0, fmt.Errorf("parse feed %s: %w", feed.URL, err)
	}
	log := f.log.WithField("feed", feed.URL)

	// Replace a placeholder title (the URL) with the feed's own.
	if parsed.Title != "" && parsed.Title != feed.Title && feed.Title == feed.URL {
		if err := f.db.UpdateFeedTitle(feed.ID, parsed.Title); err != nil {
			log.WithError(err).Warn("updating title")
		} else {
			log.WithField("title", parsed.Title).Info("updated feed title")
			feed.Title = parsed.Title
		}
	}

	now := time.Now()
	newCount, seen := f.storeItems(feed.ID, parsed.Items, now, log)
	if err := f.db.UpdateFeedLastFetched(feed.ID, now); err != nil {
		log.WithError(err).Warn("updating last_fetched")
	}

	if f.bus != nil && len(seen) > 0 {
		items, err := f.currentItems(feed.ID, seen)
		if err != nil {
			log.WithError(err).Warn("loading items for reconcile")
		} else {
			f.bus.Publish(ctx, events.FetchCycleComplete{Feed: feed, Items: items})
		}
	}
	return newCount, nil
}

// storeItems adds the parsed entries and returns how many were new along
// with the GUIDs seen. Entries with neither GUID nor link are skipped.
func (f *Fetcher) storeItems(feedID int64, entries []*gofeed.Item, now time.Time, log *logrus.Entry) (int, map[string]struct{}) {
	added := 0
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		it := model.Item{
			FeedID:      feedID,
			GUID:        e.GUID,
			Title:       e.Title,
			Content:     e.Content,
			Link:        e.Link,
			PublishedAt: now,
			FetchedAt:   now,
		}
		if it.GUID == "" {
			it.GUID = e.Link
		}
		if it.GUID == "" {
			continue
		}
		if e.PublishedParsed != nil {
			it.PublishedAt = *e.PublishedParsed
		}
		if it.Content == "" {
			it.Content = e.Description
		}
		seen[it.GUID] = struct{}{}
		_, isNew, err := f.db.AddItem(&it)
		if err != nil {
			log.WithField("guid", it.GUID).WithError(err).Warn("adding item")
			continue
		}
		if isNew {
			added++
		}
	}
	return added, seen
}

// currentItems returns the stored items the latest parse listed.
func (f *Fetcher) currentItems(feedID int64, guids map[string]struct{}) ([]model.Item, error) {
	all, err := f.db.GetItems(feedID, false)
	if err != nil {
		return nil, err
	}
	items := make([]model.Item, 0, len(guids))
	for _, it := range all {
		if _, ok := guids[it.GUID]; ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// FetchAll fetches every feed, several at a time when the store allows it,
// and returns new item counts by feed ID. Failed feeds are logged and left
// out of the result.
func (f *Fetcher) FetchAll(ctx context.Context) (map[int64]int, error) {
	feeds, err := f.db.GetAllFeeds()
	if err != nil {
		return nil, err
	}
	results := make(map[int64]int, len(feeds))
	if len(feeds) == 0 {
		return results, nil
	}

	workers := min(f.concurrency, len(feeds))
	f.log.WithFields(logrus.Fields{"feeds": len(feeds), "workers": workers}).Info("fetching feeds")

	type result struct {
		feed model.Feed
		n    int
		err  error
	}
	jobs := make(chan model.Feed)
	out := make(chan result)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feed := range jobs {
				n, err := f.FetchFeed(ctx, feed)
				out <- result{feed, n, err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, feed := range feeds {
			select {
			case jobs <- feed:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(out)
	}()

	done := 0
	for r := range out {
		if r.err != nil {
			f.log.WithField("feed", r.feed.URL).WithError(r.err).Warn("fetch failed")
			continue
		}
		results[r.feed.ID] = r.n
		if done++; done%50 == 0 {
			f.log.Infof("progress: %d/%d feeds fetched", done, len(feeds))
		}
	}
	if err := ctx.Err(); err != nil {
		f.log.Warnf("fetch cancelled after %d/%d feeds", done, len(feeds))
		return results, err
	}
	return results, nil
}
