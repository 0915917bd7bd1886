// Package opml imports and exports the local feed list as OPML.
package opml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/sirupsen/logrus"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a folder when it has children and a feed when XMLURL is set.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is a feed with the names of its enclosing folders.
type FeedEntry struct {
	FolderPath []string // e.g., ["Tech", "Google"]
	Title      string
	URL        string
}

// Store is the feed and folder side of the local store.
type Store interface {
	GetFolders() ([]model.Folder, error)
	GetOrCreateFolder(name string, parentID *int64) (int64, error)
	GetAllFeeds() ([]model.Feed, error)
	GetOrCreateFeed(folderID *int64, title, url string) (int64, bool, error)
}

// Parse reads an OPML document and returns its feeds in document order.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			switch {
			case o.XMLURL != "":
				title := o.Title
				if title == "" {
					title = o.Text
				}
				if title == "" {
					title = o.XMLURL
				}
				entries = append(entries, FeedEntry{
					FolderPath: append([]string{}, path...),
					Title:      title,
					URL:        o.XMLURL,
				})
			case len(o.Outlines) > 0:
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(append([]string{}, path...), name))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// Export renders entries as an OPML 2.0 document, nesting folders by path.
// Outlines are sorted by name so the output is stable.
func Export(title string, entries []FeedEntry) ([]byte, error) {
	type node struct {
		children map[string]*node
		feeds    []Outline
	}
	newNode := func() *node { return &node{children: make(map[string]*node)} }
	root := newNode()

	for _, e := range entries {
		n := root
		for _, name := range e.FolderPath {
			child, ok := n.children[name]
			if !ok {
				child = newNode()
				n.children[name] = child
			}
			n = child
		}
		n.feeds = append(n.feeds, Outline{Text: e.Title, Title: e.Title, Type: "rss", XMLURL: e.URL})
	}

	var build func(n *node) []Outline
	build = func(n *node) []Outline {
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		var out []Outline
		for _, name := range names {
			out = append(out, Outline{Text: name, Title: name, Outlines: build(n.children[name])})
		}
		feeds := append([]Outline{}, n.feeds...)
		sort.SliceStable(feeds, func(i, j int) bool { return strings.ToLower(feeds[i].Text) < strings.ToLower(feeds[j].Text) })
		return append(out, feeds...)
	}

	doc := OPML{
		Version: "2.0",
		Head:    Head{Title: title, DateCreated: time.Now().Format(time.RFC1123Z)},
		Body:    Body{Outlines: build(root)},
	}
	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

// ImportResult counts what Import did.
type ImportResult struct {
	Imported int
	Total    int
}

// Import creates the folders and feeds listed in r. Every feed that did not
// exist yet is announced on bus as FeedAdded; bus may be nil.
func Import(ctx context.Context, store Store, bus events.Publisher, r io.Reader, log *logrus.Entry) (ImportResult, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entries, err := Parse(r)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Total: len(entries)}
	for _, entry := range entries {
		var folderID *int64
		for _, folderName := range entry.FolderPath {
			id, err := store.GetOrCreateFolder(folderName, folderID)
			if err != nil {
				log.WithField("folder", folderName).WithError(err).Warn("creating folder")
				break
			}
			folderID = &id
		}

		id, isNew, err := store.GetOrCreateFeed(folderID, entry.Title, entry.URL)
		if err != nil {
			log.WithField("url", entry.URL).WithError(err).Warn("creating feed")
			continue
		}
		if !isNew {
			continue
		}
		res.Imported++
		if bus != nil {
			bus.Publish(ctx, events.FeedAdded{Feed: model.Feed{ID: id, FolderID: folderID, Title: entry.Title, URL: entry.URL}})
		}
	}
	return res, nil
}

// ExportStore writes every local feed as OPML to w.
func ExportStore(store Store, title string, w io.Writer) error {
	feeds, err := store.GetAllFeeds()
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	folders, err := store.GetFolders()
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}
	byID := make(map[int64]model.Folder, len(folders))
	for _, f := range folders {
		byID[f.ID] = f
	}
	path := func(id *int64) []string {
		var p []string
		for depth := 0; id != nil && depth < len(folders); depth++ {
			f, ok := byID[*id]
			if !ok {
				break
			}
			p = append([]string{f.Name}, p...)
			id = f.ParentID
		}
		return p
	}

	entries := make([]FeedEntry, 0, len(feeds))
	for _, f := range feeds {
		entries = append(entries, FeedEntry{FolderPath: path(f.FolderID), Title: f.Title, URL: f.URL})
	}
	data, err := Export(title, entries)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
