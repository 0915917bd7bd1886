// Package model defines shared data structures.
package model

import (
	"sort"
	"strings"
	"time"
)

// Folder represents a hierarchical folder for organizing feeds.
type Folder struct {
	ID       int64
	Name     string
	ParentID *int64 // nullable for root folders
}

// Feed represents a locally configured feed subscription.
type Feed struct {
	ID          int64
	FolderID    *int64 // nullable if not in a folder
	Title       string
	URL         string
	LastFetched time.Time
	LastError   string
}

// Subscription is a feed as the remote service knows it. URL is the matching key.
type Subscription struct {
	URL  string
	Name string
}

// Item state values.
const (
	StateRead = "read"
)

// Tag namespaces.
const (
	UserTagPrefix     = "user:"
	CategoryTagPrefix = "category:"
	StarredTag        = UserTagPrefix + "starred"
)

// Item represents a single entry from a feed together with its sync metadata.
type Item struct {
	ID          int64
	FeedID      int64
	GUID        string // unique identifier from feed
	Title       string
	Content     string
	Link        string // canonical link, matched against the remote entry
	PublishedAt time.Time
	FetchedAt   time.Time

	State []string // membership set, e.g. "read"
	Tags  []string // namespaced, e.g. "user:starred"

	RemoteID         string
	RemoteCategories []string // nil until the first remote snapshot
	RemoteSynced     bool     // pairing flag, never cleared once set

	Version int64
}

// IsRead reports whether the read state is set.
func (it Item) IsRead() bool {
	return Contains(it.State, StateRead)
}

// Clone returns a deep copy so callers can compute against a stable snapshot.
func (it Item) Clone() Item {
	c := it
	c.State = cloneStrings(it.State)
	c.Tags = cloneStrings(it.Tags)
	c.RemoteCategories = cloneStrings(it.RemoteCategories)
	return c
}

// ChangeSet is the attribute delta produced by one local mutation. State and
// Tags hold the full set after the change; the flags say which were touched.
// Dropped lists the state names and tags the mutation cleared.
type ChangeSet struct {
	State    []string
	StateSet bool
	Tags     []string
	TagsSet  bool
	Dropped  []string
}

// Empty reports whether the change touches nothing.
func (c ChangeSet) Empty() bool {
	return !c.StateSet && !c.TagsSet
}

// SetsRead reports whether the change leaves the item read.
func (c ChangeSet) SetsRead() bool {
	return Contains(c.State, StateRead)
}

// FullChangeSet describes the whole local state of an item.
func FullChangeSet(it Item) ChangeSet {
	return ChangeSet{
		State:    cloneStrings(it.State),
		StateSet: true,
		Tags:     cloneStrings(it.Tags),
		TagsSet:  true,
	}
}

// Contains reports whether s holds v.
func Contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// AddUnique appends v unless already present.
func AddUnique(s []string, v string) []string {
	if Contains(s, v) {
		return s
	}
	return append(s, v)
}

// Remove returns s without any occurrence of v.
func Remove(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// SameSet compares two string slices ignoring order and duplicates.
func SameSet(a, b []string) bool {
	return strings.Join(normalize(a), "\x00") == strings.Join(normalize(b), "\x00")
}

func normalize(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

// Settings key constants.
const (
	SettingPollingInterval = "polling_interval_minutes"
)
