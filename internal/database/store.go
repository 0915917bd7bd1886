// Package database provides storage backends for the sync daemon.
package database

import (
	"errors"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by SaveItemAttributes when the item changed
	// since it was read.
	ErrConflict = errors.New("item version conflict")
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Folder operations
	GetFolders() ([]model.Folder, error)
	GetOrCreateFolder(name string, parentID *int64) (int64, error)

	// Feed operations
	GetAllFeeds() ([]model.Feed, error)
	GetFeedByID(feedID int64) (*model.Feed, error)
	GetFeedByURL(url string) (*model.Feed, error)
	GetOrCreateFeed(folderID *int64, title, url string) (int64, bool, error)
	DeleteFeed(feedID int64) error
	UpdateFeedLastFetched(feedID int64, t time.Time) error
	UpdateFeedTitle(feedID int64, title string) error
	UpdateFeedError(feedID int64, errMsg string) error

	// Item operations
	AddItem(item *model.Item) (int64, bool, error)
	GetItem(itemID int64) (model.Item, error)
	GetItems(feedID int64, onlyUnread bool) ([]model.Item, error)
	GetAllItems(onlyUnread bool) ([]model.Item, error)
	// SaveItemAttributes writes state, tags and remote metadata if the stored
	// version still equals item.Version, then bumps item.Version.
	SaveItemAttributes(item *model.Item) error
	CleanupReadItems() (int64, error)

	// Settings operations
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	GetPollingInterval() (int, error)
}

// ItemStore is the part of Store needed to read and rewrite single items.
type ItemStore interface {
	GetItem(itemID int64) (model.Item, error)
	SaveItemAttributes(item *model.Item) error
}

// maxConflictRetries bounds MutateItem's read-modify-write loop.
const maxConflictRetries = 5

// MutateItem loads an item, applies fn to the loaded snapshot and saves it,
// starting over from a fresh snapshot if another writer got there first.
func MutateItem(s ItemStore, itemID int64, fn func(*model.Item) error) (model.Item, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		it, err := s.GetItem(itemID)
		if err != nil {
			return model.Item{}, err
		}
		if err := fn(&it); err != nil {
			return model.Item{}, err
		}
		lastErr = s.SaveItemAttributes(&it)
		if lastErr == nil {
			return it, nil
		}
		if !errors.Is(lastErr, ErrConflict) {
			return model.Item{}, lastErr
		}
	}
	return model.Item{}, lastErr
}
