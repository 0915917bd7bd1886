package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/model"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB wraps the SQL connection for either backend.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db := &DB{conn: conn, dialect: dialectSQLite}
	if err := db.exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Open opens the backend named by driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "", "sqlite":
		return New(dsn)
	case "postgres":
		return NewPostgres(dsn)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	if db.dialect == dialectPostgres {
		return "PostgreSQL"
	}
	return "SQLite"
}

// SupportsHighConcurrency returns true for PostgreSQL.
func (db *DB) SupportsHighConcurrency() bool {
	return db.dialect == dialectPostgres
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS folders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		parent_id INTEGER REFERENCES folders(id)
	);
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder_id INTEGER REFERENCES folders(id),
		title TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		last_fetched DATETIME,
		last_error TEXT DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT,
		link TEXT,
		published_at DATETIME,
		fetched_at DATETIME NOT NULL,
		is_read INTEGER DEFAULT 0,
		state TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		remote_id TEXT NOT NULL DEFAULT '',
		remote_categories TEXT,
		remote_synced INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		UNIQUE(feed_id, guid)
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	-- Default polling interval (15 minutes minimum).
	INSERT OR IGNORE INTO settings (key, value) VALUES ('polling_interval_minutes', '15');
	CREATE INDEX IF NOT EXISTS idx_items_feed_id ON items(feed_id);
	`

// rebind rewrites ? placeholders for the backend.
func (db *DB) rebind(query string) string {
	if db.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(query string, args ...any) error {
	_, err := db.conn.Exec(db.rebind(query), args...)
	return err
}

func (db *DB) query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(db.rebind(query), args...)
}

func (db *DB) queryRow(query string, args ...any) *sql.Row {
	return db.conn.QueryRow(db.rebind(query), args...)
}

// --- Folder Methods ---

// GetFolders returns all folders ordered by name.
func (db *DB) GetFolders() ([]model.Folder, error) {
	rows, err := db.query("SELECT id, name, parent_id FROM folders ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var folders []model.Folder
	for rows.Next() {
		var f model.Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.ParentID); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetOrCreateFolder finds a folder by name and parent, or creates it.
func (db *DB) GetOrCreateFolder(name string, parentID *int64) (int64, error) {
	var id int64
	var row *sql.Row
	if parentID == nil {
		row = db.queryRow("SELECT id FROM folders WHERE name = ? AND parent_id IS NULL", name)
	} else {
		row = db.queryRow("SELECT id FROM folders WHERE name = ? AND parent_id = ?", name, *parentID)
	}
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = db.queryRow("INSERT INTO folders (name, parent_id) VALUES (?, ?) RETURNING id", name, parentID).Scan(&id)
	}
	return id, err
}

// --- Feed Methods ---

const feedColumns = "id, folder_id, title, url, last_fetched, last_error"

// GetAllFeeds returns all feeds ordered by title.
func (db *DB) GetAllFeeds() ([]model.Feed, error) {
	rows, err := db.query("SELECT " + feedColumns + " FROM feeds ORDER BY title")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// GetFeedByID returns a single feed.
func (db *DB) GetFeedByID(feedID int64) (*model.Feed, error) {
	return db.getFeed("SELECT "+feedColumns+" FROM feeds WHERE id = ?", feedID)
}

// GetFeedByURL returns the feed with the given URL.
func (db *DB) GetFeedByURL(url string) (*model.Feed, error) {
	return db.getFeed("SELECT "+feedColumns+" FROM feeds WHERE url = ?", url)
}

func (db *DB) getFeed(query string, arg any) (*model.Feed, error) {
	f, err := scanFeed(db.queryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetOrCreateFeed finds a feed by URL, or creates it.
func (db *DB) GetOrCreateFeed(folderID *int64, title, url string) (int64, bool, error) {
	var id int64
	err := db.queryRow("SELECT id FROM feeds WHERE url = ?", url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = db.queryRow("INSERT INTO feeds (folder_id, title, url) VALUES (?, ?, ?) RETURNING id", folderID, title, url).Scan(&id)
		return id, err == nil, err
	}
	return id, false, err
}

// DeleteFeed removes a feed and, through the foreign key, its items.
func (db *DB) DeleteFeed(feedID int64) error {
	return db.exec("DELETE FROM feeds WHERE id = ?", feedID)
}

// UpdateFeedLastFetched updates the last_fetched timestamp and clears the error.
func (db *DB) UpdateFeedLastFetched(feedID int64, t time.Time) error {
	return db.exec("UPDATE feeds SET last_fetched = ?, last_error = '' WHERE id = ?", t, feedID)
}

// UpdateFeedTitle renames a feed.
func (db *DB) UpdateFeedTitle(feedID int64, title string) error {
	return db.exec("UPDATE feeds SET title = ? WHERE id = ?", title, feedID)
}

// UpdateFeedError records the last fetch error.
func (db *DB) UpdateFeedError(feedID int64, errMsg string) error {
	return db.exec("UPDATE feeds SET last_error = ? WHERE id = ?", errMsg, feedID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeed(s scanner) (model.Feed, error) {
	var f model.Feed
	var lastFetched sql.NullTime
	var lastError sql.NullString
	if err := s.Scan(&f.ID, &f.FolderID, &f.Title, &f.URL, &lastFetched, &lastError); err != nil {
		return f, err
	}
	if lastFetched.Valid {
		f.LastFetched = lastFetched.Time
	}
	if lastError.Valid {
		f.LastError = lastError.String
	}
	return f, nil
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(key string) (string, error) {
	var val string
	err := db.queryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(key, value string) error {
	return db.exec("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
}

// GetPollingInterval returns the polling interval in minutes, with a minimum of 15.
func (db *DB) GetPollingInterval() (int, error) {
	val, err := db.GetSetting(model.SettingPollingInterval)
	if err != nil {
		return 15, nil // default
	}
	mins, _ := strconv.Atoi(val)
	if mins < 15 {
		mins = 15
	}
	return mins, nil
}
