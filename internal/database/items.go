package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bryan-buckman/infovore-sync/internal/model"
)

const itemColumns = `id, feed_id, guid, title, content, link, published_at, fetched_at,
	state, tags, remote_id, remote_categories, remote_synced, version`

// AddItem inserts a new item if GUID doesn't exist for that feed. Returns ID and whether it was new.
func (db *DB) AddItem(item *model.Item) (int64, bool, error) {
	state, err := encodeList(item.State)
	if err != nil {
		return 0, false, err
	}
	tags, err := encodeList(item.Tags)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = db.queryRow(`
		INSERT INTO items (feed_id, guid, title, content, link, published_at, fetched_at, is_read, state, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_id, guid) DO NOTHING
		RETURNING id`,
		item.FeedID, item.GUID, item.Title, item.Content, item.Link, item.PublishedAt, item.FetchedAt,
		item.IsRead(), state, tags).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict occurred, item already exists
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	item.ID = id
	item.Version = 1
	return id, true, nil
}

// GetItem returns one item.
func (db *DB) GetItem(itemID int64) (model.Item, error) {
	it, err := scanItem(db.queryRow("SELECT "+itemColumns+" FROM items WHERE id = ?", itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Item{}, fmt.Errorf("item %d: %w", itemID, ErrNotFound)
	}
	return it, err
}

// GetItems returns items for a feed, ordered by published date desc.
func (db *DB) GetItems(feedID int64, onlyUnread bool) ([]model.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE feed_id = ?"
	args := []any{feedID}
	if onlyUnread {
		query += " AND is_read = ?"
		args = append(args, false)
	}
	query += " ORDER BY published_at DESC"
	rows, err := db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetAllItems returns items across all feeds.
func (db *DB) GetAllItems(onlyUnread bool) ([]model.Item, error) {
	query := "SELECT " + itemColumns + " FROM items"
	var args []any
	if onlyUnread {
		query += " WHERE is_read = ?"
		args = append(args, false)
	}
	query += " ORDER BY published_at DESC"
	rows, err := db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// SaveItemAttributes implements Store.SaveItemAttributes. The pairing flag is
// OR-ed in so no writer can clear it.
func (db *DB) SaveItemAttributes(item *model.Item) error {
	state, err := encodeList(item.State)
	if err != nil {
		return err
	}
	tags, err := encodeList(item.Tags)
	if err != nil {
		return err
	}
	var categories sql.NullString
	if item.RemoteCategories != nil {
		b, err := json.Marshal(item.RemoteCategories)
		if err != nil {
			return fmt.Errorf("encode categories: %w", err)
		}
		categories = sql.NullString{String: string(b), Valid: true}
	}

	res, err := db.conn.Exec(db.rebind(`
		UPDATE items SET
			is_read = ?, state = ?, tags = ?, remote_id = ?, remote_categories = ?,
			remote_synced = (remote_synced OR ?), version = version + 1
		WHERE id = ? AND version = ?`),
		item.IsRead(), state, tags, item.RemoteID, categories,
		item.RemoteSynced, item.ID, item.Version)
	if err != nil {
		return fmt.Errorf("save item %d: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.GetItem(item.ID); err != nil {
			return err
		}
		return fmt.Errorf("item %d: %w", item.ID, ErrConflict)
	}
	item.Version++
	return nil
}

// CleanupReadItems deletes all items marked as read.
func (db *DB) CleanupReadItems() (int64, error) {
	res, err := db.conn.Exec(db.rebind("DELETE FROM items WHERE is_read = ?"), true)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(s scanner) (model.Item, error) {
	var it model.Item
	var content, link, categories sql.NullString
	var publishedAt, fetchedAt sql.NullTime
	var state, tags string
	if err := s.Scan(&it.ID, &it.FeedID, &it.GUID, &it.Title, &content, &link, &publishedAt, &fetchedAt,
		&state, &tags, &it.RemoteID, &categories, &it.RemoteSynced, &it.Version); err != nil {
		return it, err
	}
	it.Content = content.String
	it.Link = link.String
	if publishedAt.Valid {
		it.PublishedAt = publishedAt.Time
	}
	if fetchedAt.Valid {
		it.FetchedAt = fetchedAt.Time
	}
	var err error
	if it.State, err = decodeList(state); err != nil {
		return it, fmt.Errorf("item %d state: %w", it.ID, err)
	}
	if it.Tags, err = decodeList(tags); err != nil {
		return it, fmt.Errorf("item %d tags: %w", it.ID, err)
	}
	if categories.Valid {
		it.RemoteCategories = []string{}
		if err := json.Unmarshal([]byte(categories.String), &it.RemoteCategories); err != nil {
			return it, fmt.Errorf("item %d categories: %w", it.ID, err)
		}
	}
	return it, nil
}

func encodeList(s []string) (string, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, nil
	}
	return s, nil
}
