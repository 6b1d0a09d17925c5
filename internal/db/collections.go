package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onepagepub/onepagepub/internal/ap"
)

// CreateCollection registers a new ordered collection.
func (q *queries) CreateCollection(ctx context.Context, id, owner, role string, nameMap map[string]string, private bool) error {
	nameJSON := ""
	if len(nameMap) > 0 {
		data, err := json.Marshal(nameMap)
		if err != nil {
			return fmt.Errorf("marshal name map: %w", err)
		}
		nameJSON = string(data)
	}
	priv := 0
	if private {
		priv = 1
	}

	var stmt string
	if q.driver == "sqlite" {
		stmt = `INSERT OR IGNORE INTO collections (id, owner, role, private, name_json) VALUES (?, ?, ?, ?, ?)`
	} else {
		stmt = `INSERT INTO collections (id, owner, role, private, name_json) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	}
	res, err := q.db.ExecContext(ctx, stmt, id, owner, role, priv, nameJSON)
	if err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("collection %s already exists: %w", id, ap.ErrConflict)
	}
	return nil
}

// CollectionInfo returns the collection's metadata, or NotFound if the id
// does not name a collection.
func (q *queries) CollectionInfo(ctx context.Context, id string) (*ap.CollectionInfo, error) {
	var (
		info     ap.CollectionInfo
		priv     int
		nameJSON string
	)
	err := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT id, owner, role, private, total_items, name_json FROM collections WHERE id = ?`,
	), id).Scan(&info.ID, &info.Owner, &info.Role, &priv, &info.TotalItems, &nameJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, ap.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select collection: %w", err)
	}
	info.Private = priv != 0
	if nameJSON != "" {
		if err := json.Unmarshal([]byte(nameJSON), &info.NameMap); err != nil {
			return nil, fmt.Errorf("unmarshal name map for %s: %w", id, err)
		}
	}
	return &info, nil
}

// AppendToCollection appends an item. Re-appending an existing item is a
// no-op, which is what makes retried inbox deliveries at-most-once visible.
func (q *queries) AppendToCollection(ctx context.Context, coll, item string) error {
	if _, err := q.CollectionInfo(ctx, coll); err != nil {
		return err
	}

	var stmt string
	if q.driver == "sqlite" {
		stmt = `INSERT OR IGNORE INTO collection_items (collection_id, item_id) VALUES (?, ?)`
	} else {
		stmt = `INSERT INTO collection_items (collection_id, item_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	res, err := q.db.ExecContext(ctx, stmt, coll, item)
	if err != nil {
		return fmt.Errorf("append to collection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	_, err = q.db.ExecContext(ctx, q.rebind(
		`UPDATE collections SET total_items = total_items + 1 WHERE id = ?`,
	), coll)
	if err != nil {
		return fmt.Errorf("bump total_items: %w", err)
	}
	return nil
}

// RemoveFromCollection removes an item; removing an absent item is a no-op.
func (q *queries) RemoveFromCollection(ctx context.Context, coll, item string) error {
	res, err := q.db.ExecContext(ctx, q.rebind(
		`DELETE FROM collection_items WHERE collection_id = ? AND item_id = ?`,
	), coll, item)
	if err != nil {
		return fmt.Errorf("remove from collection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	_, err = q.db.ExecContext(ctx, q.rebind(
		`UPDATE collections SET total_items = total_items - 1 WHERE id = ? AND total_items > 0`,
	), coll)
	if err != nil {
		return fmt.Errorf("drop total_items: %w", err)
	}
	return nil
}

// CollectionContains reports item membership.
func (q *queries) CollectionContains(ctx context.Context, coll, item string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT 1 FROM collection_items WHERE collection_id = ? AND item_id = ?`,
	), coll, item).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("collection membership: %w", err)
	}
	return true, nil
}

// CollectionItems returns every item in insertion order.
func (q *queries) CollectionItems(ctx context.Context, coll string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT item_id FROM collection_items WHERE collection_id = ? ORDER BY seq ASC`,
	), coll)
	if err != nil {
		return nil, fmt.Errorf("list collection items: %w", err)
	}
	return scanStringRows(rows)
}

// CollectionPage returns page number page (1-based, counted from the oldest
// items) of size items, in insertion order. The serving layer reverses each
// page so items display newest first.
func (q *queries) CollectionPage(ctx context.Context, coll string, page, size int) ([]string, error) {
	if page < 1 || size < 1 {
		return nil, fmt.Errorf("bad page parameters: %w", ap.ErrBadRequest)
	}
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT item_id FROM collection_items WHERE collection_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
	), coll, size, (page-1)*size)
	if err != nil {
		return nil, fmt.Errorf("page collection items: %w", err)
	}
	return scanStringRows(rows)
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
