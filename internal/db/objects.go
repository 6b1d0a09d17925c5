package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onepagepub/onepagepub/internal/ap"
)

// PutObject inserts a new object keyed by its id. An existing id is a
// conflict; objects are never silently overwritten.
func (q *queries) PutObject(ctx context.Context, obj ap.Object) error {
	id := obj.ID()
	if id == "" {
		return fmt.Errorf("object without id: %w", ap.ErrBadRequest)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal object: %w", err)
	}

	var stmt string
	if q.driver == "sqlite" {
		stmt = `INSERT OR IGNORE INTO objects (id, data) VALUES (?, ?)`
	} else {
		stmt = `INSERT INTO objects (id, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	res, err := q.db.ExecContext(ctx, stmt, id, string(data))
	if err != nil {
		return fmt.Errorf("insert object: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("object %s already exists: %w", id, ap.ErrConflict)
	}
	return nil
}

// GetObject returns the stored object, tombstones included.
func (q *queries) GetObject(ctx context.Context, id string) (ap.Object, error) {
	var data string
	err := q.db.QueryRowContext(ctx, q.rebind(`SELECT data FROM objects WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object %s: %w", id, ap.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select object: %w", err)
	}
	var obj ap.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object %s: %w", id, err)
	}
	return obj, nil
}

// PatchObject shallow-merges fields into the stored object: a null value
// removes the property, anything else replaces it. The updated timestamp
// advances; id and published never move.
func (q *queries) PatchObject(ctx context.Context, id string, fields map[string]any) (ap.Object, error) {
	obj, err := q.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.Type() == "Tombstone" {
		return nil, fmt.Errorf("object %s is deleted: %w", id, ap.ErrGone)
	}

	for k, v := range fields {
		if v == nil {
			delete(obj, k)
			continue
		}
		obj[k] = v
	}
	obj["id"] = id
	obj["updated"] = ap.Now()

	if err := q.writeObject(ctx, id, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// TombstoneObject replaces the object with its Tombstone, keeping only id,
// published, formerType, deleted, updated and summaryMap.
func (q *queries) TombstoneObject(ctx context.Context, id string) (ap.Object, error) {
	obj, err := q.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.Type() == "Tombstone" {
		return nil, fmt.Errorf("object %s is already deleted: %w", id, ap.ErrGone)
	}

	now := ap.Now()
	tombstone := ap.Object{
		"id":         id,
		"type":       "Tombstone",
		"formerType": obj.Type(),
		"deleted":    now,
		"updated":    now,
		"summaryMap": map[string]any{"en": "This object has been deleted"},
	}
	if published := obj.GetString("published"); published != "" {
		tombstone["published"] = published
	}

	if err := q.writeObject(ctx, id, tombstone); err != nil {
		return nil, err
	}
	return tombstone, nil
}

func (q *queries) writeObject(ctx context.Context, id string, obj ap.Object) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal object: %w", err)
	}
	_, err = q.db.ExecContext(ctx, q.rebind(`UPDATE objects SET data = ? WHERE id = ?`), string(data), id)
	if err != nil {
		return fmt.Errorf("update object %s: %w", id, err)
	}
	return nil
}
