// Package records persists correspondence records in SQLite.
package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/lightfield/correspond"
)

// ErrNotFound is returned for an unknown record id.
var ErrNotFound = errors.New("record not found")

// Item is a stored correspondence record with its provenance.
type Item struct {
	ID        string             `json:"id"`
	JobID     string             `json:"jobId,omitempty"`
	Source    string             `json:"source"`
	Views     int                `json:"views"`
	Matched   int                `json:"matched"`
	CreatedAt time.Time          `json:"createdAt"`
	Record    *correspond.Record `json:"record"`
}

// APIResponse is the JSON body of a record listing.
type APIResponse struct {
	Items   []Item `json:"items"`
	HasMore bool   `json:"has_more"`
}

// CreateTable creates the records table and its indexes if needed.
func CreateTable(ctx context.Context, db *sql.DB) error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		job_id TEXT,
		source TEXT NOT NULL,
		reference_view INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		radius INTEGER NOT NULL,
		views INTEGER NOT NULL,
		matched INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		body TEXT NOT NULL -- JSON correspond.Record
	)`,
		`CREATE INDEX IF NOT EXISTS records_job ON records(job_id)`,
		`CREATE INDEX IF NOT EXISTS records_created ON records(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// NewItem wraps rec for storage with a fresh id. Views counts the whole
// view set, reference included.
func NewItem(jobID, source string, rec *correspond.Record) Item {
	return Item{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Source:    source,
		Views:     len(rec.Results) + 1,
		Matched:   len(rec.Matched()),
		CreatedAt: time.Now().UTC(),
		Record:    rec,
	}
}

// Save inserts or replaces an item.
func Save(ctx context.Context, db *sql.DB, item Item) error {
	if item.Record == nil {
		return errors.New("record is required")
	}
	body, err := json.Marshal(item.Record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = db.ExecContext(ctx, `
	INSERT OR REPLACE INTO records (
		id, job_id, source, reference_view, x, y, radius, views, matched, created_at, body
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.JobID,
		item.Source,
		item.Record.ReferenceView,
		item.Record.Pixel.X,
		item.Record.Pixel.Y,
		item.Record.Radius,
		item.Views,
		item.Matched,
		item.CreatedAt,
		string(body),
	)
	return err
}

const selectColumns = `SELECT r.id, COALESCE(r.job_id, ''), r.source, r.views, r.matched, r.created_at, r.body FROM records r`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (Item, error) {
	var (
		item Item
		body string
	)
	if err := s.Scan(&item.ID, &item.JobID, &item.Source, &item.Views, &item.Matched, &item.CreatedAt, &body); err != nil {
		return Item{}, err
	}
	item.Record = &correspond.Record{}
	if err := json.Unmarshal([]byte(body), item.Record); err != nil {
		return Item{}, fmt.Errorf("failed to decode record %s: %w", item.ID, err)
	}
	return item, nil
}

// GetItem fetches one record by id.
func GetItem(ctx context.Context, db *sql.DB, id string) (*Item, error) {
	item, err := scanItem(db.QueryRowContext(ctx, selectColumns+` WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetItems returns a page of records, newest first, filtered by a search
// query (see parseSearchQuery). It reports whether more records follow.
func GetItems(ctx context.Context, db *sql.DB, offset, limit int, searchQuery string) ([]Item, bool, error) {
	sq, err := parseSearchQuery(searchQuery)
	if err != nil {
		return nil, false, err
	}
	whereClause, args := buildWhereClause(sq)

	query := selectColumns
	if whereClause != "" {
		query += " " + whereClause
	}
	query += ` ORDER BY r.created_at DESC, r.id LIMIT ? OFFSET ?`
	args = append(args, limit+1, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, false, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}

// RemoveItem deletes a record.
func RemoveItem(ctx context.Context, db *sql.DB, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveJobItems deletes every record produced by a job and returns the count.
func RemoveJobItems(ctx context.Context, db *sql.DB, jobID string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM records WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
