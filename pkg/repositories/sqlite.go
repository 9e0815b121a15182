package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens the database at path and applies the embedded
// migrations.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	statements, err := migrations("sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	for i, migration := range statements {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute migration %d: %v", i+1, err)
		}
	}

	return &SQLiteRepository{
		db: db,
	}, nil
}

func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	snapshot, err := normalizeSnapshot(snapshot)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	q := `
	INSERT INTO snapshots (namespace, saved_at) VALUES (?, ?)
	ON CONFLICT (namespace) DO UPDATE SET saved_at = excluded.saved_at;
	`
	if _, err := tx.ExecContext(ctx, q, snapshot.Namespace, snapshot.SavedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_entries WHERE namespace = ?;`, snapshot.Namespace); err != nil {
		return fmt.Errorf("failed to clear snapshot entries: %v", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshot_entries (namespace, entity_id, payload) VALUES (?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %v", err)
	}
	defer stmt.Close()
	for id, payload := range snapshot.Entries {
		if _, err := stmt.ExecContext(ctx, snapshot.Namespace, id, []byte(payload)); err != nil {
			return fmt.Errorf("failed to insert entry %s: %v", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}

	return nil
}

func (r *SQLiteRepository) LoadSnapshot(ctx context.Context, namespace string) (*Snapshot, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	var savedAt int64
	if err := r.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshots WHERE namespace = ?;`, namespace).Scan(&savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Namespace: namespace}
		}
		return nil, fmt.Errorf("failed to scan snapshot: %v", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT entity_id, payload FROM snapshot_entries WHERE namespace = ?;`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot entries: %v", err)
	}
	defer rows.Close()

	snapshot := &Snapshot{
		Namespace: namespace,
		Entries:   make(map[string]json.RawMessage),
		SavedAt:   time.UnixMilli(savedAt).UTC(),
	}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot entry: %v", err)
		}
		snapshot.Entries[id] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot entries: %v", err)
	}

	return snapshot, nil
}
