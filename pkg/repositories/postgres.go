package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cbodonnell/tally/pkg/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to the database and applies the embedded
// migrations. The caller is responsible for calling Close() on the
// repository.
func NewPostgresRepository(ctx context.Context, connStr string) (*PostgresRepository, error) {
	pool, err := connectDb(ctx, connStr)
	if err != nil {
		return nil, err
	}

	statements, err := migrations("postgres")
	if err != nil {
		pool.Close()
		return nil, err
	}
	for i, migration := range statements {
		if _, err := pool.Exec(ctx, migration); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to execute migration %d: %v", i+1, err)
		}
	}

	return &PostgresRepository{
		pool: pool,
	}, nil
}

func connectDb(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	var username string
	var database string
	err = pool.QueryRow(ctx, "SELECT current_user, current_database()").Scan(&username, &database)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to query database: %v", err)
	}

	log.Info("Connected to %s as %s", database, username)

	return pool, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	snapshot, err := normalizeSnapshot(snapshot)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	q := `
	INSERT INTO snapshots (namespace, saved_at) VALUES ($1, $2)
	ON CONFLICT (namespace) DO UPDATE SET saved_at = $2;
	`
	if _, err := tx.Exec(ctx, q, snapshot.Namespace, snapshot.SavedAt); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %v", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM snapshot_entries WHERE namespace = $1;`, snapshot.Namespace); err != nil {
		return fmt.Errorf("failed to clear snapshot entries: %v", err)
	}

	batch := &pgx.Batch{}
	for id, payload := range snapshot.Entries {
		batch.Queue(`INSERT INTO snapshot_entries (namespace, entity_id, payload) VALUES ($1, $2, $3);`, snapshot.Namespace, id, string(payload))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert snapshot entries: %v", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}

	return nil
}

func (r *PostgresRepository) LoadSnapshot(ctx context.Context, namespace string) (*Snapshot, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	var savedAt time.Time
	if err := r.pool.QueryRow(ctx, `SELECT saved_at FROM snapshots WHERE namespace = $1;`, namespace).Scan(&savedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Namespace: namespace}
		}
		return nil, fmt.Errorf("failed to scan snapshot: %v", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT entity_id, payload::text FROM snapshot_entries WHERE namespace = $1;`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot entries: %v", err)
	}
	defer rows.Close()

	snapshot := &Snapshot{
		Namespace: namespace,
		Entries:   make(map[string]json.RawMessage),
		SavedAt:   savedAt.UTC(),
	}
	for rows.Next() {
		var id string
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot entry: %v", err)
		}
		snapshot.Entries[id] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot entries: %v", err)
	}

	return snapshot, nil
}
