package hub

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres backed document store. one append only update log per document
// plus a snapshot row written at compaction time
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, databaseUrl string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	store := &PgStore{
		pool: pool,
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (self *PgStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS loro_snapshots (
			document_name text PRIMARY KEY,
			snapshot bytea NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loro_updates (
			id bigserial PRIMARY KEY,
			document_name text NOT NULL,
			update_bytes bytea NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS loro_updates_document_name
			ON loro_updates (document_name, id)`,
	}
	for _, statement := range statements {
		if _, err := self.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (self *PgStore) Load(ctx context.Context, documentName string) (*LoadResult, error) {
	result := &LoadResult{}

	err := self.pool.QueryRow(
		ctx,
		`SELECT snapshot FROM loro_snapshots WHERE document_name = $1`,
		documentName,
	).Scan(&result.Snapshot)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	rows, err := self.pool.Query(
		ctx,
		`SELECT update_bytes FROM loro_updates WHERE document_name = $1 ORDER BY id`,
		documentName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			return nil, err
		}
		result.Updates = append(result.Updates, update)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if result.Snapshot == nil && len(result.Updates) == 0 {
		return nil, nil
	}
	return result, nil
}

func (self *PgStore) Store(ctx context.Context, documentName string, update []byte) error {
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO loro_updates (document_name, update_bytes) VALUES ($1, $2)`,
		documentName,
		update,
	)
	return err
}

// StoreCompactor. replaces the log with the replica's full history at
// unload time. a single element export becomes the snapshot row
func (self *PgStore) Compact(ctx context.Context, documentName string, updates [][]byte) error {
	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM loro_updates WHERE document_name = $1`, documentName); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM loro_snapshots WHERE document_name = $1`, documentName); err != nil {
		return err
	}
	if len(updates) == 1 {
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO loro_snapshots (document_name, snapshot) VALUES ($1, $2)`,
			documentName,
			updates[0],
		); err != nil {
			return err
		}
	} else {
		for _, update := range updates {
			if _, err := tx.Exec(
				ctx,
				`INSERT INTO loro_updates (document_name, update_bytes) VALUES ($1, $2)`,
				documentName,
				update,
			); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	glog.V(1).Infof("[store]compact %s n=%d\n", documentName, len(updates))
	return nil
}

func (self *PgStore) Close() {
	self.pool.Close()
}
