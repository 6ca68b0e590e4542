package sqlite

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

// Store is the SQLite-backed metadata store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return &storage.PersistenceError{Operation: op, Err: err}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// query returns a lazy sequence over the rows of q. Each iteration re-runs the query.
func query[T any](ctx context.Context, db *sql.DB, op, q string, args []any, scan func(scanner) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		rows, err := db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(zero, persistErr(op, err))

			return
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				yield(zero, persistErr(op, err))

				return
			}

			if !yield(v, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(zero, persistErr(op, err))
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}

	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t
		}
	}

	return time.Time{}
}
