package sqlite

import (
	"context"
	"iter"
	"time"

	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry.
type InstrumentedStore struct {
	store     *Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(store *Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel}
}

func (r *InstrumentedStore) UpsertRelease(ctx context.Context, rel storage.Release, files []storage.File) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_release", func(ctx context.Context) error {
		return r.store.UpsertRelease(ctx, rel, files)
	})
}

func (r *InstrumentedStore) UpsertFile(ctx context.Context, f storage.File) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_file", func(ctx context.Context) error {
		return r.store.UpsertFile(ctx, f)
	})
}

func (r *InstrumentedStore) UpsertDataset(ctx context.Context, d storage.Dataset) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_dataset", func(ctx context.Context) error {
		return r.store.UpsertDataset(ctx, d)
	})
}

func (r *InstrumentedStore) UpsertGeneDependencies(ctx context.Context, deps []storage.GeneDependency) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_gene_dependencies", func(ctx context.Context) error {
		return r.store.UpsertGeneDependencies(ctx, deps)
	})
}

func (r *InstrumentedStore) UpsertCellLine(ctx context.Context, c storage.CellLine) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_cell_line", func(ctx context.Context) error {
		return r.store.UpsertCellLine(ctx, c)
	})
}

func (r *InstrumentedStore) SetCurrentRelease(ctx context.Context, releaseID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_current_release", func(ctx context.Context) error {
		return r.store.SetCurrentRelease(ctx, releaseID)
	})
}

func (r *InstrumentedStore) LastSyncTime(ctx context.Context, c storage.Category) (time.Time, error) {
	var result time.Time

	err := r.telemetry.InstrumentDBOperation(ctx, "last_sync_time", func(ctx context.Context) error {
		var err error
		result, err = r.store.LastSyncTime(ctx, c)

		return err
	})

	return result, err
}

func (r *InstrumentedStore) MarkSynced(ctx context.Context, c storage.Category, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_synced", func(ctx context.Context) error {
		return r.store.MarkSynced(ctx, c, at)
	})
}

func (r *InstrumentedStore) Clear(ctx context.Context, scope storage.Scope) error {
	return r.telemetry.InstrumentDBOperation(ctx, "clear", func(ctx context.Context) error {
		return r.store.Clear(ctx, scope)
	})
}

// Files instruments the whole iteration, not only the query start.
func (r *InstrumentedStore) Files(ctx context.Context, f storage.Filter) iter.Seq2[storage.File, error] {
	return instrumentSeq(ctx, r.telemetry, "list_files", func(ctx context.Context) iter.Seq2[storage.File, error] {
		return r.store.Files(ctx, f)
	})
}

func (r *InstrumentedStore) Releases(ctx context.Context, f storage.Filter) iter.Seq2[storage.Release, error] {
	return instrumentSeq(ctx, r.telemetry, "list_releases", func(ctx context.Context) iter.Seq2[storage.Release, error] {
		return r.store.Releases(ctx, f)
	})
}

func (r *InstrumentedStore) Datasets(ctx context.Context, f storage.Filter) iter.Seq2[storage.Dataset, error] {
	return instrumentSeq(ctx, r.telemetry, "list_datasets", func(ctx context.Context) iter.Seq2[storage.Dataset, error] {
		return r.store.Datasets(ctx, f)
	})
}

func (r *InstrumentedStore) File(ctx context.Context, id int64) (storage.File, error) {
	var result storage.File

	err := r.telemetry.InstrumentDBOperation(ctx, "get_file", func(ctx context.Context) error {
		var err error
		result, err = r.store.File(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedStore) Search(ctx context.Context, term string, kind storage.SearchKind, limit int) ([]storage.SearchResult, error) {
	var result []storage.SearchResult

	err := r.telemetry.InstrumentDBOperation(ctx, "search", func(ctx context.Context) error {
		var err error
		result, err = r.store.Search(ctx, term, kind, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedStore) Stats(ctx context.Context, detailed bool) (storage.Stats, error) {
	var result storage.Stats

	err := r.telemetry.InstrumentDBOperation(ctx, "stats", func(ctx context.Context) error {
		var err error
		result, err = r.store.Stats(ctx, detailed)

		return err
	})

	return result, err
}

func (r *InstrumentedStore) ClaimFile(ctx context.Context, fileID int64, token string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "claim_file", func(ctx context.Context) error {
		return r.store.ClaimFile(ctx, fileID, token)
	})
}

func (r *InstrumentedStore) RecordDownloadOutcome(ctx context.Context, fileID int64, token string, o storage.Outcome) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_download_outcome", func(ctx context.Context) error {
		return r.store.RecordDownloadOutcome(ctx, fileID, token, o)
	})
}

func (r *InstrumentedStore) ReleaseClaim(ctx context.Context, fileID int64, token string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "release_claim", func(ctx context.Context) error {
		return r.store.ReleaseClaim(ctx, fileID, token)
	})
}

func (r *InstrumentedStore) ResetAbandonedClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "reset_abandoned_claims", func(ctx context.Context) error {
		var err error
		result, err = r.store.ResetAbandonedClaims(ctx, cutoff)

		return err
	})

	return result, err
}

func instrumentSeq[T any](ctx context.Context, tel *telemetry.Telemetry, op string, open func(context.Context) iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		_ = tel.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
			for v, err := range open(ctx) {
				if !yield(v, err) {
					return nil
				}

				if err != nil {
					return err
				}
			}

			return nil
		})
	}
}
