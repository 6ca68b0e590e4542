// Package catalog keeps the local metadata store in step with the portal.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/depmap_downloader/internal/dc"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/retry"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/telemetry"
)

const (
	DefaultRefreshInterval = 24 * time.Hour
	DefaultGeneBatchSize   = 1000
)

// Report counts the rows written per category. Categories that were still
// fresh are listed in Skipped.
type Report struct {
	Synced  map[storage.Category]int
	Skipped []storage.Category
}

// Synchronizer reconciles remote listings into the store.
type Synchronizer struct {
	remote    dc.CatalogClient
	store     storage.CatalogWriter
	policy    retry.Policy
	interval  time.Duration
	batchSize int
	now       func() time.Time
	telemetry *telemetry.Telemetry
}

type Option func(*Synchronizer)

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Synchronizer) { s.policy = p }
}

// WithRefreshInterval sets how long a synchronized category is trusted.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.interval = d }
}

func WithGeneBatchSize(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Synchronizer) { s.telemetry = t }
}

// NewSynchronizer creates a synchronizer with the default policy and interval.
func NewSynchronizer(remote dc.CatalogClient, store storage.CatalogWriter, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		remote:    remote,
		store:     store,
		policy:    retry.Default(),
		interval:  DefaultRefreshInterval,
		batchSize: DefaultGeneBatchSize,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// IsFresh reports whether category c was synchronized within the refresh interval.
func (s *Synchronizer) IsFresh(ctx context.Context, c storage.Category) (bool, error) {
	last, err := s.store.LastSyncTime(ctx, c)
	if err != nil {
		return false, err
	}

	if last.IsZero() {
		return false, nil
	}

	return s.now().Sub(last) < s.interval, nil
}

// Sync refreshes the requested categories, all of them when none are given.
// A failing category does not stop the others; their errors are joined.
func (s *Synchronizer) Sync(ctx context.Context, categories []storage.Category, force bool) (Report, error) {
	logger := logctx.LoggerFromContext(ctx)

	if len(categories) == 0 {
		categories = storage.AllCategories()
	}

	report := Report{Synced: make(map[storage.Category]int)}

	var errs []error

	for _, c := range categories {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)

			break
		}

		if !force {
			fresh, err := s.IsFresh(ctx, c)
			if err != nil {
				errs = append(errs, err)

				continue
			}

			if fresh {
				logger.DebugContext(ctx, "catalog category is fresh, skipping", "category", c)

				report.Skipped = append(report.Skipped, c)

				continue
			}
		}

		start := s.now()

		n, err := s.syncCategory(ctx, c)
		if err != nil {
			s.telemetry.RecordSync(string(c), "error", time.Since(start))
			logger.ErrorContext(ctx, "failed to sync catalog category", "category", c, "err", err)

			errs = append(errs, err)

			continue
		}

		if err := s.store.MarkSynced(ctx, c, s.now()); err != nil {
			errs = append(errs, err)

			continue
		}

		s.telemetry.RecordSync(string(c), "success", time.Since(start))
		logger.InfoContext(ctx, "catalog category synced", "category", c, "rows", n)

		report.Synced[c] = n
	}

	return report, errors.Join(errs...)
}

func (s *Synchronizer) syncCategory(ctx context.Context, c storage.Category) (int, error) {
	switch c {
	case storage.CategoryReleases:
		return s.syncReleases(ctx)
	case storage.CategoryDatasets:
		return s.syncDatasets(ctx)
	case storage.CategoryGenes:
		return s.syncGenes(ctx)
	}

	return 0, fmt.Errorf("unknown catalog category %q", c)
}

// fetch retries fn under the policy and turns exhaustion into a SyncError.
func fetch[T any](ctx context.Context, s *Synchronizer, c storage.Category, fn func(ctx context.Context) (T, error)) (T, error) {
	result, attempts, err := retry.Do(ctx, s.policy, "sync_"+string(c), func(ctx context.Context, _ int) (T, error) {
		return fn(ctx)
	})
	if err != nil {
		var perErr *storage.PersistenceError
		if errors.As(err, &perErr) || ctx.Err() != nil {
			return result, err
		}

		return result, &SyncError{Category: c, Attempts: attempts, Err: err}
	}

	return result, nil
}

type releaseGroup struct {
	release storage.Release
	files   []storage.File
}

func (s *Synchronizer) syncReleases(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := fetch(ctx, s, storage.CategoryReleases, s.remote.ListFiles)
	if err != nil {
		return 0, err
	}

	var (
		order  []string
		groups = make(map[string]*releaseGroup)
	)

	for _, e := range entries {
		if e.Release == "" {
			logger.DebugContext(ctx, "skipping file without release", "file", e.Filename)

			continue
		}

		g, ok := groups[e.Release]
		if !ok {
			g = &releaseGroup{release: storage.Release{ID: e.Release, Name: e.Release, ReleaseDate: e.ReleaseDate}}
			groups[e.Release] = g
			order = append(order, e.Release)
		}

		g.files = append(g.files, storage.File{
			Name:      e.Filename,
			URL:       e.URL,
			Size:      e.Size,
			MD5:       e.MD5,
			ReleaseID: e.Release,
			DataType:  InferDataType(e.Filename),
		})
	}

	written := 0

	for _, id := range order {
		g := groups[id]
		if err := s.store.UpsertRelease(ctx, g.release, g.files); err != nil {
			return written, fmt.Errorf("failed to store release %q: %w", id, err)
		}

		written += len(g.files)
	}

	if current := newestRelease(order, groups); current != "" {
		if err := s.store.SetCurrentRelease(ctx, current); err != nil {
			return written, fmt.Errorf("failed to flag current release: %w", err)
		}
	}

	return written, nil
}

// newestRelease picks the release with the latest date. Undated releases only
// win when none is dated; ties keep listing order.
func newestRelease(order []string, groups map[string]*releaseGroup) string {
	var (
		best     string
		bestDate time.Time
	)

	for _, id := range order {
		d := groups[id].release.ReleaseDate
		if best == "" || d.After(bestDate) {
			best, bestDate = id, d
		}
	}

	return best
}

func (s *Synchronizer) syncDatasets(ctx context.Context) (int, error) {
	entries, err := fetch(ctx, s, storage.CategoryDatasets, s.remote.ListDatasets)
	if err != nil {
		return 0, err
	}

	for i, e := range entries {
		d := storage.Dataset{
			ID:               e.ID,
			DisplayName:      e.DisplayName,
			DataType:         e.DataType,
			DownloadEntryURL: e.DownloadEntryURL,
		}

		if err := s.store.UpsertDataset(ctx, d); err != nil {
			return i, fmt.Errorf("failed to store dataset %q: %w", e.ID, err)
		}
	}

	return len(entries), nil
}

func (s *Synchronizer) syncGenes(ctx context.Context) (int, error) {
	return fetch(ctx, s, storage.CategoryGenes, func(ctx context.Context) (int, error) {
		written := 0

		err := s.remote.GeneDependencies(ctx, s.batchSize, func(batch []storage.GeneDependency) error {
			if err := s.store.UpsertGeneDependencies(ctx, batch); err != nil {
				return retry.Permanent(err)
			}

			written += len(batch)

			return nil
		})

		return written, err
	})
}
