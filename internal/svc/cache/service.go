// Package cache exposes the download cache to the CLI and the HTTP API.
package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/depmap_downloader/internal/catalog"
	"github.com/italolelis/depmap_downloader/internal/dc"
	"github.com/italolelis/depmap_downloader/internal/downloader"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/notifier"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/task"
	"github.com/italolelis/depmap_downloader/internal/transfer"
)

// Store is everything the service reads and writes.
type Store interface {
	storage.CatalogWriter
	downloader.Store

	Releases(ctx context.Context, f storage.Filter) iter.Seq2[storage.Release, error]
	Datasets(ctx context.Context, f storage.Filter) iter.Seq2[storage.Dataset, error]
	Search(ctx context.Context, term string, kind storage.SearchKind, limit int) ([]storage.SearchResult, error)
	Stats(ctx context.Context, detailed bool) (storage.Stats, error)
	Clear(ctx context.Context, scope storage.Scope) error
	ResetAbandonedClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// ListKind selects which entity List returns.
type ListKind string

const (
	ListReleases ListKind = "releases"
	ListDatasets ListKind = "datasets"
	ListFiles    ListKind = "files"
)

func ParseListKind(s string) (ListKind, error) {
	switch ListKind(s) {
	case "", ListReleases:
		return ListReleases, nil
	case ListDatasets, ListFiles:
		return ListKind(s), nil
	}

	return "", &transfer.InvalidRequestError{Reason: fmt.Sprintf("unknown list kind %q", s)}
}

// Listing holds the rows of one List call; only the requested kind is set.
type Listing struct {
	Kind     ListKind
	Releases []storage.Release
	Datasets []storage.Dataset
	Files    []storage.File
}

// Len returns the number of rows of the listed kind.
func (l Listing) Len() int {
	switch l.Kind {
	case ListDatasets:
		return len(l.Datasets)
	case ListFiles:
		return len(l.Files)
	}

	return len(l.Releases)
}

type Service struct {
	store        Store
	sync         *catalog.Synchronizer
	downloader   *downloader.Downloader
	poller       *task.Poller
	notifier     notifier.Notifier
	claimTimeout time.Duration
	now          func() time.Time
}

type Option func(*Service)

// WithNotifier sends a summary after every download batch.
func WithNotifier(n notifier.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClaimTimeout releases claims older than d before each download, left
// behind by processes that died mid-transfer. Zero disables the recovery.
func WithClaimTimeout(d time.Duration) Option {
	return func(s *Service) { s.claimTimeout = d }
}

func NewService(store Store, sync *catalog.Synchronizer, dl *downloader.Downloader, poller *task.Poller, opts ...Option) *Service {
	s := &Service{
		store:      store,
		sync:       sync,
		downloader: dl,
		poller:     poller,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Update synchronizes the given categories, all when none are given.
func (s *Service) Update(ctx context.Context, categories []storage.Category, force bool) (catalog.Report, error) {
	return s.sync.Sync(ctx, categories, force)
}

// List returns the rows of kind matching f.
func (s *Service) List(ctx context.Context, kind ListKind, f storage.Filter) (Listing, error) {
	l := Listing{Kind: kind}

	var err error

	switch kind {
	case ListReleases:
		l.Releases, err = storage.Collect(s.store.Releases(ctx, f))
	case ListDatasets:
		l.Datasets, err = storage.Collect(s.store.Datasets(ctx, f))
	case ListFiles:
		l.Files, err = storage.Collect(s.store.Files(ctx, f))
	default:
		return l, &transfer.InvalidRequestError{Reason: fmt.Sprintf("unknown list kind %q", kind)}
	}

	return l, err
}

// Download transfers the files picked by sel. A store that was never
// synchronized is populated first.
func (s *Service) Download(ctx context.Context, sel transfer.Selector, opts transfer.Options) (*transfer.Result, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	if err := s.ensureCatalog(ctx); err != nil {
		return nil, err
	}

	s.recoverClaims(ctx)

	result, err := s.downloader.Download(ctx, sel, opts)
	if result != nil {
		s.notify(ctx, "download", result)
	}

	return result, err
}

// CustomDownload submits an extraction, waits for it and downloads the result.
func (s *Service) CustomDownload(ctx context.Context, req dc.CustomRequest, opts transfer.Options) (dc.Task, *transfer.Result, error) {
	t, result, err := s.poller.Run(ctx, req, s.downloader, opts)
	if result != nil {
		s.notify(ctx, "custom download "+req.DatasetID, result)
	}

	return t, result, err
}

// Search looks term up across the requested kinds.
func (s *Service) Search(ctx context.Context, term string, kind storage.SearchKind, limit int) ([]storage.SearchResult, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, &transfer.InvalidRequestError{Reason: "search term is empty"}
	}

	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}

	return s.store.Search(ctx, term, kind, limit)
}

func (s *Service) Stats(ctx context.Context, detailed bool) (storage.Stats, error) {
	return s.store.Stats(ctx, detailed)
}

// Clear deletes the cached rows in scope. Downloaded files stay on disk.
func (s *Service) Clear(ctx context.Context, scope storage.Scope) error {
	if err := s.store.Clear(ctx, scope); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "cache cleared", "data_type", scope.DataType)

	return nil
}

func (s *Service) ensureCatalog(ctx context.Context) error {
	last, err := s.store.LastSyncTime(ctx, storage.CategoryReleases)
	if err != nil {
		return err
	}

	if !last.IsZero() {
		return nil
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "catalog was never synchronized, updating releases first")

	if _, err := s.sync.Sync(ctx, []storage.Category{storage.CategoryReleases}, false); err != nil {
		return fmt.Errorf("failed to populate catalog: %w", err)
	}

	return nil
}

func (s *Service) recoverClaims(ctx context.Context) {
	if s.claimTimeout <= 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	n, err := s.store.ResetAbandonedClaims(ctx, s.now().Add(-s.claimTimeout))
	if err != nil {
		logger.WarnContext(ctx, "failed to reset abandoned claims", "err", err)

		return
	}

	if n > 0 {
		logger.InfoContext(ctx, "released abandoned claims", "files", n)
	}
}

func (s *Service) notify(ctx context.Context, what string, r *transfer.Result) {
	if s.notifier == nil || r.Attempted == 0 {
		return
	}

	msg := fmt.Sprintf("%s finished: %s, %s in %s", what, r.Summary(), humanize.Bytes(uint64(r.Bytes)), r.Duration.Round(time.Second))
	for _, f := range r.Failures {
		msg += "\n- " + f.Error()
	}

	if err := s.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil && !errors.Is(err, notifier.ErrNoWebhook) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "err", err)
	}
}
