// Package downloader materializes catalog files on local disk with a bounded
// pool of workers.
package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/depmap_downloader/internal/downloader/progress"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/retry"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/telemetry"
	"github.com/italolelis/depmap_downloader/internal/transfer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	dirPerm = 0755

	DefaultWorkers = 4

	chunkSize        = 32 * 1024
	progressInterval = int64(100 * 1024 * 1024) // 100MB
)

// Store is the part of the metadata store the downloader reads and updates.
type Store interface {
	storage.FileReader
	storage.DownloadStateRepository
}

// Downloader schedules targets onto workers and drives each one through
// Connecting, Streaming and Verifying to a terminal phase.
type Downloader struct {
	source     transfer.Source
	store      Store
	policy     retry.Policy
	instanceID string
	telemetry  *telemetry.Telemetry

	// one transfer per file identity inside this process
	flight singleflight.Group
}

type Option func(*Downloader)

func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Downloader) { d.policy = p }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.telemetry = t }
}

// WithInstanceID sets the prefix of the claim tokens written to the store.
func WithInstanceID(id string) Option {
	return func(d *Downloader) { d.instanceID = id }
}

func NewDownloader(source transfer.Source, store Store, opts ...Option) *Downloader {
	d := &Downloader{
		source:     source,
		store:      store,
		policy:     retry.Default(),
		instanceID: GenerateInstanceID(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Download resolves sel against the store and transfers the matching files.
func (d *Downloader) Download(ctx context.Context, sel transfer.Selector, opts transfer.Options) (*transfer.Result, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	files, err := storage.Collect(d.store.Files(ctx, sel.Filter()))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve files: %w", err)
	}

	if len(files) == 0 {
		return nil, &storage.NotFoundError{Kind: "file", Key: selectorKey(sel)}
	}

	targets := make([]transfer.Target, 0, len(files))
	for _, f := range files {
		targets = append(targets, transfer.TargetFromFile(f))
	}

	return d.Run(ctx, targets, opts)
}

func selectorKey(sel transfer.Selector) string {
	switch {
	case sel.File != "":
		return sel.File
	case sel.Dataset != "":
		return sel.Dataset
	}

	return sel.Release
}

type fileOutcome struct {
	skipped  bool
	canceled bool
	bytes    int64
	attempts int
	err      error
}

// Run transfers targets with at most opts.Workers in flight. Per-file failures
// are collected in the result and never stop sibling transfers. The returned
// error is only set when ctx ended the batch early.
func (d *Downloader) Run(ctx context.Context, targets []transfer.Target, opts transfer.Options) (*transfer.Result, error) {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	work, conflicts := workSet(targets, opts.OutputDir)
	result := &transfer.Result{Attempted: len(work) + len(conflicts)}

	logger.InfoContext(ctx, "starting downloads", "files", len(work), "workers", opts.Workers, "output_dir", opts.OutputDir)

	var (
		mu    sync.Mutex
		g     errgroup.Group
		queue = make(chan transfer.Target)
	)

	record := func(t transfer.Target, o fileOutcome) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case o.canceled:
			result.Canceled++
		case o.skipped:
			result.Skipped++
			result.Paths = append(result.Paths, t.Path)
		case o.err != nil:
			result.Failed++
			result.Failures = append(result.Failures, &transfer.FileError{
				File:     t.Name,
				Kind:     transfer.Classify(o.err),
				Attempts: o.attempts,
				Err:      o.err,
			})
		default:
			result.Succeeded++
			result.Bytes += o.bytes
			result.Paths = append(result.Paths, t.Path)
		}
	}

	for _, c := range conflicts {
		logger.WarnContext(ctx, "file destination already taken", "file", c.File, "path", c.Path, "with", c.With)
		emit(opts, transfer.Event{File: c.File, Phase: transfer.PhaseFailed, Err: c})
		record(transfer.Target{Name: c.File, Path: c.Path}, fileOutcome{err: c})
	}

	for range opts.Workers {
		g.Go(func() error {
			for t := range queue {
				record(t, d.process(ctx, t, opts))
			}

			return nil
		})
	}

	enqueued := 0

feed:
	for _, t := range work {
		emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseQueued, Total: t.Size})

		select {
		case queue <- t:
			enqueued++
		case <-ctx.Done():
			break feed
		}
	}

	close(queue)

	_ = g.Wait()

	result.Canceled += len(work) - enqueued
	result.Duration = time.Since(start)

	logger.InfoContext(ctx, "downloads finished",
		"summary", result.Summary(),
		"downloaded", humanize.Bytes(uint64(result.Bytes)),
		"duration", result.Duration.String())

	if err := ctx.Err(); err != nil {
		return result, err
	}

	return result, nil
}

// workSet assigns destination paths and merges repeated identities. A second
// identity that lands on a path already taken is returned as a conflict.
func workSet(targets []transfer.Target, outputDir string) ([]transfer.Target, []*transfer.PathConflictError) {
	var (
		seen      = make(map[string]struct{}, len(targets))
		owners    = make(map[string]string, len(targets))
		work      = make([]transfer.Target, 0, len(targets))
		conflicts []*transfer.PathConflictError
	)

	for _, t := range targets {
		if t.Path == "" {
			t.Path = filepath.Join(outputDir, releaseDir(t.ReleaseID), localName(t))
		}

		key := t.Key()
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}

		if owner, ok := owners[t.Path]; ok {
			conflicts = append(conflicts, &transfer.PathConflictError{File: t.Name, Path: t.Path, With: owner})

			continue
		}

		owners[t.Path] = t.Name
		work = append(work, t)
	}

	return work, conflicts
}

var releaseSeparators = strings.NewReplacer("/", "_", `\`, "_")

// releaseDir names the subdirectory of a release. Releases reuse file names,
// so each gets its own directory. Empty for files without a release.
func releaseDir(id string) string {
	name := releaseSeparators.Replace(strings.TrimSpace(id))
	if !isUsableName(name) {
		return ""
	}

	return name
}

// localName keeps only the last element of the file name so a listing can
// never write outside the output directory.
func localName(t transfer.Target) string {
	if name := path.Base(filepath.ToSlash(t.Name)); isUsableName(name) {
		return name
	}

	if u, err := url.Parse(t.URL); err == nil {
		if name := path.Base(u.Path); isUsableName(name) {
			return name
		}
	}

	return fmt.Sprintf("file-%d", t.FileID)
}

func isUsableName(name string) bool {
	return name != "" && name != "." && name != ".." && name != "/"
}

func emit(opts transfer.Options, ev transfer.Event) {
	if opts.OnProgress != nil {
		opts.OnProgress(ev)
	}
}

func (d *Downloader) process(ctx context.Context, t transfer.Target, opts transfer.Options) fileOutcome {
	ctx = logctx.With(ctx, "file", t.Name)
	logger := logctx.LoggerFromContext(ctx)

	if err := ctx.Err(); err != nil {
		return fileOutcome{canceled: true, err: err}
	}

	if opts.SkipExisting {
		skip, err := d.checkExisting(ctx, t)
		if err != nil {
			logger.WarnContext(ctx, "failed to check existing file", "path", t.Path, "err", err)
		}

		if skip {
			logger.DebugContext(ctx, "file already downloaded", "path", t.Path)
			emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseSkipped, Total: t.Size})

			return fileOutcome{skipped: true}
		}
	}

	v, _, shared := d.flight.Do(t.Key(), func() (any, error) {
		return d.transfer(ctx, t, opts), nil
	})
	if shared {
		logger.DebugContext(ctx, "joined in-flight transfer", "key", t.Key())
	}

	return v.(fileOutcome)
}

// checkExisting reports whether the local artifact can be trusted. The recorded
// digest only counts when it was recorded for this path. Otherwise the file is
// hashed, and recorded as verified when it matches.
func (d *Downloader) checkExisting(ctx context.Context, t transfer.Target) (bool, error) {
	info, err := os.Stat(t.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if info.IsDir() {
		return false, nil
	}

	if t.MD5 == "" {
		return true, nil
	}

	if t.State == storage.StateVerified && t.LocalPath == t.Path && strings.EqualFold(t.LocalDigest, t.MD5) {
		return true, nil
	}

	digest, err := hashFile(ctx, t.Path)
	if err != nil {
		return false, err
	}

	if !strings.EqualFold(digest, t.MD5) {
		return false, nil
	}

	if t.Ephemeral() {
		return true, nil
	}

	token := claimToken(d.instanceID)
	if err := d.store.ClaimFile(ctx, t.FileID, token); err != nil {
		// another worker owns the row and will record it
		if errors.Is(err, storage.ErrClaimed) {
			return true, nil
		}

		return true, fmt.Errorf("failed to claim re-verified file: %w", err)
	}

	outcome := storage.Outcome{
		State:     storage.StateVerified,
		Digest:    digest,
		LocalPath: t.Path,
		Attempts:  t.Attempts,
	}

	if err := d.store.RecordDownloadOutcome(context.WithoutCancel(ctx), t.FileID, token, outcome); err != nil {
		return true, fmt.Errorf("failed to record re-verified file: %w", err)
	}

	return true, nil
}

func hashFile(ctx context.Context, name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := f.Read(buf)
		h.Write(buf[:n])

		if errors.Is(err, io.EOF) {
			return hex.EncodeToString(h.Sum(nil)), nil
		}

		if err != nil {
			return "", err
		}
	}
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// transfer claims the file, runs the retried fetch and records the terminal
// state exactly once. A canceled attempt restores the previous state instead.
func (d *Downloader) transfer(ctx context.Context, t transfer.Target, opts transfer.Options) fileOutcome {
	logger := logctx.LoggerFromContext(ctx)
	token := claimToken(d.instanceID)

	if !t.Ephemeral() {
		if err := d.store.ClaimFile(ctx, t.FileID, token); err != nil {
			emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseFailed, Err: err})

			return fileOutcome{canceled: isCanceled(ctx, err), err: err}
		}
	}

	var (
		res      fetchResult
		attempts int
	)

	err := d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) (string, error) {
		var err error

		res, attempts, err = retry.Do(ctx, d.policy, "download", func(ctx context.Context, _ int) (fetchResult, error) {
			return d.fetch(ctx, t, opts)
		})

		switch {
		case err == nil:
			return string(storage.StateVerified), nil
		case isCanceled(ctx, err):
			return "canceled", err
		}

		return string(storage.StateFailed), err
	})

	persistCtx := context.WithoutCancel(ctx)

	if err != nil && isCanceled(ctx, err) {
		logger.InfoContext(ctx, "download canceled", "attempts", attempts)

		if !t.Ephemeral() {
			if rerr := d.store.ReleaseClaim(persistCtx, t.FileID, token); rerr != nil {
				logger.ErrorContext(ctx, "failed to release claim", "err", rerr)
			}
		}

		emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseFailed, Err: err})

		return fileOutcome{canceled: true, attempts: attempts, err: err}
	}

	outcome := storage.Outcome{
		State:    storage.StateVerified,
		Digest:   res.digest,
		Attempts: t.Attempts + attempts,
	}

	if err != nil {
		outcome.State = storage.StateFailed
		outcome.Digest = ""
		outcome.Err = err.Error()
	} else {
		outcome.LocalPath = t.Path
	}

	if !t.Ephemeral() {
		if rerr := d.store.RecordDownloadOutcome(persistCtx, t.FileID, token, outcome); rerr != nil {
			logger.ErrorContext(ctx, "failed to record download outcome", "state", outcome.State, "err", rerr)

			if err == nil {
				err = rerr
			}
		}
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to download file", "attempts", attempts, "err", err)
		emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseFailed, Err: err})

		return fileOutcome{attempts: attempts, err: err}
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", t.Path, "size", humanize.Bytes(uint64(res.written)))
	emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseVerified, Written: res.written, Total: res.written})

	return fileOutcome{bytes: res.written, attempts: attempts}
}

type fetchResult struct {
	digest  string
	written int64
}

// fetch performs one attempt. Errors wrapped with retry.Permanent end the
// retry loop; NetworkErrors are retried.
func (d *Downloader) fetch(ctx context.Context, t transfer.Target, opts transfer.Options) (fetchResult, error) {
	emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseConnecting, Total: t.Size})

	body, size, err := d.source.Open(ctx, t.URL)
	if err != nil {
		return fetchResult{}, classifyOpenErr(ctx, t, err)
	}
	defer body.Close()

	total := t.Size
	if total <= 0 {
		total = size
	}

	dir := filepath.Dir(t.Path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fetchResult{}, retry.Permanent(fmt.Errorf("failed to create target directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(t.Path)+".*.part")
	if err != nil {
		return fetchResult{}, retry.Permanent(fmt.Errorf("failed to create temp file: %w", err))
	}

	committed := false

	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	written, digest, err := d.stream(ctx, tmp, body, t, total, opts)
	d.telemetry.RecordDownloadBytes(written)

	if err != nil {
		return fetchResult{}, err
	}

	// size is what the server announced; the catalog size may be outdated
	if size > 0 && written < size {
		return fetchResult{}, &transfer.NetworkError{
			Operation:  "stream",
			URL:        t.URL,
			APIMessage: fmt.Sprintf("short body: got %d of %d bytes", written, size),
		}
	}

	if opts.VerifyChecksum && t.MD5 != "" {
		emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseVerifying, Written: written, Total: total})

		if !strings.EqualFold(digest, t.MD5) {
			return fetchResult{}, retry.Permanent(&transfer.IntegrityError{File: t.Name, Expected: t.MD5, Actual: digest})
		}
	}

	if err := tmp.Sync(); err != nil {
		return fetchResult{}, retry.Permanent(fmt.Errorf("failed to sync temp file: %w", err))
	}

	if err := tmp.Close(); err != nil {
		return fetchResult{}, retry.Permanent(fmt.Errorf("failed to close temp file: %w", err))
	}

	if err := os.Rename(tmp.Name(), t.Path); err != nil {
		return fetchResult{}, retry.Permanent(fmt.Errorf("failed to move file into place: %w", err))
	}

	committed = true

	return fetchResult{digest: digest, written: written}, nil
}

func classifyOpenErr(ctx context.Context, t transfer.Target, err error) error {
	var (
		netErr  *transfer.NetworkError
		authErr *transfer.AuthenticationError
	)

	switch {
	case ctx.Err() != nil:
		return retry.Permanent(err)
	case errors.As(err, &authErr):
		return retry.Permanent(err)
	case errors.As(err, &netErr):
		return err
	}

	return &transfer.NetworkError{Operation: "open", URL: t.URL, APIMessage: err.Error(), Err: err}
}

// stream copies body into w in fixed-size chunks while hashing it.
func (d *Downloader) stream(ctx context.Context, w io.Writer, body io.Reader, t transfer.Target, total int64, opts transfer.Options) (int64, string, error) {
	logger := logctx.LoggerFromContext(ctx)

	logger.DebugContext(ctx, "downloading file", "file_path", t.Path, "file_size", humanize.Bytes(uint64(max(total, 0))))

	h := md5.New()
	out := io.MultiWriter(w, h)

	pr := progress.NewReader(body, total, progressInterval, func(written, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(written)))
		}

		emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseStreaming, Written: written, Total: total})
	})

	emit(opts, transfer.Event{File: t.Name, Phase: transfer.PhaseStreaming, Total: total})

	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return pr.Written(), "", retry.Permanent(err)
		}

		n, rerr := pr.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return pr.Written(), "", retry.Permanent(fmt.Errorf("failed to write %s: %w", t.Name, werr))
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}

		if rerr != nil {
			if ctx.Err() != nil {
				return pr.Written(), "", retry.Permanent(ctx.Err())
			}

			return pr.Written(), "", &transfer.NetworkError{Operation: "stream", URL: t.URL, APIMessage: rerr.Error(), Err: rerr}
		}
	}

	return pr.Written(), hex.EncodeToString(h.Sum(nil)), nil
}
