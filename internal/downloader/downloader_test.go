package downloader_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/depmap_downloader/internal/downloader"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/retry"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/storage/sqlite"
	"github.com/italolelis/depmap_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releaseID = "DepMap Public 24Q2"

type fakeSource struct {
	mu      sync.Mutex
	content map[string][]byte
	// failures left per URL before the source starts answering
	fail map[string]int

	delay time.Duration
	block bool
	// gate, when set, holds every open until it is closed
	gate chan struct{}
	// extra is added to the announced length, so bodies end short
	extra int64

	opens       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	startOnce sync.Once
	started   chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		content: make(map[string][]byte),
		fail:    make(map[string]int),
		started: make(chan struct{}),
	}
}

func (s *fakeSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	s.opens.Add(1)

	s.mu.Lock()
	if s.fail[url] > 0 {
		s.fail[url]--
		s.mu.Unlock()

		return nil, 0, &transfer.NetworkError{Operation: "open", URL: url, StatusCode: 503, APIMessage: "unavailable"}
	}

	data, ok := s.content[url]
	s.mu.Unlock()

	if !ok {
		return nil, 0, &transfer.NetworkError{Operation: "open", URL: url, StatusCode: 404, APIMessage: "not found"}
	}

	n := s.inFlight.Add(1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if s.gate != nil {
		s.startOnce.Do(func() { close(s.started) })

		select {
		case <-s.gate:
		case <-ctx.Done():
			s.inFlight.Add(-1)

			return nil, 0, ctx.Err()
		}
	}

	if s.block {
		return &blockingBody{ctx: ctx, src: s}, int64(len(data)) * 10, nil
	}

	return &body{Reader: bytes.NewReader(data), src: s}, int64(len(data)) + s.extra, nil
}

type body struct {
	io.Reader
	src *fakeSource
}

func (b *body) Close() error {
	b.src.inFlight.Add(-1)

	return nil
}

// blockingBody sends a few bytes and then waits for cancellation.
type blockingBody struct {
	ctx  context.Context
	src  *fakeSource
	sent bool
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		b.src.startOnce.Do(func() { close(b.src.started) })

		return copy(p, "partial"), nil
	}

	<-b.ctx.Done()

	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error {
	b.src.inFlight.Add(-1)

	return nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)

	return hex.EncodeToString(sum[:])
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()

	db, err := sqlite.InitDB(context.Background(), sqlite.DriverPure, filepath.Join(t.TempDir(), "depmap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return sqlite.NewStore(db)
}

// seed registers n files in one release and serves their content from src.
func seed(t *testing.T, store *sqlite.Store, src *fakeSource, n int) []storage.File {
	t.Helper()

	files := make([]storage.File, 0, n)

	for i := range n {
		data := []byte(strings.Repeat(fmt.Sprintf("row-%d,", i), 1000))
		url := fmt.Sprintf("https://files.example.org/%d", i)
		src.content[url] = data

		files = append(files, storage.File{
			Name:     fmt.Sprintf("File%02d.csv", i),
			URL:      url,
			Size:     int64(len(data)),
			MD5:      md5Hex(data),
			DataType: "CRISPR",
		})
	}

	require.NoError(t, store.UpsertRelease(context.Background(),
		storage.Release{ID: releaseID, Name: releaseID, ReleaseDate: time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)}, files))

	stored, err := storage.Collect(store.Files(context.Background(), storage.Filter{ReleaseID: releaseID}))
	require.NoError(t, err)
	require.Len(t, stored, n)

	return stored
}

func storedByName(t *testing.T, store *sqlite.Store, name string) storage.File {
	t.Helper()

	files, err := storage.Collect(store.Files(context.Background(), storage.Filter{Name: name}))
	require.NoError(t, err)
	require.Len(t, files, 1)

	return files[0]
}

// addRelease registers a release holding one file with the given content.
func addRelease(t *testing.T, store *sqlite.Store, src *fakeSource, id string, date time.Time, name, content string) storage.File {
	t.Helper()

	ctx := context.Background()
	url := "https://files.example.org/" + id + "/" + name
	src.content[url] = []byte(content)

	require.NoError(t, store.UpsertRelease(ctx, storage.Release{ID: id, Name: id, ReleaseDate: date}, []storage.File{{
		Name:     name,
		URL:      url,
		Size:     int64(len(content)),
		MD5:      md5Hex([]byte(content)),
		DataType: "CRISPR",
	}}))

	files, err := storage.Collect(store.Files(ctx, storage.Filter{ReleaseID: id, Name: name}))
	require.NoError(t, err)
	require.Len(t, files, 1)

	return files[0]
}

// releasePath is where a file of the seeded release lands under dir.
func releasePath(dir, name string) string {
	return filepath.Join(dir, releaseID, name)
}

func partFiles(t *testing.T, dir string) []string {
	t.Helper()

	var matches []string

	for _, d := range []string{dir, filepath.Join(dir, releaseID)} {
		m, err := filepath.Glob(filepath.Join(d, ".*.part"))
		require.NoError(t, err)

		matches = append(matches, m...)
	}

	return matches
}

func TestRun_RespectsWorkerBound(t *testing.T) {
	src := newFakeSource()
	src.delay = 5 * time.Millisecond

	targets := make([]transfer.Target, 0, 50)

	for i := range 50 {
		url := fmt.Sprintf("https://files.example.org/custom/%d", i)
		src.content[url] = []byte(fmt.Sprintf("payload %d", i))
		targets = append(targets, transfer.Target{Name: fmt.Sprintf("out-%02d.csv", i), URL: url})
	}

	d := downloader.NewDownloader(src, newStore(t), downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Run(context.Background(), targets, transfer.Options{OutputDir: t.TempDir(), Workers: 4})
	require.NoError(t, err)

	assert.Equal(t, 50, result.Attempted)
	assert.Equal(t, 50, result.Succeeded)
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(4))
	assert.Positive(t, src.maxInFlight.Load())
}

func TestRun_DeduplicatesDestinationPaths(t *testing.T) {
	src := newFakeSource()
	src.content["https://a"] = []byte("a")

	targets := []transfer.Target{
		{Name: "same.csv", URL: "https://a"},
		{Name: "nested/same.csv", URL: "https://a"},
		{Name: "../same.csv", URL: "https://a"},
	}

	dir := t.TempDir()
	d := downloader.NewDownloader(src, newStore(t))

	result, err := d.Run(context.Background(), targets, transfer.Options{OutputDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, int32(1), src.opens.Load())
	assert.Equal(t, []string{filepath.Join(dir, "same.csv")}, result.Paths)
}

func TestDownload_PartialFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	files := seed(t, store, src, 5)

	broken := files[2]
	delete(src.content, broken.URL)

	dir := t.TempDir()
	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: dir, VerifyChecksum: true})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Attempted)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, broken.Name, result.Failures[0].File)
	assert.Equal(t, transfer.KindNetwork, result.Failures[0].Kind)
	assert.Equal(t, 3, result.Failures[0].Attempts)

	var netErr *transfer.NetworkError
	assert.ErrorAs(t, result.Err(), &netErr)

	for _, f := range files {
		got := storedByName(t, store, f.Name)
		if f.Name == broken.Name {
			assert.Equal(t, storage.StateFailed, got.State)
			assert.Equal(t, 3, got.Attempts)
			assert.NotEmpty(t, got.LastError)

			continue
		}

		assert.Equal(t, storage.StateVerified, got.State, f.Name)
		assert.Equal(t, f.MD5, got.LocalDigest)
		assert.FileExists(t, releasePath(dir, f.Name))
	}

	assert.Empty(t, partFiles(t, dir))
}

func TestDownload_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	files := seed(t, store, src, 1)
	src.fail[files[0].URL] = 2

	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{File: files[0].Name}, transfer.Options{OutputDir: t.TempDir(), VerifyChecksum: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, int32(3), src.opens.Load())

	got := storedByName(t, store, files[0].Name)
	assert.Equal(t, storage.StateVerified, got.State)
	assert.Equal(t, 3, got.Attempts)
}

func TestDownload_DigestMismatchIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	files := seed(t, store, src, 1)
	src.content[files[0].URL] = []byte("tampered")

	dir := t.TempDir()
	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: dir, VerifyChecksum: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	var intErr *transfer.IntegrityError
	require.ErrorAs(t, result.Err(), &intErr)
	assert.Equal(t, files[0].MD5, intErr.Expected)
	assert.Equal(t, md5Hex([]byte("tampered")), intErr.Actual)
	assert.Equal(t, transfer.KindIntegrity, result.Failures[0].Kind)
	assert.Equal(t, int32(1), src.opens.Load())

	assert.NoFileExists(t, releasePath(dir, files[0].Name))
	assert.Empty(t, partFiles(t, dir))
	assert.Equal(t, storage.StateFailed, storedByName(t, store, files[0].Name).State)
}

func TestDownload_SkipExistingNeedsNoNetwork(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	seed(t, store, src, 3)

	dir := t.TempDir()
	opts := transfer.Options{OutputDir: dir, VerifyChecksum: true, SkipExisting: true}

	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, opts)
	require.NoError(t, err)
	require.Equal(t, 3, result.Succeeded)

	opens := src.opens.Load()

	result, err = d.Download(ctx, transfer.Selector{Release: releaseID}, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Skipped)
	assert.Zero(t, result.Succeeded)
	assert.Equal(t, opens, src.opens.Load())
}

func TestDownload_SkipExistingReverifiesUnknownFile(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	files := seed(t, store, src, 1)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, releaseID), 0o755))
	require.NoError(t, os.WriteFile(releasePath(dir, files[0].Name), src.content[files[0].URL], 0o644))

	d := downloader.NewDownloader(src, store)

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: dir, SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, src.opens.Load())

	got := storedByName(t, store, files[0].Name)
	assert.Equal(t, storage.StateVerified, got.State)
	assert.Equal(t, files[0].MD5, got.LocalDigest)
}

func TestDownload_CancellationCleansUp(t *testing.T) {
	store := newStore(t)
	src := newFakeSource()
	src.block = true
	files := seed(t, store, src, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-src.started
		cancel()
	}()

	dir := t.TempDir()
	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: dir})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Canceled)
	assert.Zero(t, result.Failed)

	assert.Empty(t, partFiles(t, dir))
	assert.NoFileExists(t, releasePath(dir, files[0].Name))

	got := storedByName(t, store, files[0].Name)
	assert.Equal(t, storage.StateNotStarted, got.State)
	assert.Zero(t, got.Attempts)

	// the claim was released, so the next run can take the file again
	require.NoError(t, store.ClaimFile(context.Background(), got.ID, "next"))
}

func TestDownload_ReportsProgress(t *testing.T) {
	store := newStore(t)
	src := newFakeSource()
	seed(t, store, src, 1)

	var (
		mu     sync.Mutex
		phases []transfer.Phase
	)

	opts := transfer.Options{
		OutputDir:      t.TempDir(),
		VerifyChecksum: true,
		OnProgress: func(ev transfer.Event) {
			mu.Lock()
			defer mu.Unlock()

			if len(phases) == 0 || phases[len(phases)-1] != ev.Phase {
				phases = append(phases, ev.Phase)
			}
		},
	}

	d := downloader.NewDownloader(src, store)

	_, err := d.Download(context.Background(), transfer.Selector{Release: releaseID}, opts)
	require.NoError(t, err)

	assert.Equal(t, []transfer.Phase{
		transfer.PhaseQueued,
		transfer.PhaseConnecting,
		transfer.PhaseStreaming,
		transfer.PhaseVerifying,
		transfer.PhaseVerified,
	}, phases)
}

func TestDownload_Selectors(t *testing.T) {
	store := newStore(t)
	d := downloader.NewDownloader(newFakeSource(), store)

	_, err := d.Download(context.Background(), transfer.Selector{Dataset: "RNAi", File: "a.csv"}, transfer.Options{})

	var invalid *transfer.InvalidRequestError
	require.True(t, errors.As(err, &invalid))

	_, err = d.Download(context.Background(), transfer.Selector{File: "missing.csv"}, transfer.Options{})

	var notFound *storage.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing.csv", notFound.Key)
}

func TestDownload_TruncatedBodyIsRetried(t *testing.T) {
	store := newStore(t)
	src := newFakeSource()
	src.extra = 100
	files := seed(t, store, src, 1)

	dir := t.TempDir()
	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(context.Background(), transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: dir, VerifyChecksum: true})
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)

	assert.Equal(t, transfer.KindNetwork, result.Failures[0].Kind)
	assert.Equal(t, 3, result.Failures[0].Attempts)
	assert.Equal(t, int32(3), src.opens.Load())
	assert.NoFileExists(t, releasePath(dir, files[0].Name))
	assert.Empty(t, partFiles(t, dir))
}

func TestDownload_ReleasesSharingFileNamesKeepTheirOwnCopies(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()

	const newer = "DepMap Public 24Q4"

	addRelease(t, store, src, releaseID, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), "CRISPRGeneEffect.csv", "old release content")
	addRelease(t, store, src, newer, time.Date(2024, 11, 20, 0, 0, 0, 0, time.UTC), "CRISPRGeneEffect.csv", "new release content!!")

	dir := t.TempDir()
	opts := transfer.Options{OutputDir: dir, VerifyChecksum: true, SkipExisting: true}
	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, opts)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	result, err = d.Download(ctx, transfer.Selector{Release: newer}, opts)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	opens := src.opens.Load()

	result, err = d.Download(ctx, transfer.Selector{Release: releaseID}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, opens, src.opens.Load())

	old, err := os.ReadFile(releasePath(dir, "CRISPRGeneEffect.csv"))
	require.NoError(t, err)
	assert.Equal(t, "old release content", string(old))

	current, err := os.ReadFile(filepath.Join(dir, newer, "CRISPRGeneEffect.csv"))
	require.NoError(t, err)
	assert.Equal(t, "new release content!!", string(current))

	// a selector spanning both releases attempts both files
	result, err = d.Download(ctx, transfer.Selector{File: "CRISPRGeneEffect.csv"}, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, result.Skipped)
	assert.Len(t, result.Paths, 2)
}

func TestDownload_SkipExistingIgnoresDigestRecordedForAnotherPath(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	files := seed(t, store, src, 1)

	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: t.TempDir(), VerifyChecksum: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	other := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(other, releaseID), 0o755))
	require.NoError(t, os.WriteFile(releasePath(other, files[0].Name), []byte("something else"), 0o644))

	result, err = d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: other, VerifyChecksum: true, SkipExisting: true})
	require.NoError(t, err)
	assert.Zero(t, result.Skipped)
	assert.Equal(t, 1, result.Succeeded)

	data, err := os.ReadFile(releasePath(other, files[0].Name))
	require.NoError(t, err)
	assert.Equal(t, src.content[files[0].URL], data)
	assert.Equal(t, releasePath(other, files[0].Name), storedByName(t, store, files[0].Name).LocalPath)
}

func TestRun_ReportsDestinationConflicts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()

	src.content["https://files.example.org/a/Model.csv"] = []byte("model a")
	src.content["https://files.example.org/b/Model.csv"] = []byte("model b")

	require.NoError(t, store.UpsertRelease(ctx, storage.Release{ID: releaseID, Name: releaseID, ReleaseDate: time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)}, []storage.File{
		{Name: "Model.csv", URL: "https://files.example.org/a/Model.csv", DatasetID: "A", DataType: "Model"},
		{Name: "Model.csv", URL: "https://files.example.org/b/Model.csv", DatasetID: "B", DataType: "Model"},
	}))

	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, transfer.KindConflict, result.Failures[0].Kind)
	assert.Equal(t, int32(1), src.opens.Load())

	var conflict *transfer.PathConflictError
	assert.ErrorAs(t, result.Err(), &conflict)
}

type runResult struct {
	result *transfer.Result
	err    error
}

func TestDownload_ConcurrentCallsShareOneTransfer(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	src.gate = make(chan struct{})
	files := seed(t, store, src, 1)

	dir := t.TempDir()
	opts := transfer.Options{OutputDir: dir, VerifyChecksum: true}
	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	first := make(chan runResult, 1)

	go func() {
		r, err := d.Download(ctx, transfer.Selector{Release: releaseID}, opts)
		first <- runResult{r, err}
	}()

	<-src.started

	var (
		queuedOnce sync.Once
		queued     = make(chan struct{})
	)

	secondOpts := opts
	secondOpts.OnProgress = func(ev transfer.Event) {
		if ev.Phase == transfer.PhaseQueued {
			queuedOnce.Do(func() { close(queued) })
		}
	}

	second := make(chan runResult, 1)

	go func() {
		r, err := d.Download(ctx, transfer.Selector{File: files[0].Name}, secondOpts)
		second <- runResult{r, err}
	}()

	<-queued
	time.Sleep(20 * time.Millisecond)
	close(src.gate)

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)

	assert.Equal(t, int32(1), src.opens.Load())
	assert.Equal(t, 1, r1.result.Succeeded)
	assert.Equal(t, 1, r2.result.Succeeded, "the second call joins the running transfer")

	got := storedByName(t, store, files[0].Name)
	assert.Equal(t, storage.StateVerified, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestDownload_SecondInstanceCannotTakeClaimedFile(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	src.gate = make(chan struct{})
	files := seed(t, store, src, 1)

	dir := t.TempDir()
	opts := transfer.Options{OutputDir: dir, VerifyChecksum: true}

	owner := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()), downloader.WithInstanceID("owner"))
	other := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()), downloader.WithInstanceID("other"))

	done := make(chan runResult, 1)

	go func() {
		r, err := owner.Download(ctx, transfer.Selector{Release: releaseID}, opts)
		done <- runResult{r, err}
	}()

	<-src.started

	result, err := other.Download(ctx, transfer.Selector{Release: releaseID}, opts)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, transfer.KindClaimed, result.Failures[0].Kind)

	close(src.gate)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.result.Succeeded)
	assert.Equal(t, int32(1), src.opens.Load())
	assert.Equal(t, storage.StateVerified, storedByName(t, store, files[0].Name).State)
}

func TestDownload_FileClaimedElsewhereIsNotWritten(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := newFakeSource()
	files := seed(t, store, src, 1)
	require.NoError(t, store.ClaimFile(ctx, files[0].ID, "other-process"))

	dir := t.TempDir()
	d := downloader.NewDownloader(src, store, downloader.WithRetryPolicy(fastPolicy()))

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, transfer.KindClaimed, result.Failures[0].Kind)

	assert.Zero(t, src.opens.Load())
	assert.NoFileExists(t, releasePath(dir, files[0].Name))
	assert.Empty(t, partFiles(t, dir))

	// the owner's claim is untouched
	require.NoError(t, store.RecordDownloadOutcome(ctx, files[0].ID, "other-process", storage.Outcome{State: storage.StateFailed}))
}

func TestDownload_SkipExistingWhileAnotherInstanceHoldsTheClaim(t *testing.T) {
	store := newStore(t)
	src := newFakeSource()
	files := seed(t, store, src, 1)
	require.NoError(t, store.ClaimFile(context.Background(), files[0].ID, "other-process"))

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, releaseID), 0o755))
	require.NoError(t, os.WriteFile(releasePath(dir, files[0].Name), src.content[files[0].URL], 0o644))

	var logs bytes.Buffer
	ctx := logctx.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	d := downloader.NewDownloader(src, store)

	result, err := d.Download(ctx, transfer.Selector{Release: releaseID}, transfer.Options{OutputDir: dir, SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Zero(t, src.opens.Load())
	assert.NotContains(t, logs.String(), "failed to check existing file")
}
