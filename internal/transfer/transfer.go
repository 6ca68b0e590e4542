package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

// Source opens the byte stream of a remote file. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// Phase is the position of a target in the transfer state machine.
type Phase int

const (
	PhaseQueued Phase = iota
	PhaseConnecting
	PhaseStreaming
	PhaseVerifying
	PhaseVerified
	PhaseFailed
	PhaseSkipped
)

func (p Phase) String() string {
	switch p {
	case PhaseQueued:
		return "queued"
	case PhaseConnecting:
		return "connecting"
	case PhaseStreaming:
		return "streaming"
	case PhaseVerifying:
		return "verifying"
	case PhaseVerified:
		return "verified"
	case PhaseFailed:
		return "failed"
	case PhaseSkipped:
		return "skipped"
	}

	return "unknown"
}

// IsTerminal reports whether no further transitions follow.
func (p Phase) IsTerminal() bool {
	return p == PhaseVerified || p == PhaseFailed || p == PhaseSkipped
}

// Target is one file to materialize locally.
type Target struct {
	// FileID is the store row; 0 marks an ephemeral target with no row.
	FileID    int64
	Name      string
	URL       string
	Size      int64
	MD5       string
	ReleaseID string
	// Path is the destination; empty means derive it from the output directory.
	Path string

	State       storage.DownloadState
	LocalDigest string
	LocalPath   string
	Attempts    int
}

// TargetFromFile builds a target for a stored file.
func TargetFromFile(f storage.File) Target {
	return Target{
		FileID:      f.ID,
		Name:        f.Name,
		URL:         f.URL,
		Size:        f.Size,
		MD5:         f.MD5,
		ReleaseID:   f.ReleaseID,
		State:       f.State,
		LocalDigest: f.LocalDigest,
		LocalPath:   f.LocalPath,
		Attempts:    f.Attempts,
	}
}

// Ephemeral reports whether the target has no store row.
func (t Target) Ephemeral() bool {
	return t.FileID == 0
}

// Key identifies the target for deduplication: the store row when there is
// one, the destination path otherwise.
func (t Target) Key() string {
	if t.Ephemeral() {
		return "path:" + t.Path
	}

	return fmt.Sprintf("file:%d", t.FileID)
}

// Selector picks what to download. At most one of Dataset and File may be set.
// An empty selector means the current release's core files.
type Selector struct {
	Release string
	Dataset string
	File    string
}

func (s Selector) Validate() error {
	if s.Dataset != "" && s.File != "" {
		return &InvalidRequestError{Reason: "dataset and file selectors are mutually exclusive"}
	}

	return nil
}

// IsDefault reports whether nothing was selected.
func (s Selector) IsDefault() bool {
	return s.Release == "" && s.Dataset == "" && s.File == ""
}

// Filter translates the selector into a store query.
func (s Selector) Filter() storage.Filter {
	if s.IsDefault() {
		return storage.Filter{CurrentOnly: true, CoreOnly: true}
	}

	return storage.Filter{ReleaseID: s.Release, DatasetID: s.Dataset, Name: s.File}
}

// Options tune a batch download.
type Options struct {
	OutputDir      string
	Workers        int
	SkipExisting   bool
	VerifyChecksum bool
	// OnProgress, when set, observes phase changes and streamed bytes.
	OnProgress func(Event)
}

// Event reports progress of one target.
type Event struct {
	File    string
	Phase   Phase
	Written int64
	Total   int64
	Err     error
}

// ErrorKind classifies a per-file failure.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "authentication"
	KindIntegrity   ErrorKind = "integrity"
	KindPersistence ErrorKind = "persistence"
	KindFilesystem  ErrorKind = "filesystem"
	KindCanceled    ErrorKind = "canceled"
	KindClaimed     ErrorKind = "claimed"
	KindConflict    ErrorKind = "conflict"
)

// Classify maps an error to its kind.
func Classify(err error) ErrorKind {
	var (
		netErr  *NetworkError
		authErr *AuthenticationError
		intErr  *IntegrityError
		perErr  *storage.PersistenceError
		pathErr *PathConflictError
	)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, storage.ErrClaimed):
		return KindClaimed
	case errors.As(err, &intErr):
		return KindIntegrity
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &perErr):
		return KindPersistence
	case errors.As(err, &pathErr):
		return KindConflict
	}

	return KindFilesystem
}

// Result aggregates the outcome of a batch.
type Result struct {
	Attempted int
	Succeeded int
	Skipped   int
	Failed    int
	Canceled  int
	Bytes     int64
	Duration  time.Duration
	Paths     []string
	Failures  []*FileError
}

// Err joins the per-file failures, or returns nil when none failed.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}

	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}

	return errors.Join(errs...)
}

// Summary is a one-line human description of the batch.
func (r *Result) Summary() string {
	s := fmt.Sprintf("attempted=%d succeeded=%d skipped=%d failed=%d", r.Attempted, r.Succeeded, r.Skipped, r.Failed)
	if r.Canceled > 0 {
		s += fmt.Sprintf(" canceled=%d", r.Canceled)
	}

	return s
}
