package storage

import (
	"context"
	"iter"
	"time"
)

// DownloadState is the lifecycle of a file's local copy.
type DownloadState string

const (
	StateNotStarted DownloadState = "not_started"
	StateInProgress DownloadState = "in_progress"
	StateVerified   DownloadState = "verified"
	StateFailed     DownloadState = "failed"
	// StateStale marks a verified file whose expected digest changed upstream.
	StateStale DownloadState = "stale"
)

// IsFinished reports whether the state is the outcome of a completed attempt.
func (s DownloadState) IsFinished() bool {
	return s == StateVerified || s == StateFailed
}

// Category groups catalog entities that are synchronized together.
type Category string

const (
	CategoryReleases Category = "releases"
	CategoryDatasets Category = "datasets"
	CategoryGenes    Category = "genes"
)

// AllCategories returns every category in synchronization order.
func AllCategories() []Category {
	return []Category{CategoryReleases, CategoryDatasets, CategoryGenes}
}

// ParseCategory maps user input to a Category.
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryReleases, CategoryDatasets, CategoryGenes:
		return Category(s), true
	}

	return "", false
}

// Release is a named, dated snapshot of the portal's data.
type Release struct {
	ID          string
	Name        string
	ReleaseDate time.Time // zero when unknown
	IsCurrent   bool
	FileCount   int
}

// Dataset is a logical grouping of files of one data type.
type Dataset struct {
	ID               string
	DisplayName      string
	DataType         string
	DownloadEntryURL string
}

// File is the atomic transfer unit.
type File struct {
	ID        int64
	Name      string
	URL       string
	Size      int64  // 0 when unknown
	MD5       string // expected digest, empty when unknown
	ReleaseID string
	DatasetID string
	DataType  string

	State       DownloadState
	LocalDigest string
	LocalPath   string
	LastError   string
	Attempts    int
}

// CellLine is a cell model known to the portal.
type CellLine struct {
	ID                string
	Name              string
	Lineage           string
	Tissue            string
	DatasetsAvailable []string
}

// GeneDependency is one row of the gene dependency summary.
type GeneDependency struct {
	EntrezID           int64
	Gene               string
	Dataset            string
	DependentCellLines float64
	CellLinesWithData  float64
	StronglySelective  bool
	CommonEssential    bool
}

// Outcome is the terminal result of one download attempt, written atomically.
type Outcome struct {
	State     DownloadState
	Digest    string
	LocalPath string
	Err       string
	Attempts  int
}

// Filter narrows listing queries. Zero values mean "no constraint".
type Filter struct {
	DataType    string
	Term        string
	ReleaseID   string
	DatasetID   string
	Name        string
	CurrentOnly bool
	CoreOnly    bool
	Limit       int
}

// Scope selects the rows affected by Clear. An empty scope means everything.
type Scope struct {
	DataType string
}

// IsAll reports whether the scope covers the whole cache.
func (s Scope) IsAll() bool {
	return s.DataType == ""
}

// Stats summarizes the cache contents.
type Stats struct {
	Releases        int
	Datasets        int
	Files           int
	FilesVerified   int
	CellLines       int
	GeneDeps        int
	TotalSize       int64
	LastUpdated     time.Time
	FilesPerRelease map[string]int
	DatasetsPerType map[string]int
}

// CatalogWriter persists synchronized catalog entities.
type CatalogWriter interface {
	UpsertRelease(ctx context.Context, r Release, files []File) error
	UpsertDataset(ctx context.Context, d Dataset) error
	UpsertGeneDependencies(ctx context.Context, deps []GeneDependency) error
	SetCurrentRelease(ctx context.Context, releaseID string) error
	LastSyncTime(ctx context.Context, c Category) (time.Time, error)
	MarkSynced(ctx context.Context, c Category, at time.Time) error
}

// FileReader resolves files for download.
type FileReader interface {
	Files(ctx context.Context, f Filter) iter.Seq2[File, error]
}

// DownloadStateRepository tracks per-file download state.
type DownloadStateRepository interface {
	ClaimFile(ctx context.Context, fileID int64, token string) error
	RecordDownloadOutcome(ctx context.Context, fileID int64, token string, o Outcome) error
	ReleaseClaim(ctx context.Context, fileID int64, token string) error
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T

	for v, err := range seq {
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}
