// Package dc holds the contract between the core and the data portal.
package dc

import (
	"context"
	"time"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

// FileEntry is one row of the portal's file listing.
type FileEntry struct {
	Release     string
	ReleaseDate time.Time
	Filename    string
	URL         string
	MD5         string
	Size        int64
}

// DatasetEntry is one dataset advertised by the portal.
type DatasetEntry struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	DataType         string `json:"data_type"`
	DownloadEntryURL string `json:"download_entry_url"`
}

// TaskState is the server-side state of an asynchronous job.
type TaskState string

const (
	TaskPending    TaskState = "PENDING"
	TaskInProgress TaskState = "PROGRESS"
	TaskSucceeded  TaskState = "SUCCESS"
	TaskFailed     TaskState = "FAILURE"
)

// IsFinished reports whether the task reached a terminal state.
func (s TaskState) IsFinished() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Task is a handle to a server-side custom extraction. It is never persisted.
type Task struct {
	ID              string
	State           TaskState
	NextPollDelay   time.Duration // zero when the server gives no hint
	PercentComplete *int
	Message         string
	DownloadURL     string
}

// CustomRequest asks the portal to extract a subset of a dataset.
type CustomRequest struct {
	DatasetID           string   `json:"datasetId"`
	FeatureLabels       []string `json:"featureLabels,omitempty"`
	CellLineIDs         []string `json:"cellLineIds,omitempty"`
	DropEmpty           bool     `json:"dropEmpty"`
	AddCellLineMetadata bool     `json:"addCellLineMetadata"`
}

// CatalogClient lists what the portal offers.
type CatalogClient interface {
	ListFiles(ctx context.Context) ([]FileEntry, error)
	ListDatasets(ctx context.Context) ([]DatasetEntry, error)
	GeneDependencies(ctx context.Context, batchSize int, fn func([]storage.GeneDependency) error) error
}

// TaskClient drives asynchronous extraction jobs.
type TaskClient interface {
	SubmitCustomDownload(ctx context.Context, req CustomRequest) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
}
