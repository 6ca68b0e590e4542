package catalog

import (
	"fmt"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

// SyncError reports a category whose fetch kept failing. The cached rows of
// that category are left as they were.
type SyncError struct {
	Category storage.Category
	Attempts int
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s failed after %d attempts: %v", e.Category, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
