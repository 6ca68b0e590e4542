package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "list_files",
				StatusCode: 503,
				APIMessage: "service unavailable",
			},
			wantFormat: "network error during list_files (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation:  "open",
				APIMessage: "connection reset",
			},
			wantFormat: "network error during open: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestIntegrityError_Error verifies error message formatting
func TestIntegrityError_Error(t *testing.T) {
	err := &IntegrityError{File: "CRISPRGeneEffect.csv", Expected: "abc", Actual: "def"}

	expected := "checksum mismatch for CRISPRGeneEffect.csv: expected abc, got def"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestTimeoutError_Error verifies error message formatting
func TestTimeoutError_Error(t *testing.T) {
	err := &TimeoutError{Operation: "task 42", Waited: 10 * time.Minute}

	expected := "task 42 timed out after 10m0s"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestTaskFailedError_Error verifies both message forms
func TestTaskFailedError_Error(t *testing.T) {
	if got := (&TaskFailedError{TaskID: "t1"}).Error(); got != "task t1 failed" {
		t.Errorf("Error() = %q", got)
	}

	if got := (&TaskFailedError{TaskID: "t1", Message: "no such feature"}).Error(); got != "task t1 failed: no such feature" {
		t.Errorf("Error() = %q", got)
	}
}

// TestErrorUnwrapping verifies errors.Is and errors.As compatibility
func TestErrorUnwrapping(t *testing.T) {
	baseErr := errors.New("underlying")

	tests := []struct {
		name string
		err  error
	}{
		{"NetworkError", &NetworkError{Operation: "open", Err: baseErr}},
		{"AuthenticationError", &AuthenticationError{Operation: "open", Err: baseErr}},
		{"FileError", &FileError{File: "a.csv", Kind: KindNetwork, Attempts: 3, Err: baseErr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, baseErr) {
				t.Errorf("errors.Is(%s, baseErr) = false, want true", tt.name)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, baseErr) {
				t.Errorf("errors.Is(wrapped %s, baseErr) = false, want true", tt.name)
			}
		})
	}
}

// TestClassify verifies error kinds survive wrapping
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"network", fmt.Errorf("wrap: %w", &NetworkError{Operation: "open"}), KindNetwork},
		{"auth", &AuthenticationError{Operation: "open"}, KindAuth},
		{"integrity", &IntegrityError{File: "a"}, KindIntegrity},
		{"persistence", &storage.PersistenceError{Operation: "x", Err: errors.New("disk")}, KindPersistence},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), KindCanceled},
		{"claimed", storage.ErrClaimed, KindClaimed},
		{"conflict", &PathConflictError{File: "b", Path: "/out/a", With: "a"}, KindConflict},
		{"other", errors.New("rename failed"), KindFilesystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestSelector_Validate verifies dataset and file selectors are exclusive
func TestSelector_Validate(t *testing.T) {
	err := Selector{Dataset: "Chronos_Combined", File: "a.csv"}.Validate()

	var invalid *InvalidRequestError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidRequestError, got %T", err)
	}

	if err := (Selector{Release: "24Q2", File: "a.csv"}).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

// TestSelector_Filter verifies the empty selector resolves to core files
func TestSelector_Filter(t *testing.T) {
	f := Selector{}.Filter()
	if !f.CurrentOnly || !f.CoreOnly {
		t.Errorf("default filter = %+v, want current core files", f)
	}

	f = Selector{Dataset: "RNAi"}.Filter()
	if f.DatasetID != "RNAi" || f.CoreOnly {
		t.Errorf("dataset filter = %+v", f)
	}
}

// TestResult_Err verifies failures are joined
func TestResult_Err(t *testing.T) {
	var r Result
	if r.Err() != nil {
		t.Fatalf("empty result should have no error")
	}

	r.Failures = append(r.Failures, &FileError{File: "a.csv", Kind: KindIntegrity, Attempts: 1, Err: &IntegrityError{File: "a.csv"}})

	var intErr *IntegrityError
	if !errors.As(r.Err(), &intErr) {
		t.Errorf("expected joined error to contain IntegrityError")
	}

	if got := r.Summary(); got != "attempted=0 succeeded=0 skipped=0 failed=0" {
		t.Errorf("Summary() = %q", got)
	}
}

// TestTarget_Key verifies stored targets dedupe by row and ephemeral ones by path
func TestTarget_Key(t *testing.T) {
	stored := TargetFromFile(storage.File{ID: 7, Name: "Model.csv", ReleaseID: "24Q2", LocalPath: "/out/Model.csv", Attempts: 2})
	if stored.Key() != "file:7" {
		t.Errorf("Key() = %q, want file:7", stored.Key())
	}

	if stored.ReleaseID != "24Q2" || stored.LocalPath != "/out/Model.csv" || stored.Attempts != 2 {
		t.Errorf("TargetFromFile dropped fields: %+v", stored)
	}

	if got := (Target{Name: "custom", Path: "/out/custom"}).Key(); got != "path:/out/custom" {
		t.Errorf("Key() = %q, want path:/out/custom", got)
	}
}
