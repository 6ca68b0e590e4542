package transfer

import (
	"context"
	"io"

	"github.com/italolelis/depmap_downloader/internal/telemetry"
)

// InstrumentedSource wraps Source with telemetry.
type InstrumentedSource struct {
	source     Source
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedSource creates a new instrumented source.
func NewInstrumentedSource(source Source, tel *telemetry.Telemetry, clientType string) *InstrumentedSource {
	return &InstrumentedSource{
		source:     source,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Open opens a remote file with telemetry. Only the connection phase is measured.
func (s *InstrumentedSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	var (
		body io.ReadCloser
		size int64
	)

	err := s.telemetry.InstrumentClientOperation(ctx, s.clientType, "open", func(ctx context.Context) error {
		var err error
		body, size, err = s.source.Open(ctx, url)

		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return body, size, nil
}
