package depmap

import (
	"context"

	"github.com/italolelis/depmap_downloader/internal/dc"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/telemetry"
)

const clientType = "depmap"

// InstrumentedClient wraps the portal listing and task endpoints with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented portal client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{client: client, telemetry: tel}
}

func (c *InstrumentedClient) ListFiles(ctx context.Context) ([]dc.FileEntry, error) {
	var result []dc.FileEntry

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, "list_files", func(ctx context.Context) error {
		var err error
		result, err = c.client.ListFiles(ctx)

		return err
	})

	return result, err
}

func (c *InstrumentedClient) ListDatasets(ctx context.Context) ([]dc.DatasetEntry, error) {
	var result []dc.DatasetEntry

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, "list_datasets", func(ctx context.Context) error {
		var err error
		result, err = c.client.ListDatasets(ctx)

		return err
	})

	return result, err
}

func (c *InstrumentedClient) GeneDependencies(ctx context.Context, batchSize int, fn func([]storage.GeneDependency) error) error {
	return c.telemetry.InstrumentClientOperation(ctx, clientType, "gene_dependencies", func(ctx context.Context) error {
		return c.client.GeneDependencies(ctx, batchSize, fn)
	})
}

func (c *InstrumentedClient) SubmitCustomDownload(ctx context.Context, req dc.CustomRequest) (dc.Task, error) {
	var result dc.Task

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, "submit_custom_download", func(ctx context.Context) error {
		var err error
		result, err = c.client.SubmitCustomDownload(ctx, req)

		return err
	})

	return result, err
}

func (c *InstrumentedClient) GetTask(ctx context.Context, id string) (dc.Task, error) {
	var result dc.Task

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, "get_task", func(ctx context.Context) error {
		var err error
		result, err = c.client.GetTask(ctx, id)

		return err
	})

	return result, err
}
