// Package depmap is the HTTP client for the DepMap portal API.
package depmap

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/depmap_downloader/internal/dc"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://depmap.org/portal/api"
	userAgent      = "depmap-downloader/1.0"
	maxErrorBody   = 4096
)

var (
	_ dc.CatalogClient = (*Client)(nil)
	_ dc.TaskClient    = (*Client)(nil)
	_ transfer.Source  = (*Client)(nil)
)

// Client talks to the portal. API calls are bounded by the request timeout;
// file streams only by the response header timeout and the caller's context.
type Client struct {
	BaseURL string

	api    *http.Client
	stream *http.Client
}

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	token     string
	timeout   time.Duration
	transport http.RoundTripper
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(o *clientOptions) { o.token = token }
}

// WithTimeout bounds API calls and the wait for response headers.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithTransport replaces the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

func NewClient(baseURL string, opts ...Option) *Client {
	o := clientOptions{timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.transport
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = o.timeout
		base = t
	}

	var rt http.RoundTripper = otelhttp.NewTransport(base)
	if o.token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.token}),
			Base:   rt,
		}
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		api:     &http.Client{Transport: rt, Timeout: o.timeout},
		stream:  &http.Client{Transport: rt},
	}
}

func (c *Client) endpoint(path string) string {
	return c.BaseURL + "/" + strings.TrimLeft(path, "/")
}

// do performs a request and returns the response when it is 2xx.
// Non-2xx responses are mapped to typed errors and the body is closed.
func (c *Client) do(ctx context.Context, client *http.Client, op, method, rawURL string, body any) (*http.Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("operation", op)

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.DebugContext(ctx, "sending request", "method", method, "url", rawURL)

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, &transfer.NetworkError{Operation: op, URL: rawURL, APIMessage: err.Error(), Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	logger.WarnContext(ctx, "non-2xx response", "status", resp.StatusCode, "body", string(msg))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &transfer.AuthenticationError{
			Operation: op,
			Err:       fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	return nil, &transfer.NetworkError{
		Operation:  op,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		APIMessage: strings.TrimSpace(string(msg)),
	}
}

// ListFiles fetches the CSV listing of every downloadable file.
func (c *Client) ListFiles(ctx context.Context) ([]dc.FileEntry, error) {
	resp, err := c.do(ctx, c.api, "list_files", http.MethodGet, c.endpoint("download/files"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	r, cols, err := newCSVReader(resp.Body, "release", "filename", "url")
	if err != nil {
		return nil, fmt.Errorf("failed to read file listing: %w", err)
	}

	var entries []dc.FileEntry

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to parse file listing: %w", err)
		}

		entry := dc.FileEntry{
			Release:  cols.get(rec, "release"),
			Filename: cols.get(rec, "filename"),
			URL:      cols.get(rec, "url"),
			MD5:      strings.ToLower(cols.get(rec, "md5_hash")),
		}

		if entry.Filename == "" || entry.URL == "" {
			continue
		}

		entry.ReleaseDate = parseReleaseDate(cols.get(rec, "release_date"))

		if size := cols.get(rec, "size"); size != "" {
			entry.Size, _ = strconv.ParseInt(size, 10, 64)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// ListDatasets fetches the JSON dataset listing.
func (c *Client) ListDatasets(ctx context.Context) ([]dc.DatasetEntry, error) {
	resp, err := c.do(ctx, c.api, "list_datasets", http.MethodGet, c.endpoint("download/datasets"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var datasets []dc.DatasetEntry
	if err := json.NewDecoder(resp.Body).Decode(&datasets); err != nil {
		return nil, fmt.Errorf("failed to decode dataset listing: %w", err)
	}

	return datasets, nil
}

// GeneDependencies streams the gene dependency summary, handing fn batches of
// at most batchSize rows. Rows that fail to parse are skipped.
func (c *Client) GeneDependencies(ctx context.Context, batchSize int, fn func([]storage.GeneDependency) error) error {
	logger := logctx.LoggerFromContext(ctx)

	if batchSize <= 0 {
		batchSize = 1000
	}

	resp, err := c.do(ctx, c.stream, "gene_dependencies", http.MethodGet, c.endpoint("download/gene_dep_summary"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	r, cols, err := newCSVReader(resp.Body, "Entrez Id", "Gene", "Dataset")
	if err != nil {
		return fmt.Errorf("failed to read gene dependency summary: %w", err)
	}

	batch := make([]storage.GeneDependency, 0, batchSize)
	skipped := 0

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			return &transfer.NetworkError{Operation: "gene_dependencies", APIMessage: err.Error(), Err: err}
		}

		dep, ok := parseGeneDependency(cols, rec)
		if !ok {
			skipped++

			continue
		}

		batch = append(batch, dep)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}

			batch = batch[:0]
		}
	}

	if skipped > 0 {
		logger.WarnContext(ctx, "skipped malformed gene dependency rows", "count", skipped)
	}

	if len(batch) > 0 {
		return fn(batch)
	}

	return nil
}

func parseGeneDependency(cols columns, rec []string) (storage.GeneDependency, bool) {
	entrez, err := strconv.ParseInt(cols.get(rec, "Entrez Id"), 10, 64)
	if err != nil {
		return storage.GeneDependency{}, false
	}

	dependent, _ := strconv.ParseFloat(cols.get(rec, "Dependent Cell Lines"), 64)
	withData, _ := strconv.ParseFloat(cols.get(rec, "Cell Lines with Data"), 64)

	return storage.GeneDependency{
		EntrezID:           entrez,
		Gene:               cols.get(rec, "Gene"),
		Dataset:            cols.get(rec, "Dataset"),
		DependentCellLines: dependent,
		CellLinesWithData:  withData,
		StronglySelective:  strings.EqualFold(cols.get(rec, "Strongly Selective"), "true"),
		CommonEssential:    strings.EqualFold(cols.get(rec, "Common Essential"), "true"),
	}, true
}

type taskResponse struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	NextPollDelay   int64  `json:"nextPollDelay"`
	PercentComplete *int   `json:"percentComplete"`
	Message         string `json:"message"`
	Result          *struct {
		DownloadURL string `json:"downloadUrl"`
	} `json:"result"`
}

func (t taskResponse) toTask() dc.Task {
	task := dc.Task{
		ID:              t.ID,
		State:           parseTaskState(t.State),
		NextPollDelay:   time.Duration(t.NextPollDelay) * time.Millisecond,
		PercentComplete: t.PercentComplete,
		Message:         t.Message,
	}

	if t.Result != nil {
		task.DownloadURL = t.Result.DownloadURL
	}

	return task
}

func parseTaskState(s string) dc.TaskState {
	switch strings.ToUpper(s) {
	case "SUCCESS", "SUCCEEDED":
		return dc.TaskSucceeded
	case "FAILURE", "FAILED":
		return dc.TaskFailed
	case "PROGRESS", "IN_PROGRESS", "STARTED":
		return dc.TaskInProgress
	}

	return dc.TaskPending
}

// SubmitCustomDownload starts a custom extraction.
func (c *Client) SubmitCustomDownload(ctx context.Context, req dc.CustomRequest) (dc.Task, error) {
	resp, err := c.do(ctx, c.api, "submit_custom_download", http.MethodPost, c.endpoint("download/custom"), req)
	if err != nil {
		return dc.Task{}, err
	}
	defer resp.Body.Close()

	var tr taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return dc.Task{}, fmt.Errorf("failed to decode task: %w", err)
	}

	return tr.toTask(), nil
}

// GetTask polls the state of a task.
func (c *Client) GetTask(ctx context.Context, id string) (dc.Task, error) {
	resp, err := c.do(ctx, c.api, "get_task", http.MethodGet, c.endpoint("task/"+url.PathEscape(id)), nil)
	if err != nil {
		return dc.Task{}, err
	}
	defer resp.Body.Close()

	var tr taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return dc.Task{}, fmt.Errorf("failed to decode task: %w", err)
	}

	return tr.toTask(), nil
}

// Open starts streaming a file. Relative URLs are resolved against the API base.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = c.endpoint(rawURL)
	}

	resp, err := c.do(ctx, c.stream, "open", http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}

	return resp.Body, resp.ContentLength, nil
}

type columns map[string]int

func (c columns) get(rec []string, name string) string {
	i, ok := c[strings.ToLower(name)]
	if !ok || i >= len(rec) {
		return ""
	}

	return strings.TrimSpace(rec[i])
}

func newCSVReader(body io.Reader, required ...string) (*csv.Reader, columns, error) {
	r := csv.NewReader(body)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, err
	}

	cols := make(columns, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}

	for _, name := range required {
		if _, ok := cols[strings.ToLower(name)]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", name)
		}
	}

	return r, cols, nil
}

func parseReleaseDate(s string) time.Time {
	for _, layout := range []string{time.DateOnly, time.RFC3339, "01/02/2006", "1/2/06"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}
