// Package task drives custom extraction jobs on the portal until they produce
// a downloadable file.
package task

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/italolelis/depmap_downloader/internal/dc"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/retry"
	"github.com/italolelis/depmap_downloader/internal/telemetry"
	"github.com/italolelis/depmap_downloader/internal/transfer"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 10 * time.Minute
)

// Runner transfers ephemeral targets. *downloader.Downloader satisfies it.
type Runner interface {
	Run(ctx context.Context, targets []transfer.Target, opts transfer.Options) (*transfer.Result, error)
}

type Poller struct {
	client       dc.TaskClient
	pollInterval time.Duration
	maxWait      time.Duration
	policy       retry.Policy
	telemetry    *telemetry.Telemetry
}

type Option func(*Poller)

// WithPollInterval sets the delay used when the server gives no hint.
func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithMaxWait(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.maxWait = d
		}
	}
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Poller) { p.policy = policy }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(p *Poller) { p.telemetry = t }
}

func NewPoller(client dc.TaskClient, opts ...Option) *Poller {
	p := &Poller{
		client:       client,
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
		policy:       retry.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Submit starts a custom extraction.
func (p *Poller) Submit(ctx context.Context, req dc.CustomRequest) (dc.Task, error) {
	if req.DatasetID == "" {
		return dc.Task{}, &transfer.InvalidRequestError{Reason: "a custom download needs a dataset id"}
	}

	t, _, err := retry.Do(ctx, p.policy, "submit_custom_download", func(ctx context.Context, _ int) (dc.Task, error) {
		return p.client.SubmitCustomDownload(ctx, req)
	})
	if err != nil {
		return dc.Task{}, fmt.Errorf("failed to submit custom download: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "custom download submitted", "task_id", t.ID, "dataset", req.DatasetID)

	return t, nil
}

// Wait polls t until it succeeds or fails, sleeping for the server hint
// between polls. It gives up with a TimeoutError once the maximum wait passes.
func (p *Poller) Wait(ctx context.Context, t dc.Task) (dc.Task, error) {
	logger := logctx.LoggerFromContext(ctx).With("task_id", t.ID)

	start := time.Now()
	deadline := start.Add(p.maxWait)

	for !t.State.IsFinished() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return t, &transfer.TimeoutError{Operation: "task " + t.ID, Waited: time.Since(start)}
		}

		delay := p.pollInterval
		if t.NextPollDelay > 0 {
			delay = t.NextPollDelay
		}

		if err := sleep(ctx, min(delay, remaining)); err != nil {
			return t, err
		}

		id := t.ID

		next, _, err := retry.Do(ctx, p.policy, "get_task", func(ctx context.Context, _ int) (dc.Task, error) {
			return p.client.GetTask(ctx, id)
		})
		if err != nil {
			return t, fmt.Errorf("failed to poll task %s: %w", id, err)
		}

		t = next
		p.telemetry.RecordTaskPoll(string(t.State))

		if t.PercentComplete != nil {
			logger.DebugContext(ctx, "task progress", "state", t.State, "percent", *t.PercentComplete, "message", t.Message)
		} else {
			logger.DebugContext(ctx, "task progress", "state", t.State, "message", t.Message)
		}
	}

	if t.State == dc.TaskFailed {
		return t, &transfer.TaskFailedError{TaskID: t.ID, Message: t.Message}
	}

	if t.DownloadURL == "" {
		return t, &transfer.TaskFailedError{TaskID: t.ID, Message: "task succeeded without a download url"}
	}

	logger.InfoContext(ctx, "task finished", "waited", time.Since(start).String())

	return t, nil
}

// Run submits req, waits for the result and downloads the produced file as
// an ephemeral target: it has no store row, so nothing is recorded.
func (p *Poller) Run(ctx context.Context, req dc.CustomRequest, runner Runner, opts transfer.Options) (dc.Task, *transfer.Result, error) {
	t, err := p.Submit(ctx, req)
	if err != nil {
		return t, nil, err
	}

	t, err = p.Wait(ctx, t)
	if err != nil {
		return t, nil, err
	}

	target := transfer.Target{Name: resultName(t, req), URL: t.DownloadURL}

	result, err := runner.Run(ctx, []transfer.Target{target}, opts)

	return t, result, err
}

func resultName(t dc.Task, req dc.CustomRequest) string {
	if u, err := url.Parse(t.DownloadURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return name
		}
	}

	return fmt.Sprintf("%s-%s.csv", req.DatasetID, t.ID)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
