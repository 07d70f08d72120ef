// Package worker runs independent fetch pipelines over a job queue. Each
// worker fetches one URL at a time through the orchestrator and stores the
// converted Markdown of successful and partial results.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/clock/system"
	"github.com/kekewolf/web-fetcher/internal/convert"
	"github.com/kekewolf/web-fetcher/internal/metrics"
	"github.com/kekewolf/web-fetcher/internal/orchestrator"
	"github.com/kekewolf/web-fetcher/internal/queue"
	"github.com/kekewolf/web-fetcher/internal/report"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Fetcher runs the strategy chain for one URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (orchestrator.Result, error)
}

// Converter renders HTML as Markdown.
type Converter interface {
	Convert(html string, hint convert.Hint, pageURL string) (convert.Document, error)
}

// Config controls Worker behavior.
type Config struct {
	ContentType  string
	OutputPrefix string
}

// Outcome is what a worker reports for one job.
type Outcome struct {
	Job    queue.Job
	Result orchestrator.Result
	// Err is a fatal fetch error or a failure to store the Markdown output.
	Err         error
	MarkdownURI string
}

// Worker consumes queue items and executes the fetch pipeline.
type Worker struct {
	queue     queue.Consumer
	fetcher   Fetcher
	converter Converter
	blobStore webfetch.BlobStore
	clock     webfetch.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. A nil blob store disables Markdown output.
func New(
	q queue.Consumer,
	fetcher Fetcher,
	converter Converter,
	blobStore webfetch.BlobStore,
	clock webfetch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/markdown; charset=utf-8"
	}
	if clock == nil {
		clock = system.New()
	}
	if converter == nil {
		converter = convert.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     q,
		fetcher:   fetcher,
		converter: converter,
		blobStore: blobStore,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the queue is closed and drained or
// the context finishes. Each processed job is sent to out when out is non-nil.
func (w *Worker) Run(ctx context.Context, out chan<- Outcome) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.String("url", job.URL))
		outcome := w.Process(ctx, job)
		if out == nil {
			continue
		}
		select {
		case out <- outcome:
		case <-ctx.Done():
			return
		}
	}
}

// Process fetches a single job and stores its Markdown.
func (w *Worker) Process(ctx context.Context, job queue.Job) Outcome {
	outcome := Outcome{Job: job}
	res, err := w.fetcher.Fetch(ctx, job.URL)
	outcome.Result = res
	if err != nil {
		outcome.Err = err
		w.logger.Error("fetch aborted", zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Error(err))
		return outcome
	}
	if res.Status == webfetch.StatusFailed {
		w.logger.Warn("fetch failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.String("report", res.ReportURI),
			zap.Error(res.Err),
		)
		return outcome
	}

	uri, err := w.persistMarkdown(ctx, job, res)
	if err != nil {
		outcome.Err = err
		w.logger.Error("persist markdown failed", zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Error(err))
		return outcome
	}
	outcome.MarkdownURI = uri
	w.logger.Debug("job processed", zap.String("job_id", job.ID), zap.String("url", job.URL), zap.String("markdown", uri))
	return outcome
}

func (w *Worker) persistMarkdown(ctx context.Context, job queue.Job, res orchestrator.Result) (string, error) {
	if w.blobStore == nil {
		return "", nil
	}
	pageURL := res.Page.FinalURL
	if pageURL == "" {
		pageURL = job.URL
	}
	doc, err := w.converter.Convert(res.Page.HTML, convert.HintFor(pageURL), pageURL)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}

	body := doc.Markdown
	if res.Status == webfetch.StatusPartial {
		note := "> Partial content"
		if res.Err != nil {
			note += ": " + res.Err.Error()
		}
		body = note + "\n\n" + body
	}

	path := w.MarkdownPath(job, w.clock.Now())
	uri, err := w.blobStore.PutObject(ctx, path, w.cfg.ContentType, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

// MarkdownPath names the output as <short-host>-<UTC timestamp>.md, with the
// job ID appended when set so that a batch never overwrites its own files.
func (w *Worker) MarkdownPath(job queue.Job, ts time.Time) string {
	name := report.ShortHost(job.URL) + "-" + ts.UTC().Format(report.TimestampLayout)
	if job.ID != "" {
		name += "-" + job.ID
	}
	name += ".md"
	prefix := strings.Trim(w.cfg.OutputPrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// RunPool runs n concurrent pipelines over the shared queue and returns once
// all of them exit.
func (w *Worker) RunPool(ctx context.Context, n int, out chan<- Outcome) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, out)
		}()
	}
	wg.Wait()
}
