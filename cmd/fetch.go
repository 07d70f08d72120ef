package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/app"
	"github.com/kekewolf/web-fetcher/internal/manual"
	"github.com/kekewolf/web-fetcher/internal/queue"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
	"github.com/kekewolf/web-fetcher/internal/worker"
)

type fetchOptions struct {
	interactive bool
	serveAPI    bool
}

// newFetchCmd creates the 'fetch' subcommand.
func newFetchCmd(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetches pages and writes them as Markdown",
		Long: `Fetches every URL through the direct, automated and manual strategies
and writes <short-host>-<timestamp>.md for each page obtained. A failed URL
leaves a FAILED_<timestamp>-<short-host> report instead.

With --interactive, press Enter once the page is ready in the browser to
release a waiting manual session.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runFetch(cmd, appInstance, opts, args)
		},
	}
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "release manual sessions with Enter on stdin")
	cmd.Flags().BoolVar(&opts.serveAPI, "serve-api", false, "serve the control API while fetching")
	cmd.Flags().Int("concurrency", 0, "parallel fetch pipelines (default fetch.concurrency)")
	cmd.Flags().String("language", "", "report language, zh or en (default reports.language)")
	cmd.Flags().Duration("manual-timeout", 0, "how long to wait for the operator (default manual.timeout)")
	cmd.Flags().Duration("deadline", 0, "overall deadline per URL (default fetch.deadline)")
	bindFlag(root.v, cmd, "fetch.concurrency", "concurrency")
	bindFlag(root.v, cmd, "reports.language", "language")
	bindFlag(root.v, cmd, "manual.timeout", "manual-timeout")
	bindFlag(root.v, cmd, "fetch.deadline", "deadline")
	return cmd
}

func runFetch(cmd *cobra.Command, a *app.App, opts *fetchOptions, urls []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	logger := a.Logger()

	urls = trimmed(urls)
	if len(urls) == 0 {
		return errors.New("no URL given")
	}
	if opts.serveAPI {
		// The queue only carries this command's URLs, so the API serves
		// sessions and domains but not POST /v1/fetch.
		stopAPI := startAPI(ctx, a, false)
		defer stopAPI()
	}
	if opts.interactive {
		go watchSessions(ctx, a.Tracker(), cmd.ErrOrStderr())
		go readOperator(ctx, a.Tracker(), cmd.InOrStdin(), cmd.ErrOrStderr(), logger)
	}

	// Workers start first so a batch larger than the queue keeps draining.
	out := make(chan worker.Outcome, len(urls))
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.Worker().RunPool(ctx, a.Config().Fetch.Concurrency, out)
	}()

	enqueueErr := enqueueAll(ctx, a.Queue(), urls)
	a.Queue().Close()
	if enqueueErr != nil {
		cancel()
	}
	<-poolDone
	close(out)
	if enqueueErr != nil {
		return enqueueErr
	}

	var failed, aborted int
	for outcome := range out {
		printOutcome(cmd.OutOrStdout(), outcome)
		switch {
		case outcome.Err != nil:
			aborted++
		case outcome.Result.Status == webfetch.StatusFailed:
			failed++
		}
	}
	if aborted+failed > 0 {
		return fmt.Errorf("%d of %d fetches did not succeed", aborted+failed, len(urls))
	}
	return nil
}

func enqueueAll(ctx context.Context, q queue.Producer, urls []string) error {
	for i, rawURL := range urls {
		job := queue.Job{URL: rawURL}
		if len(urls) > 1 {
			job.ID = strconv.Itoa(i + 1)
		}
		if err := q.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s: %w", rawURL, err)
		}
	}
	return nil
}

func printOutcome(w io.Writer, o worker.Outcome) {
	res := o.Result
	status := string(res.Status)
	if o.Err != nil && status == "" {
		status = string(webfetch.StatusFailed)
	}
	method := string(res.Metrics.FallbackMethod)
	if method == "" {
		method = string(res.Metrics.PrimaryMethod)
	}
	target := o.MarkdownURI
	if res.Status == webfetch.StatusFailed {
		target = res.ReportURI
	}
	line := fmt.Sprintf("%s\t%s\t%s\tattempts=%d\t%s", status, o.Job.URL, method, res.Metrics.TotalAttempts, target)
	if o.Err != nil {
		line += "\terror=" + o.Err.Error()
	}
	fmt.Fprintln(w, line)
}

// readOperator releases the waiting manual session each time a line is read.
func readOperator(ctx context.Context, tracker *manual.Tracker, in io.Reader, out io.Writer, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch err := tracker.Complete(); {
		case err == nil:
			fmt.Fprintln(out, "Extracting page content...")
		case errors.Is(err, manual.ErrNoSession):
			fmt.Fprintln(out, "No manual session is waiting.")
		default:
			logger.Warn("complete manual session", zap.Error(err))
		}
	}
}

// watchSessions prints the operator prompt whenever a new session waits.
func watchSessions(ctx context.Context, tracker *manual.Tracker, out io.Writer) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	announced := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, _ := tracker.Views()
			if current == nil || current.ID == announced || current.State != manual.StateWaiting {
				continue
			}
			announced = current.ID
			fmt.Fprintf(out, "Manual session %s: open %s in the browser on %s, finish any verification, then press Enter (timeout %s).\n",
				current.ID, current.TargetURL, current.Endpoint, current.Timeout)
		}
	}
}

// startAPI serves the control API on api.addr until the returned func is called.
func startAPI(ctx context.Context, a *app.App, acceptJobs bool) func() {
	logger := a.Logger()
	srv := &http.Server{
		Addr:              a.Config().API.Addr,
		Handler:           a.APIServer(acceptJobs).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		wg.Wait()
	}
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
