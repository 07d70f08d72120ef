// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/api"
	"github.com/kekewolf/web-fetcher/internal/browser"
	"github.com/kekewolf/web-fetcher/internal/classify"
	"github.com/kekewolf/web-fetcher/internal/clock/system"
	"github.com/kekewolf/web-fetcher/internal/config"
	"github.com/kekewolf/web-fetcher/internal/convert"
	"github.com/kekewolf/web-fetcher/internal/domain"
	collyfetcher "github.com/kekewolf/web-fetcher/internal/fetcher/colly"
	"github.com/kekewolf/web-fetcher/internal/fetcher/headless"
	"github.com/kekewolf/web-fetcher/internal/headless/detector"
	"github.com/kekewolf/web-fetcher/internal/id/uuid"
	"github.com/kekewolf/web-fetcher/internal/manual"
	"github.com/kekewolf/web-fetcher/internal/metrics"
	"github.com/kekewolf/web-fetcher/internal/orchestrator"
	"github.com/kekewolf/web-fetcher/internal/policy/ratelimit"
	queuemem "github.com/kekewolf/web-fetcher/internal/queue/memory"
	"github.com/kekewolf/web-fetcher/internal/report"
	"github.com/kekewolf/web-fetcher/internal/storage"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
	"github.com/kekewolf/web-fetcher/internal/worker"
)

// App holds the shared, long-lived services. It is built once at start-up
// and closed when the command finishes.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        storage.Store
	domains      *domain.Classifier
	tracker      *manual.Tracker
	classifier   *classify.Classifier
	orchestrator *orchestrator.Orchestrator
	converter    *convert.Converter
	queue        *queuemem.Queue
	clock        webfetch.Clock
	ids          webfetch.IDGenerator
}

// Overrides replace collaborators, mostly for tests. Nil fields are built
// from the configuration.
type Overrides struct {
	Store     storage.Store
	Direct    webfetch.Strategy
	Automated webfetch.Strategy
	Manual    webfetch.Strategy
	Clock     webfetch.Clock
	IDs       webfetch.IDGenerator
}

// New wires every component from cfg. It fails fast when a configured
// backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:        cfg,
		logger:     logger,
		tracker:    manual.NewTracker(),
		classifier: classify.New(classify.WithLogger(logger)),
		converter:  convert.New(),
		queue:      queuemem.NewQueue(cfg.Fetch.QueueDepth),
		clock:      ov.Clock,
		ids:        ov.IDs,
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.NewUUIDGenerator()
	}

	fileEntries, err := domain.LoadFile(cfg.Domains.File)
	if err != nil {
		return nil, fmt.Errorf("load domain list: %w", err)
	}
	a.domains = domain.New(append(append([]string(nil), cfg.Domains.Problematic...), fileEntries...))

	a.store = ov.Store
	if a.store == nil {
		store, err := storage.Open(ctx, cfg.Reports.Config)
		if err != nil {
			return nil, fmt.Errorf("open report store: %w", err)
		}
		a.store = store
	}

	direct, automated, manualStrategy, err := a.strategies(ov)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Domains:    a.domains,
		Direct:     direct,
		Automated:  automated,
		Manual:     manualStrategy,
		Evaluator:  detector.NewHeuristic(cfg.Fetch.MinContentBytes),
		Classifier: a.classifier,
		Leases:     browser.NewLeases(),
		Limiter:    ratelimit.New(cfg.Direct.RateLimit),
		Reports:    report.NewWriter(a.store, cfg.Reports.Prefix, logger),
		Clock:      a.clock,
		IDs:        a.ids,
		Logger:     logger,
	}, orchestrator.Config{
		Deadline:         cfg.Fetch.Deadline,
		ReconnectBackoff: cfg.Fetch.ReconnectBackoff,
		Endpoint:         cfg.Endpoint(),
		Language:         report.ParseLanguage(cfg.Reports.Language),
		Headers:          cfg.Headers(),
	})

	logger.Info("application services initialized",
		zap.String("endpoint", cfg.Endpoint().String()),
		zap.Int("problematic_domains", len(a.domains.Entries())),
		zap.String("report_backend", cfg.Reports.Backend),
	)
	return a, nil
}

func (a *App) strategies(ov Overrides) (direct, automated, manualStrategy webfetch.Strategy, err error) {
	cfg := a.cfg
	ep := cfg.Endpoint()

	switch {
	case ov.Direct != nil:
		direct = ov.Direct
	case cfg.Direct.Enabled:
		direct = collyfetcher.New(collyfetcher.Config{
			UserAgent:          cfg.Direct.UserAgent,
			Timeout:            cfg.Direct.Timeout,
			MaxBodyBytes:       cfg.Direct.MaxBodyBytes,
			RespectRobots:      cfg.Direct.RespectRobots,
			InsecureSkipVerify: cfg.Direct.InsecureSkipVerify,
		}, a.logger.Named("direct"))
	}

	switch {
	case ov.Automated != nil:
		automated = ov.Automated
	case cfg.Browser.Automated:
		f, err := headless.NewChromedp(headless.Config{
			Endpoint:          ep,
			UserAgent:         cfg.Direct.UserAgent,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			ConnectTimeout:    cfg.Browser.ConnectTimeout,
			SettleDelay:       cfg.Browser.SettleDelay,
		}, a.logger.Named("automated"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("automated browser: %w", err)
		}
		automated = f
	}

	switch {
	case ov.Manual != nil:
		manualStrategy = ov.Manual
	case cfg.Manual.Enabled:
		inspector := browser.NewInspector(cfg.Browser.ConnectTimeout)
		launcher := browser.NewLauncher(browser.LaunchConfig{
			Binary:      cfg.Browser.Binary,
			UserDataDir: cfg.Browser.UserDataDir,
			ExtraFlags:  cfg.Browser.ExtraFlags,
			Timeout:     cfg.Browser.LaunchTimeout,
		}, inspector, a.logger.Named("launcher"))
		manualStrategy = manual.NewRunner(manual.Config{
			Endpoint:      ep,
			Timeout:       cfg.Manual.Timeout,
			PollInterval:  cfg.Manual.PollInterval,
			AutoDetect:    cfg.Manual.AutoDetect,
			AttachTimeout: cfg.Manual.AttachTimeout,
			AttachBackoff: cfg.Manual.AttachBackoff,
			Prompt:        cfg.Manual.Prompt,
		}, manual.Deps{
			Inspector: inspector,
			Launcher:  launcher,
			Evaluator: detector.NewHeuristic(cfg.Fetch.MinContentBytes),
			Tracker:   a.tracker,
			IDs:       a.ids,
			Clock:     a.clock,
			Logger:    a.logger.Named("manual"),
		})
	}
	return direct, automated, manualStrategy, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the fetch orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Domains returns the problematic-domain classifier.
func (a *App) Domains() *domain.Classifier { return a.domains }

// Tracker returns the manual session tracker.
func (a *App) Tracker() *manual.Tracker { return a.tracker }

// Classifier returns the error classifier.
func (a *App) Classifier() *classify.Classifier { return a.classifier }

// Store returns the blob store for reports and Markdown.
func (a *App) Store() storage.Store { return a.store }

// Queue returns the job queue consumed by Worker.
func (a *App) Queue() *queuemem.Queue { return a.queue }

// Worker builds a worker consuming the application queue.
func (a *App) Worker() *worker.Worker {
	return worker.New(a.queue, a.orchestrator, a.converter, a.store, a.clock, worker.Config{
		OutputPrefix: a.cfg.Fetch.OutputPrefix,
	}, a.logger.Named("worker"))
}

// APIServer builds the local control server. Without acceptJobs,
// POST /v1/fetch answers 503.
func (a *App) APIServer(acceptJobs bool) *api.Server {
	deps := api.Deps{
		Sessions: a.tracker,
		Domains:  a.domains,
		IDs:      a.ids,
		Logger:   a.logger.Named("api"),
	}
	if acceptJobs {
		deps.Jobs = a.queue
	}
	if a.cfg.Domains.File != "" {
		deps.Persist = a.PersistDomains
	}
	return api.NewServer(deps)
}

// PersistDomains writes entries to the configured domain file.
func (a *App) PersistDomains(entries []string) error {
	if a.cfg.Domains.File == "" {
		return errors.New("domains.file is not configured")
	}
	if err := domain.SaveFile(a.cfg.Domains.File, entries); err != nil {
		return fmt.Errorf("save domain list: %w", err)
	}
	return nil
}

// Close releases the queue and the blob store and flushes the logger.
func (a *App) Close() error {
	a.logger.Info("shutting down application services")
	a.queue.Close()
	var err error
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Warn("error closing blob store", zap.Error(cerr))
			err = cerr
		}
	}
	// Sync on a console sink returns ENOTTY, which is not worth surfacing.
	_ = a.logger.Sync()
	return err
}
