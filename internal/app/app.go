package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"AdvisoryScanner/internal/api"
	"AdvisoryScanner/internal/assessment"
	"AdvisoryScanner/internal/cache"
	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/detail"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/infrastructure/archive"
	"AdvisoryScanner/internal/infrastructure/llm"
	"AdvisoryScanner/internal/infrastructure/parser"
	"AdvisoryScanner/internal/infrastructure/publish"
	"AdvisoryScanner/internal/infrastructure/scheduler"
	"AdvisoryScanner/internal/infrastructure/storage"
	"AdvisoryScanner/internal/infrastructure/telegram"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/rules"
	"AdvisoryScanner/internal/scanner"
	"AdvisoryScanner/internal/usecase"
	"AdvisoryScanner/internal/vulnmeta"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	repo    *storage.Repository
	fetch   *usecase.FetchService
	enrich  *usecase.EnrichService
	guards  api.Guards
	closers []io.Closer
}

// New builds every adapter and use case. The returned application owns the
// database handle, the Kafka writer and the Redis client; call Close.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{
		cfg:    cfg,
		logger: baseLogger,
		guards: api.Guards{Fetch: &usecase.Guard{}, Enrich: &usecase.Guard{}, ReEnrich: &usecase.Guard{}},
	}

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db)
	a.repo = storage.NewRepository(db, cfg.Database.Driver)
	if err := a.repo.Init(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	cvssCache, detailCache := a.caches()

	enricher := vulnmeta.NewEnricher(
		vulnmeta.NewNVDClient(cfg.NVD, nil),
		vulnmeta.NewEPSSClient(cfg.EPSS, nil),
		cfg.NVD.MaxCVEsPerAlert,
		cvssCache,
		logger.With("component", "vulnmeta"),
	)

	raw, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	var notifier ports.Notifier
	if tg := telegram.NewNotifier(cfg.Notifications.Telegram); tg.Configured() {
		notifier = tg
	}

	engine := rules.NewEngine()

	adapters := scanner.NewRegistry()
	httpClient := &http.Client{Timeout: 30 * time.Second}
	adapters.Register(parser.NewKEVAdapter(httpClient, logger.With("component", "adapter.kev")))
	adapters.Register(parser.NewHTMLListAdapter(httpClient, logger.With("component", "adapter.htmllist")))
	for _, src := range cfg.Sources {
		if _, err := adapters.Resolve(src.Adapter); err != nil {
			return fmt.Errorf("source %s: %w", src.ID, err)
		}
	}

	a.fetch = usecase.NewFetchService(usecase.FetchDeps{
		Config:   cfg,
		Adapters: adapters,
		Alerts:   a.repo,
		Sources:  a.repo,
		Runs:     a.repo,
		Archive:  raw,
		Vuln:     enricher,
		Rules:    engine,
		Notifier: notifier,
		Logger:   logger.With("component", "fetch"),
	})

	decoder, err := assessment.NewDecoder()
	if err != nil {
		return err
	}

	var publisher ports.Publisher = publish.Noop{}
	if cfg.Kafka.Enabled {
		k := publish.NewKafka(cfg.Kafka, logger.With("component", "publish.kafka"))
		a.closers = append(a.closers, k)
		publisher = k
	}

	var details ports.DetailFetcher
	if cfg.Detail.Enabled {
		details = detail.NewFetcher(cfg.Detail, nil, detailCache, logger.With("component", "detail"))
	}

	a.enrich, err = usecase.NewEnrichService(usecase.EnrichDeps{
		Config:    cfg.Enrichment,
		AI:        cfg.AI,
		Alerts:    a.repo,
		Runs:      a.repo,
		Archive:   raw,
		Vuln:      enricher,
		Details:   details,
		Model:     llm.NewChatGPTClient(cfg.AI, nil),
		Decoder:   decoder,
		Rules:     engine,
		Publisher: publisher,
		Notifier:  notifier,
		Logger:    logger.With("component", "enrich"),
	})
	return err
}

// caches returns the per-run cache factories. The Redis driver hands out one
// shared instance so entries outlive a run.
func (a *Application) caches() (func() cache.Cache[vulnmeta.CVSSEntry], func() cache.Cache[domain.AdvisoryDetail]) {
	c := a.cfg.Cache
	if c.Driver == "redis" {
		client := cache.NewRedisClient(c.Redis.Addr, c.Redis.Password, c.Redis.DB)
		a.closers = append(a.closers, client)
		logger := a.logger.With("component", "cache.redis")
		cvss := cache.NewRedis[vulnmeta.CVSSEntry](client, c.Prefix, "cvss", c.TTL, logger)
		details := cache.NewRedis[domain.AdvisoryDetail](client, c.Prefix, "detail", c.TTL, logger)
		return func() cache.Cache[vulnmeta.CVSSEntry] { return cvss },
			func() cache.Cache[domain.AdvisoryDetail] { return details }
	}
	return func() cache.Cache[vulnmeta.CVSSEntry] { return cache.NewMemory[vulnmeta.CVSSEntry](c.Size, c.TTL) },
		func() cache.Cache[domain.AdvisoryDetail] { return cache.NewMemory[domain.AdvisoryDetail](c.Size, c.TTL) }
}

// Fetch runs one fetch cycle under the fetch guard.
func (a *Application) Fetch(ctx context.Context, opts usecase.FetchOptions) (domain.RunSummary, error) {
	var (
		summary domain.RunSummary
		err     error
	)
	if !a.guards.Fetch.TryRun(func() { summary, err = a.fetch.RunFetchCycle(ctx, opts) }) {
		return domain.RunSummary{}, errors.New("fetch run already in progress")
	}
	return summary, err
}

// Enrich runs one enrichment cycle under the enrichment guard.
func (a *Application) Enrich(ctx context.Context, opts usecase.EnrichOptions) (domain.EnrichResult, error) {
	var (
		res domain.EnrichResult
		err error
	)
	if !a.guards.Enrich.TryRun(func() { res, err = a.enrich.RunEnrichment(ctx, opts) }) {
		return domain.EnrichResult{}, errors.New("enrichment run already in progress")
	}
	return res, err
}

// ReEnrich runs the time-budgeted backfill; a zero budget uses the configured one.
func (a *Application) ReEnrich(ctx context.Context, opts usecase.ReEnrichOptions) (domain.EnrichResult, error) {
	if opts.Budget <= 0 {
		opts.Budget = a.cfg.Backfill.TimeBudget
	}
	if opts.Limit <= 0 {
		opts.Limit = a.cfg.Backfill.BatchLimit
	}
	var (
		res domain.EnrichResult
		err error
	)
	if !a.guards.ReEnrich.TryRun(func() { res, err = a.enrich.RunReEnrichment(ctx, opts) }) {
		return domain.EnrichResult{}, errors.New("re-enrichment run already in progress")
	}
	return res, err
}

// Serve starts the schedulers and the HTTP API and blocks until ctx ends.
func (a *Application) Serve(ctx context.Context) error {
	cfg := a.cfg
	jobs := []*usecase.Scheduler{
		usecase.NewScheduler("fetch",
			scheduler.NewIntervalScheduler(cfg.Scheduler.FetchInterval, true),
			a.guards.Fetch,
			func(ctx context.Context, _ time.Time) error {
				_, err := a.fetch.RunFetchCycle(ctx, usecase.FetchOptions{})
				return err
			},
			a.logger.With("component", "scheduler.fetch")),
		usecase.NewScheduler("enrich",
			scheduler.NewIntervalScheduler(cfg.Scheduler.EnrichInterval, false),
			a.guards.Enrich,
			func(ctx context.Context, _ time.Time) error {
				_, err := a.enrich.RunEnrichment(ctx, usecase.EnrichOptions{})
				return err
			},
			a.logger.With("component", "scheduler.enrich")),
	}
	if cfg.Backfill.Enabled {
		jobs = append(jobs, usecase.NewScheduler("reenrich",
			scheduler.NewIntervalScheduler(cfg.Backfill.Interval, false),
			a.guards.ReEnrich,
			func(ctx context.Context, _ time.Time) error {
				_, err := a.enrich.RunReEnrichment(ctx, usecase.ReEnrichOptions{
					Limit:  cfg.Backfill.BatchLimit,
					Budget: cfg.Backfill.TimeBudget,
				})
				return err
			},
			a.logger.With("component", "scheduler.reenrich")))
	}

	for _, job := range jobs {
		if err := job.Start(ctx); err != nil {
			return err
		}
	}
	if cfg.API.Enabled {
		srv := api.NewServer(a.fetch, a.enrich, a.repo, a.guards, cfg.Backfill.TimeBudget, a.logger.With("component", "api"))
		srv.Start(ctx, cfg.API.Addr)
	}
	a.logger.Info("serving", "fetch_every", cfg.Scheduler.FetchInterval, "enrich_every", cfg.Scheduler.EnrichInterval, "backfill", cfg.Backfill.Enabled)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	for _, job := range jobs {
		errs = append(errs, job.Stop(stopCtx))
	}
	return errors.Join(errs...)
}

// Close releases owned resources in reverse order.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
