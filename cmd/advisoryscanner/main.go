package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AdvisoryScanner/internal/app"
	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/usecase"
)

func main() {
	mode := flag.String("mode", "serve", "fetch | enrich | reenrich | serve")
	maxAlerts := flag.Int("max", 0, "maximum alerts to process (0 = configured default)")
	alert := flag.String("alert", "", "enrich a single alert given as id@source")
	source := flag.String("source", "", "restrict the run to one source id")
	missing := flag.String("missing", "", "only alerts missing these fields (cvss,epss,summary)")
	force := flag.Bool("force", false, "ignore fetch intervals / include already enriched alerts")
	budget := flag.Int("budget", 0, "re-enrichment time budget in seconds (0 = configured)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = application.Close() }()

	var result any
	switch *mode {
	case "fetch":
		result, err = application.Fetch(ctx, usecase.FetchOptions{SourceFilter: *source, Force: *force})
	case "enrich":
		opts := usecase.EnrichOptions{MaxAlerts: *maxAlerts, SourceFilter: *source, Force: *force}
		if *alert != "" {
			var key domain.AlertKey
			if key, err = domain.ParseAlertKey(*alert); err != nil {
				break
			}
			opts.AlertKey = &key
		}
		if opts.MissingOnly, err = usecase.ParseFields(*missing); err != nil {
			break
		}
		result, err = application.Enrich(ctx, opts)
	case "reenrich":
		result, err = application.ReEnrich(ctx, usecase.ReEnrichOptions{
			Limit:        *maxAlerts,
			Budget:       time.Duration(*budget) * time.Second,
			SourceFilter: *source,
			Force:        *force,
		})
	case "serve":
		err = application.Serve(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("application stopped", "mode", *mode, "error", err)
		os.Exit(1)
	}

	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	}
}
