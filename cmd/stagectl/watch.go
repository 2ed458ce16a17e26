package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/stageflow/config"
)

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("c", "", "Path to the pipeline definition YAML file")
	o := addRunFlags(fs)
	debounce := fs.Duration("debounce", 500*time.Millisecond, "Wait this long after the last change before reacting")
	runOnChange := fs.Bool("run", false, "Run the pipeline after every valid change instead of only validating it")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: stagectl watch [options] <pipeline.yaml>

Watch a pipeline definition and re-validate it whenever its content changes.
With -run, each valid revision is also executed.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := definitionPath(fs, *configPath)
	if err != nil {
		return err
	}
	if err := o.validate(); err != nil {
		return err
	}
	if _, err := o.runInfo(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(o.logLevel)
	sess, err := newSession(ctx, o, logger, stdout)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sess.close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
	}()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", sess.metrics.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: otelhttp.NewHandler(mux, "stagectl-watch"), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "addr", *metricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("Serving metrics", "addr", *metricsAddr)
	}

	source := config.NewFileSource(path)
	handle := func(cfg *config.PipelineConfig) {
		p, err := sess.build(cfg)
		if err != nil {
			fmt.Fprintf(stdout, "%s: INVALID\n  %v\n", path, err)
			return
		}
		fmt.Fprintf(stdout, "%s: OK (pipeline %q, %d stages)\n", path, p.Name, len(p.Stages))
		if !*runOnChange {
			return
		}
		if _, err := sess.run(ctx, p); err != nil {
			logger.Error("Run failed to start", "pipeline", p.Name, "error", err)
		}
	}

	cfg, _, err := source.Load()
	if err != nil {
		fmt.Fprintf(stdout, "%s: INVALID\n  %v\n", path, err)
	} else {
		handle(cfg)
	}

	// Only the latest pending revision is kept while a run is in progress.
	changes := make(chan *config.PipelineConfig, 1)
	watcher := config.NewWatcher(source, func(ev config.ChangeEvent) {
		select {
		case <-changes:
		default:
		}
		changes <- ev.Config
	}, config.WithWatchDebounce(*debounce), config.WithWatchLogger(logger))
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()
	logger.Info("Watching pipeline definition", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-changes:
			handle(cfg)
		}
	}
}
