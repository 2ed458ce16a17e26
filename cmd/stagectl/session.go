package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/stageflow/config"
	"github.com/GoCodeAlone/stageflow/notify"
	"github.com/GoCodeAlone/stageflow/observability/metrics"
	"github.com/GoCodeAlone/stageflow/observability/tracing"
	"github.com/GoCodeAlone/stageflow/pipeline"
	"github.com/GoCodeAlone/stageflow/sandbox"
	"github.com/GoCodeAlone/stageflow/steps"
	"github.com/GoCodeAlone/stageflow/store"
)

// session holds the collaborators a run needs. It is shared by every run a
// watch performs.
type session struct {
	opts   *runOptions
	logger *slog.Logger
	out    io.Writer

	registry    *steps.Registry
	publisher   *notify.NATSPublisher
	history     *store.SQLiteRunStore
	metrics     *metrics.Collector
	tracing     *tracing.Provider
	provisioner *sandbox.DockerProvisioner
}

func newSession(ctx context.Context, o *runOptions, logger *slog.Logger, out io.Writer) (*session, error) {
	s := &session{opts: o, logger: logger, out: out, metrics: metrics.NewCollector()}

	if o.natsURL != "" {
		pub, err := notify.NewNATSPublisher(o.natsURL)
		if err != nil {
			return nil, err
		}
		s.publisher = pub
	}
	deps := steps.Deps{Logger: logger, Stdout: out, Stderr: os.Stderr}
	if s.publisher != nil {
		deps.Publisher = s.publisher
	}
	s.registry = steps.DefaultRegistry(deps)

	if o.historyDB != "" {
		h, err := store.NewSQLiteRunStore(o.historyDB)
		if err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("open run history: %w", err)
		}
		s.history = h
	}

	if o.otlp != "" {
		cfg := tracing.DefaultConfig()
		cfg.Endpoint = o.otlp
		cfg.ServiceVersion = version
		tp, err := tracing.NewProvider(ctx, cfg)
		if err != nil {
			_ = s.close(ctx)
			return nil, err
		}
		s.tracing = tp
	}
	return s, nil
}

// build turns a definition into a pipeline using the session's step types.
func (s *session) build(cfg *config.PipelineConfig) (*pipeline.Pipeline, error) {
	return config.Build(cfg, s.registry)
}

// executor wires the observers and, when p asks for environments, the
// Docker provisioner.
// executor assembles an executor for p. A Docker provisioner is created on
// first use and the daemon is pinged, so an unreachable daemon fails the
// command before any stage runs.
func (s *session) executor(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Executor, error) {
	opts := []pipeline.Option{
		pipeline.WithLogger(s.logger),
		pipeline.WithReleaseTimeout(s.opts.release),
		pipeline.WithObserver(newProgress(s.out, len(p.Stages), s.opts.verbose)),
		pipeline.WithObserver(s.metrics),
	}
	if needsEnvironment(p) {
		if s.provisioner == nil {
			prov, err := sandbox.NewDockerProvisioner(
				sandbox.WithPullPolicy(sandbox.PullPolicy(s.opts.pull)),
				sandbox.WithLogger(s.logger),
				sandbox.WithLabels(map[string]string{"io.stageflow.client": "stagectl/" + version}),
			)
			if err != nil {
				return nil, err
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = prov.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = prov.Close(context.Background())
				return nil, err
			}
			s.provisioner = prov
		}
		opts = append(opts, pipeline.WithProvisioner(s.provisioner))
	}
	if s.history != nil {
		opts = append(opts, pipeline.WithObserver(store.NewRunRecorder(s.history, s.logger)))
	}
	if s.publisher != nil {
		opts = append(opts, pipeline.WithObserver(notify.NewRunNotifier(s.publisher, s.opts.subject, s.logger)))
	}
	if s.tracing != nil {
		opts = append(opts, pipeline.WithTracer(s.tracing.Tracer()))
	}
	return pipeline.NewExecutor(opts...), nil
}

// run executes p once and writes the metrics textfile if one is configured.
func (s *session) run(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunResult, error) {
	info, err := s.opts.runInfo()
	if err != nil {
		return nil, err
	}
	exec, err := s.executor(ctx, p)
	if err != nil {
		return nil, err
	}
	res := exec.Run(ctx, p, pipeline.NewRunContext(info))
	if s.opts.metricsFile != "" {
		if err := s.metrics.WriteToTextfile(s.opts.metricsFile); err != nil {
			s.logger.Warn("Failed to write metrics", "path", s.opts.metricsFile, "error", err)
		}
	}
	return res, nil
}

func (s *session) close(ctx context.Context) error {
	var errs []error
	if s.provisioner != nil {
		errs = append(errs, s.provisioner.Close(ctx))
	}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	if s.tracing != nil {
		errs = append(errs, s.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// needsEnvironment reports whether any stage, step or hook declares an
// environment.
func needsEnvironment(p *pipeline.Pipeline) bool {
	if p.Environment != nil {
		return true
	}
	hasStepEnv := func(steps []pipeline.Step) bool {
		for _, st := range steps {
			if st.Environment != nil {
				return true
			}
		}
		return false
	}
	for _, stage := range p.Stages {
		if stage.Environment != nil || hasStepEnv(stage.Steps) {
			return true
		}
	}
	for _, hooks := range p.Post {
		if hasStepEnv(hooks) {
			return true
		}
	}
	return false
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
