package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// progress prints stage results as a run proceeds.
type progress struct {
	w       io.Writer
	total   int
	verbose bool

	mu    sync.Mutex
	index int
}

func newProgress(w io.Writer, total int, verbose bool) *progress {
	return &progress{w: w, total: total, verbose: verbose}
}

func (p *progress) RunStarted(_ context.Context, rc *pipeline.RunContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = 0
	fmt.Fprintf(p.w, "Pipeline: %s (run %s)\n", rc.Pipeline(), rc.RunID())
	if rc.Branch() != "" || rc.Commit() != "" || rc.BuildNumber() > 0 {
		fmt.Fprintf(p.w, "Branch: %s  Commit: %s  Build: %d\n", orDash(rc.Branch()), orDash(rc.Commit()), rc.BuildNumber())
	}
	fmt.Fprintln(p.w)
}

func (p *progress) StageFinished(_ context.Context, _ *pipeline.RunContext, sr pipeline.StageResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index++
	fmt.Fprintf(p.w, "Stage %d/%d: %s ... %s\n", p.index, p.total, sr.Name, stageStatus(sr))
	if sr.Status == pipeline.StatusFailed && sr.Err != nil {
		fmt.Fprintf(p.w, "  Error: %v\n", sr.Err)
	}
	if sr.ReleaseErr != nil {
		fmt.Fprintf(p.w, "  Warning: %v\n", sr.ReleaseErr)
	}
	if !p.verbose {
		return
	}
	for _, step := range sr.Steps {
		fmt.Fprintf(p.w, "  - %s: %s\n", step.Name, stepStatus(step.Status, step.Duration))
		if step.Output != "" {
			fmt.Fprintf(p.w, "      output = %s\n", step.Output)
		}
	}
}

func (p *progress) RunFinished(_ context.Context, res *pipeline.RunResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range res.Hooks {
		if h.Err != nil {
			fmt.Fprintf(p.w, "Post %s: %s ... FAILED\n  Error: %v\n", h.Kind, h.Step.Name, h.Err)
		} else if p.verbose {
			fmt.Fprintf(p.w, "Post %s: %s ... OK\n", h.Kind, h.Step.Name)
		}
	}
	elapsed := res.Duration().Round(time.Millisecond)
	if res.Succeeded() {
		fmt.Fprintf(p.w, "\nPipeline completed successfully in %s\n", elapsed)
		return
	}
	fmt.Fprintf(p.w, "\nPipeline FAILED in %s\n", elapsed)
}

func stageStatus(sr pipeline.StageResult) string {
	switch sr.Status {
	case pipeline.StatusSkipped:
		return fmt.Sprintf("SKIPPED (%s)", sr.Reason)
	case pipeline.StatusFailed:
		return fmt.Sprintf("FAILED (%s)", sr.Duration.Round(time.Millisecond))
	default:
		return fmt.Sprintf("OK (%s)", sr.Duration.Round(time.Millisecond))
	}
}

func stepStatus(s pipeline.Status, d time.Duration) string {
	switch s {
	case pipeline.StatusSkipped:
		return "skipped"
	case pipeline.StatusFailed:
		return fmt.Sprintf("failed (%s)", d.Round(time.Millisecond))
	default:
		return fmt.Sprintf("ok (%s)", d.Round(time.Millisecond))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
