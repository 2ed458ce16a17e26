package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/GoCodeAlone/stageflow/pipeline"
	"github.com/GoCodeAlone/stageflow/store"
)

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dbPath := fs.String("db", os.Getenv("STAGEFLOW_HISTORY_DB"), "Run history database (default from STAGEFLOW_HISTORY_DB)")
	pipelineName := fs.String("p", "", "Only show runs of this pipeline")
	branch := fs.String("branch", "", "Only show runs of this branch")
	outcome := fs.String("outcome", "", "Only show runs with this outcome (success or failure)")
	limit := fs.Int("n", 20, "Maximum number of runs to list")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: stagectl history [options] [run-id]

List recorded runs, most recent first, or show one run in detail.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		fs.Usage()
		return fmt.Errorf("-db (history database) is required")
	}
	switch pipeline.Outcome(*outcome) {
	case "", pipeline.OutcomeSuccess, pipeline.OutcomeFailure:
	default:
		return fmt.Errorf("invalid -outcome %q: expected success or failure", *outcome)
	}
	if _, err := os.Stat(*dbPath); err != nil {
		return fmt.Errorf("open run history: %w", err)
	}

	s, err := store.NewSQLiteRunStore(*dbPath)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	if fs.NArg() > 0 {
		rec, err := s.Get(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		printRun(stdout, rec)
		return nil
	}

	runs, err := s.List(ctx, store.RunFilter{
		Pipeline: *pipelineName,
		Branch:   *branch,
		Outcome:  pipeline.Outcome(*outcome),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs recorded.")
		return nil
	}
	printRuns(stdout, runs)

	if *pipelineName != "" {
		stats, err := s.Stats(ctx, *pipelineName)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "\n%s: %d runs, %d succeeded, %d failed, average %s\n",
			*pipelineName, stats.Total, stats.Succeeded, stats.Failed, stats.AvgDuration.Round(time.Second))
	}
	return nil
}

func printRuns(w io.Writer, runs []store.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tPIPELINE\tBRANCH\tBUILD\tOUTCOME\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.RunID, r.Pipeline, orDash(r.Branch), r.BuildNumber, r.Outcome,
			r.StartedAt.Local().Format(time.DateTime), r.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()
}

func printRun(w io.Writer, r *store.RunRecord) {
	fmt.Fprintf(w, "Run:      %s\n", r.RunID)
	fmt.Fprintf(w, "Pipeline: %s\n", r.Pipeline)
	fmt.Fprintf(w, "Branch:   %s\n", orDash(r.Branch))
	fmt.Fprintf(w, "Commit:   %s\n", orDash(r.Commit))
	fmt.Fprintf(w, "Build:    %d\n", r.BuildNumber)
	fmt.Fprintf(w, "Outcome:  %s\n", r.Outcome)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	if r.HookErrors > 0 {
		fmt.Fprintf(w, "Post-hook failures: %d\n", r.HookErrors)
	}

	fmt.Fprintln(w, "\nStages:")
	for _, st := range r.Stages {
		status := string(st.Status)
		if st.Reason != "" {
			status += " (" + st.Reason + ")"
		}
		fmt.Fprintf(w, "  %-20s %-22s %s\n", st.Name, status, st.Duration.Round(time.Millisecond))
		if st.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", st.Error)
		}
		if st.ReleaseError != "" {
			fmt.Fprintf(w, "    release: %s\n", st.ReleaseError)
		}
		for _, step := range st.Steps {
			fmt.Fprintf(w, "    - %s: %s\n", step.Name, step.Status)
		}
	}
}
