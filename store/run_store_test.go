package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

func newTestRunStore(t *testing.T) *SQLiteRunStore {
	t.Helper()
	s, err := NewSQLiteRunStore(filepath.Join(t.TempDir(), "history", "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRunStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRun(id, name, branch string, outcome pipeline.Outcome, offset time.Duration) *pipeline.RunResult {
	started := baseTime.Add(offset)
	res := &pipeline.RunResult{
		RunID:       id,
		Pipeline:    name,
		Branch:      branch,
		Commit:      "abc1234",
		BuildNumber: 7,
		Outcome:     outcome,
		StartedAt:   started,
		FinishedAt:  started.Add(90 * time.Second),
		Stages: []pipeline.StageResult{
			{
				Name:     "Build",
				Status:   pipeline.StatusSuccess,
				Duration: time.Minute,
				Steps: []pipeline.StepResult{
					{Name: "compile", Status: pipeline.StatusSuccess, Output: "ok", Duration: 40 * time.Second},
					{Name: "image", Status: pipeline.StatusSuccess, Output: "sha256:abc", Duration: 20 * time.Second},
				},
			},
			{Name: "Push", Status: pipeline.StatusSkipped, Reason: pipeline.ReasonGuard},
		},
	}
	if outcome == pipeline.OutcomeFailure {
		res.Err = errors.New("step failed")
		res.Stages[1] = pipeline.StageResult{
			Name:       "Push",
			Status:     pipeline.StatusFailed,
			Err:        res.Err,
			ReleaseErr: errors.New("container gone"),
			Steps:      []pipeline.StepResult{{Name: "push", Status: pipeline.StatusFailed, Err: res.Err}},
		}
	}
	return res
}

func TestSQLiteRunStore_RecordAndGet(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, sampleRun("run-1", "orchestrator", "main", pipeline.OutcomeFailure, 0)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rec, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Pipeline != "orchestrator" || rec.Branch != "main" || rec.Commit != "abc1234" || rec.BuildNumber != 7 {
		t.Errorf("unexpected identity: %+v", rec)
	}
	if rec.Outcome != pipeline.OutcomeFailure || rec.Error != "step failed" {
		t.Errorf("outcome = %s, error = %q", rec.Outcome, rec.Error)
	}
	if !rec.StartedAt.Equal(baseTime) {
		t.Errorf("StartedAt = %v, want %v", rec.StartedAt, baseTime)
	}
	if rec.Duration != 90*time.Second {
		t.Errorf("Duration = %v", rec.Duration)
	}
	if len(rec.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(rec.Stages))
	}
	build := rec.Stages[0]
	if build.Name != "Build" || build.Status != pipeline.StatusSuccess || len(build.Steps) != 2 {
		t.Errorf("unexpected build stage: %+v", build)
	}
	if build.Steps[1].Name != "image" || build.Steps[1].Output != "sha256:abc" {
		t.Errorf("unexpected step: %+v", build.Steps[1])
	}
	push := rec.Stages[1]
	if push.Status != pipeline.StatusFailed || push.Error != "step failed" || push.ReleaseError != "container gone" {
		t.Errorf("unexpected push stage: %+v", push)
	}
	if len(push.Steps) != 1 || push.Steps[0].Error != "step failed" {
		t.Errorf("unexpected push steps: %+v", push.Steps)
	}
}

func TestSQLiteRunStore_GetNotFound(t *testing.T) {
	s := newTestRunStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRunStore_RecordReplaces(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, sampleRun("run-1", "orchestrator", "main", pipeline.OutcomeFailure, 0)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, sampleRun("run-1", "orchestrator", "main", pipeline.OutcomeSuccess, 0)); err != nil {
		t.Fatalf("Record again: %v", err)
	}

	rec, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != pipeline.OutcomeSuccess {
		t.Errorf("Outcome = %s", rec.Outcome)
	}
	if rec.Stages[1].Status != pipeline.StatusSkipped || len(rec.Stages[1].Steps) != 0 {
		t.Errorf("stale stage data: %+v", rec.Stages[1])
	}
}

func TestSQLiteRunStore_RecordRequiresID(t *testing.T) {
	s := newTestRunStore(t)
	err := s.Record(context.Background(), &pipeline.RunResult{})
	if !errors.Is(err, ErrMissingRunID) {
		t.Fatalf("expected ErrMissingRunID, got %v", err)
	}
}

func TestSQLiteRunStore_List(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	runs := []*pipeline.RunResult{
		sampleRun("a", "orchestrator", "main", pipeline.OutcomeSuccess, 0),
		sampleRun("b", "orchestrator", "dev", pipeline.OutcomeFailure, time.Hour),
		sampleRun("c", "orchestrator", "main", pipeline.OutcomeFailure, 2*time.Hour),
		sampleRun("d", "other", "main", pipeline.OutcomeSuccess, 3*time.Hour),
	}
	for _, r := range runs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record %s: %v", r.RunID, err)
		}
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"all", RunFilter{}, []string{"d", "c", "b", "a"}},
		{"pipeline", RunFilter{Pipeline: "orchestrator"}, []string{"c", "b", "a"}},
		{"branch", RunFilter{Pipeline: "orchestrator", Branch: "main"}, []string{"c", "a"}},
		{"outcome", RunFilter{Outcome: pipeline.OutcomeFailure}, []string{"c", "b"}},
		{"limit", RunFilter{Limit: 2}, []string{"d", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			ids := make([]string, len(got))
			for i, r := range got {
				ids[i] = r.RunID
				if r.Stages != nil {
					t.Errorf("List should not load stages")
				}
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestSQLiteRunStore_ListOrdersWithinSameSecond(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	for _, r := range []*pipeline.RunResult{
		sampleRun("whole", "orchestrator", "main", pipeline.OutcomeSuccess, 0),
		sampleRun("half", "orchestrator", "main", pipeline.OutcomeSuccess, 500*time.Millisecond),
		sampleRun("tiny", "orchestrator", "main", pipeline.OutcomeSuccess, time.Microsecond),
	} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record %s: %v", r.RunID, err)
		}
	}

	got, err := s.List(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.RunID
	}
	if want := []string{"half", "tiny", "whole"}; fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if !got[0].StartedAt.Equal(baseTime.Add(500 * time.Millisecond)) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, baseTime.Add(500*time.Millisecond))
	}
}

func TestSQLiteRunStore_Stats(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx, "orchestrator")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if empty.Total != 0 || empty.LastRun != nil {
		t.Errorf("expected empty stats, got %+v", empty)
	}

	for i, outcome := range []pipeline.Outcome{pipeline.OutcomeSuccess, pipeline.OutcomeSuccess, pipeline.OutcomeFailure} {
		r := sampleRun(fmt.Sprintf("run-%d", i), "orchestrator", "main", outcome, time.Duration(i)*time.Hour)
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	stats, err := s.Stats(ctx, "orchestrator")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.AvgDuration != 90*time.Second {
		t.Errorf("AvgDuration = %v", stats.AvgDuration)
	}
	if stats.LastRun == nil || stats.LastRun.RunID != "run-2" {
		t.Errorf("LastRun = %+v", stats.LastRun)
	}
}

func TestRunRecorder_RecordsExecutorRuns(t *testing.T) {
	s := newTestRunStore(t)
	ok := pipeline.ActionFunc(func(context.Context, *pipeline.RunContext) (string, error) { return "done", nil })
	p := &pipeline.Pipeline{
		Name: "recorded",
		Stages: []pipeline.Stage{
			{Name: "Build", Steps: []pipeline.Step{{Name: "compile", Action: ok}}},
			{Name: "Push", Guard: pipeline.BranchGuard{Pattern: "main"}, Steps: []pipeline.Step{{Name: "push", Action: ok}}},
		},
	}

	exec := pipeline.NewExecutor(pipeline.WithObserver(NewRunRecorder(s, nil)))
	res := exec.Run(context.Background(), p, pipeline.NewRunContext(pipeline.RunInfo{Branch: "dev"}))

	rec, err := s.Get(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Outcome != pipeline.OutcomeSuccess || len(rec.Stages) != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Stages[0].Steps[0].Output != "done" {
		t.Errorf("step output = %q", rec.Stages[0].Steps[0].Output)
	}
	if rec.Stages[1].Status != pipeline.StatusSkipped || rec.Stages[1].Reason != pipeline.ReasonGuard {
		t.Errorf("unexpected push stage: %+v", rec.Stages[1])
	}
}
