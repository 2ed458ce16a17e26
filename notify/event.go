// Package notify publishes pipeline run events to a message broker.
package notify

import (
	"encoding/json"
	"time"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// Event types.
const (
	TypeRunFinished  = "run_finished"
	TypeNotification = "notification"
)

// Event is the JSON payload published for a run.
type Event struct {
	Type        string         `json:"type"`
	RunID       string         `json:"runId"`
	Pipeline    string         `json:"pipeline"`
	Branch      string         `json:"branch,omitempty"`
	Commit      string         `json:"commit,omitempty"`
	BuildNumber int            `json:"buildNumber,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	Stages      []StageSummary `json:"stages,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	// AdditionalData carries user-supplied fields from a notify step.
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// StageSummary is the per-stage part of a run event.
type StageSummary struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// NewRunEvent summarises a finished run.
func NewRunEvent(res *pipeline.RunResult) Event {
	evt := Event{
		Type:        TypeRunFinished,
		RunID:       res.RunID,
		Pipeline:    res.Pipeline,
		Branch:      res.Branch,
		Commit:      res.Commit,
		BuildNumber: res.BuildNumber,
		Outcome:     string(res.Outcome),
		Timestamp:   res.FinishedAt.UTC(),
	}
	if res.Err != nil {
		evt.Error = res.Err.Error()
	}
	for _, s := range res.Stages {
		evt.Stages = append(evt.Stages, StageSummary{
			Name:       s.Name,
			Status:     string(s.Status),
			Reason:     s.Reason,
			DurationMS: s.Duration.Milliseconds(),
		})
	}
	return evt
}

// NewNotification builds the event a notify step publishes mid-run. The
// outcome is the run status at the time of publishing.
func NewNotification(rc *pipeline.RunContext, message string, data map[string]any) Event {
	return Event{
		Type:           TypeNotification,
		RunID:          rc.RunID(),
		Pipeline:       rc.Pipeline(),
		Branch:         rc.Branch(),
		Commit:         rc.Commit(),
		BuildNumber:    rc.BuildNumber(),
		Outcome:        string(rc.Status()),
		Message:        message,
		Timestamp:      time.Now().UTC(),
		AdditionalData: data,
	}
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
