package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stageflow/notify"
	"github.com/GoCodeAlone/stageflow/pipeline"
)

// ErrNoPublisher is returned by notify steps when no publisher is configured.
var ErrNoPublisher = errors.New("no publisher configured")

// NotifyStep publishes a notification event carrying the run's identity and
// its current status.
type NotifyStep struct {
	name      string
	subject   string
	message   string
	data      map[string]string
	publisher notify.Publisher
}

func newNotifyStep(name string, cfg map[string]any, deps Deps) (pipeline.Action, error) {
	subject := stringValue(cfg, "subject")
	if subject == "" {
		subject = notify.DefaultSubject
	}
	data, err := stringMap(cfg, "data")
	if err != nil {
		return nil, fmt.Errorf("notify step %q: %w", name, err)
	}
	return &NotifyStep{
		name:      name,
		subject:   subject,
		message:   stringValue(cfg, "message"),
		data:      data,
		publisher: deps.Publisher,
	}, nil
}

// Run renders the message and data and publishes the event. The output is
// the subject it was published on.
func (s *NotifyStep) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	if s.publisher == nil {
		return "", fmt.Errorf("notify step %q: %w", s.name, ErrNoPublisher)
	}
	subject, err := rc.Expand(s.subject)
	if err != nil {
		return "", fmt.Errorf("notify step %q: failed to resolve subject: %w", s.name, err)
	}
	msg, err := rc.Expand(s.message)
	if err != nil {
		return "", fmt.Errorf("notify step %q: failed to resolve message: %w", s.name, err)
	}
	values, err := expandMap(rc, s.data)
	if err != nil {
		return "", fmt.Errorf("notify step %q: failed to resolve data: %w", s.name, err)
	}
	var data map[string]any
	if len(values) > 0 {
		data = make(map[string]any, len(values))
		for k, v := range values {
			data[k] = v
		}
	}

	if err := s.publisher.Publish(ctx, subject, notify.NewNotification(rc, msg, data)); err != nil {
		return "", fmt.Errorf("notify step %q: publish failed: %w", s.name, err)
	}
	return subject, nil
}
