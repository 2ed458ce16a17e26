package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// LogStep writes a templated message to the logger. Its output is the
// rendered message.
type LogStep struct {
	name    string
	level   slog.Level
	message string
	logger  *slog.Logger
}

func newLogStep(name string, cfg map[string]any, deps Deps) (pipeline.Action, error) {
	message := stringValue(cfg, "message")
	if message == "" {
		return nil, fmt.Errorf("log step %q: 'message' is required", name)
	}
	var level slog.Level
	switch lv := stringValue(cfg, "level"); lv {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("log step %q: invalid level %q (expected debug, info, warn, or error)", name, lv)
	}
	return &LogStep{name: name, level: level, message: message, logger: deps.Logger}, nil
}

// Run renders and logs the message.
func (s *LogStep) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	msg, err := rc.Expand(s.message)
	if err != nil {
		return "", fmt.Errorf("log step %q: failed to resolve message: %w", s.name, err)
	}
	s.logger.Log(ctx, s.level, msg, "pipeline", rc.Pipeline(), "step", s.name, "run_id", rc.RunID())
	return msg, nil
}
