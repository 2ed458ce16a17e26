package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// DefaultSubject is the subject run events are published on.
const DefaultSubject = "stageflow.runs"

const flushTimeout = 5 * time.Second

// Publisher delivers encoded events to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, evt Event) error
	Close() error
}

// NATSPublisher publishes events as JSON NATS messages.
type NATSPublisher struct {
	mu   sync.Mutex
	url  string
	conn *nats.Conn
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	opts = append([]nats.Option{nats.Name("stageflow")}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{url: url, conn: conn}, nil
}

// Publish sends evt and waits for the server to acknowledge the flush.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, evt Event) error {
	data, err := evt.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type, err)
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("NATS connection to %s is closed", p.url)
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Stageflow-Event", evt.Type)
	msg.Data = data
	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to subject %q: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush subject %q: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.conn = nil
	return err
}

// RunNotifier publishes a run_finished event when a run ends.
type RunNotifier struct {
	publisher Publisher
	subject   string
	logger    *slog.Logger
}

// NewRunNotifier creates a RunNotifier. An empty subject means DefaultSubject.
func NewRunNotifier(p Publisher, subject string, logger *slog.Logger) *RunNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{publisher: p, subject: subject, logger: logger}
}

func (n *RunNotifier) RunStarted(context.Context, *pipeline.RunContext) {}

func (n *RunNotifier) StageFinished(context.Context, *pipeline.RunContext, pipeline.StageResult) {}

// RunFinished publishes the run summary. Publish failures are logged only.
func (n *RunNotifier) RunFinished(ctx context.Context, res *pipeline.RunResult) {
	if err := n.publisher.Publish(ctx, n.subject, NewRunEvent(res)); err != nil {
		n.logger.Error("Run event publish failed", "run_id", res.RunID, "subject", n.subject, "error", err)
		return
	}
	n.logger.Info("Run event published", "run_id", res.RunID, "subject", n.subject)
}
