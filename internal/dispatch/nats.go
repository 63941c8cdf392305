package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Defaults for the NATS dispatcher.
const (
	DefaultSubject    = "story-ingest.tasks"
	DefaultQueueGroup = "story-ingest-workers"
)

// NATSConfig configures the NATS dispatcher.
type NATSConfig struct {
	URL         string
	Subject     string
	QueueGroup  string
	TaskTimeout time.Duration
}

// NATS publishes tasks to a subject. Workers consume them with Subscribe; a
// queue group delivers each task to one worker.
type NATS struct {
	nc      *nats.Conn
	subject string
	queue   string
	timeout time.Duration
	log     *zap.Logger
}

// NewNATS connects to the server at cfg.URL.
func NewNATS(cfg NATSConfig, log *zap.Logger) (*NATS, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("story-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSWithConn(nc, cfg, log), nil
}

// NewNATSWithConn wraps an existing connection.
func NewNATSWithConn(nc *nats.Conn, cfg NATSConfig, log *zap.Logger) *NATS {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultLocalConfig().TaskTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATS{nc: nc, subject: cfg.Subject, queue: cfg.QueueGroup, timeout: cfg.TaskTimeout, log: log}
}

// Dispatch publishes t.
func (n *NATS) Dispatch(_ context.Context, t Task) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Subscribe runs handler for every task delivered to this worker until ctx is done.
func (n *NATS) Subscribe(ctx context.Context, handler Handler) (*nats.Subscription, error) {
	sub, err := n.nc.QueueSubscribe(n.subject, n.queue, func(msg *nats.Msg) {
		t, err := decodeTask(msg.Data)
		if err != nil {
			n.log.Warn("dropping malformed task", zap.Error(err))
			return
		}
		taskCtx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		if err := handler(taskCtx, t); err != nil {
			n.log.Warn("task failed",
				zap.String("job_id", t.JobID.String()),
				zap.String("stage", t.Stage),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", n.subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}
	return n.nc.Drain()
}
