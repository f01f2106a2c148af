// Package queue runs memory submissions received over NATS.
//
// Requests arrive on a subject as JSON SubmitRequests and are answered
// with a Reply on the message's reply subject. Workers share a queue
// group, so each request is handled once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/memory"
	"github.com/fyrsmithlabs/whispercore/internal/reflection"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultSubject = "whispercore.memories.submit"
	DefaultQueue   = "whispercore-workers"

	// DefaultRequestTimeout bounds Client.Submit when ctx has no deadline.
	// It covers a full retry budget of atomic generations.
	DefaultRequestTimeout = 20 * time.Minute
)

// Submitter is the part of reflection.Submitter the worker needs.
type Submitter interface {
	Submit(ctx context.Context, req reflection.SubmitRequest) (*memory.MemoryContent, error)
	View(ctx context.Context, m *memory.MemoryContent) (memory.View, error)
}

var _ Submitter = (*reflection.Submitter)(nil)

// Reply answers one request. On failure Error is set and the view holds
// whatever record was written, if any.
type Reply struct {
	memory.View
	Error string `json:"error,omitempty"`
}

// Worker consumes submission requests.
type Worker struct {
	nc        *nats.Conn
	subject   string
	queue     string
	submitter Submitter
	logger    *logging.Logger

	mu  sync.Mutex
	sub *nats.Subscription
	ctx context.Context
}

// NewWorker creates a Worker. Empty subject and queue use the defaults.
func NewWorker(nc *nats.Conn, subject, queue string, submitter Submitter, logger *logging.Logger) (*Worker, error) {
	if nc == nil {
		return nil, errors.New("queue: nats connection is required")
	}
	if submitter == nil {
		return nil, errors.New("queue: submitter is required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{
		nc:        nc,
		subject:   subject,
		queue:     queue,
		submitter: submitter,
		logger:    logger.Named("queue"),
	}, nil
}

// Start subscribes. Requests in flight see ctx; cancelling it aborts them.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return errors.New("queue: worker already started")
	}
	w.ctx = ctx
	sub, err := w.nc.QueueSubscribe(w.subject, w.queue, w.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.subject, err)
	}
	if err := w.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", w.subject, err)
	}
	w.sub = sub
	w.logger.Info(ctx, "worker subscribed",
		zap.String("subject", w.subject),
		zap.String("queue", w.queue))
	return nil
}

// Stop drains the subscription, letting queued requests finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub == nil {
		return nil
	}
	err := w.sub.Drain()
	w.sub = nil
	return err
}

func (w *Worker) handle(msg *nats.Msg) {
	ctx := logging.WithRequestID(w.ctx, uuid.NewString())

	var req reflection.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.logger.Warn(ctx, "invalid submission payload", zap.Error(err))
		w.respond(ctx, msg, Reply{Error: "invalid request body"})
		return
	}

	m, err := w.submitter.Submit(ctx, req)
	if err != nil {
		reply := Reply{Error: err.Error()}
		if m != nil {
			reply.View = w.view(ctx, m)
		}
		w.logger.Warn(ctx, "submission failed", zap.Error(err))
		w.respond(ctx, msg, reply)
		return
	}
	w.respond(ctx, msg, Reply{View: w.view(ctx, m)})
}

func (w *Worker) view(ctx context.Context, m *memory.MemoryContent) memory.View {
	v, err := w.submitter.View(ctx, m)
	if err != nil {
		w.logger.Error(ctx, "building record view failed", zap.Error(err))
		return memory.View{ID: m.ID, UserID: m.UserID, State: m.State, Tags: []string{}}
	}
	return v
}

func (w *Worker) respond(ctx context.Context, msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		w.logger.Error(ctx, "marshal reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		w.logger.Warn(ctx, "respond failed", zap.Error(err))
	}
}

// Client enqueues submissions and waits for their replies.
type Client struct {
	nc      *nats.Conn
	subject string
}

// NewClient returns a Client publishing to subject.
func NewClient(nc *nats.Conn, subject string) *Client {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Client{nc: nc, subject: subject}
}

// Submit sends req and waits for the worker's reply until ctx is done.
// A reply carrying an error is returned together with that error.
func (c *Client) Submit(ctx context.Context, req reflection.SubmitRequest) (Reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return Reply{}, fmt.Errorf("request %s: %w", c.subject, err)
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}
