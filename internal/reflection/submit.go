package reflection

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/fyrsmithlabs/whispercore/internal/encryption"
	"github.com/fyrsmithlabs/whispercore/internal/extraction"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/memory"
	"github.com/fyrsmithlabs/whispercore/internal/prompt"
	"github.com/fyrsmithlabs/whispercore/internal/sanitize"
	"github.com/fyrsmithlabs/whispercore/internal/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Submission steps, logged at debug as a record moves through them.
const (
	stepReceived             = "received"
	stepEncryptingContent    = "encrypting(content)"
	stepPrompting            = "prompting"
	stepAwaitingModel        = "awaiting-model"
	stepStreaming            = "streaming"
	stepExtracting           = "extracting"
	stepEncryptingReflection = "encrypting(reflection)"
	stepPersisted            = "persisted"
	stepRejected             = "rejected"
	stepFailed               = "failed"
)

// SubmitRequest is one memory submission.
type SubmitRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	prompt.Request
}

// ValidateIDs checks the user and session identifiers.
func (r SubmitRequest) ValidateIDs() error {
	if err := sanitize.ValidateRequiredID(r.UserID, "user_id"); err != nil {
		return err
	}
	return sanitize.ValidateID(r.SessionID, "session_id")
}

// Submitter writes a memory, asks for its reflection and persists the
// encrypted outcome.
type Submitter struct {
	svc     *Service
	store   memory.Store
	keys    memory.KeyStore
	wrapper *encryption.Wrapper
	logger  *logging.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(svc *Service, store memory.Store, keys memory.KeyStore, wrapper *encryption.Wrapper) *Submitter {
	if wrapper == nil {
		wrapper = encryption.NewWrapper(svc.logger)
	}
	return &Submitter{
		svc:     svc,
		store:   store,
		keys:    keys,
		wrapper: wrapper,
		logger:  svc.logger.Named("submit"),
	}
}

func (s *Submitter) step(ctx context.Context, m *memory.MemoryContent, step string) {
	fields := []zap.Field{zap.String("step", step)}
	if m != nil && m.ID != "" && logging.MemoryIDFromContext(ctx) == "" {
		fields = append(fields, zap.String("memory.id", m.ID))
	}
	s.logger.Debug(ctx, "submission step", fields...)
}

// prepare validates req and writes the pending record.
func (s *Submitter) prepare(ctx context.Context, req SubmitRequest) (*memory.MemoryContent, string, error) {
	s.step(ctx, nil, stepReceived)
	if strings.TrimSpace(req.Content) == "" {
		s.step(ctx, nil, stepRejected)
		s.svc.metrics.RecordSubmission(ctx, stepRejected)
		return nil, "", ErrRejected
	}
	if err := req.ValidateIDs(); err != nil {
		return nil, "", fmt.Errorf("submit: %w", err)
	}

	key, err := s.keys.EnsureUserKey(ctx, req.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("submit: user key: %w", err)
	}

	m := &memory.MemoryContent{UserID: req.UserID, SessionID: req.SessionID}
	s.step(ctx, m, stepEncryptingContent)
	if err := m.SetContent(s.wrapper, req.Content, key); err != nil {
		return nil, "", fmt.Errorf("submit: %w", err)
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, "", fmt.Errorf("submit: %w", err)
	}
	ctx = logging.WithMemoryID(ctx, m.ID)
	s.step(ctx, m, stepPrompting)
	return m, key, nil
}

// persist seals the result and finalizes m as persisted. On error m has
// been finalized as failed, if the store allowed it.
func (s *Submitter) persist(ctx context.Context, m *memory.MemoryContent, key string, res extraction.Result) error {
	s.step(ctx, m, stepEncryptingReflection)
	if err := m.SetReflection(s.wrapper, res.Reflection, key); err != nil {
		s.fail(ctx, m)
		return fmt.Errorf("submit: %w", err)
	}
	if err := m.SetWeight(res.Weight); err != nil {
		// Extraction only yields weights in range.
		m.Weight = 0
	}
	m.Tags = res.Tags
	m.State = memory.StatePersisted
	if err := s.store.Finalize(ctx, m); err != nil {
		s.fail(ctx, m)
		return fmt.Errorf("submit: %w", err)
	}
	s.step(ctx, m, stepPersisted)
	s.svc.metrics.RecordSubmission(ctx, stepPersisted)
	return nil
}

// fail finalizes m as failed with no reflection. The write survives a
// cancelled caller.
func (s *Submitter) fail(ctx context.Context, m *memory.MemoryContent) {
	ctx = context.WithoutCancel(ctx)
	m.Reflection = nil
	m.Weight = 0
	m.Tags = nil
	m.State = memory.StateFailed
	if err := s.store.Finalize(ctx, m); err != nil {
		s.logger.Error(ctx, "failed to finalize memory", zap.Error(err))
		return
	}
	s.step(ctx, m, stepFailed)
	s.svc.metrics.RecordSubmission(ctx, stepFailed)
}

// Submit runs one submission to completion. On generation failure the
// record is still returned, finalized as failed, together with the error.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*memory.MemoryContent, error) {
	ctx, span := s.svc.tracer.Start(ctx, "reflection.submit", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
	))
	defer span.End()
	ctx = logging.WithUserID(ctx, req.UserID)

	m, key, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithMemoryID(ctx, m.ID)
	span.SetAttributes(attribute.String("memory.id", m.ID))

	s.step(ctx, m, stepAwaitingModel)
	res, err := s.svc.GenerateReflectionWeightAndTags(ctx, req.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, m)
		return m, err
	}

	s.step(ctx, m, stepExtracting)
	if err := s.persist(ctx, m, key, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return m, err
	}
	return m, nil
}

// SubmitStream writes the pending record and returns it with the live
// event sequence for its reflection. The record is finalized when the
// terminal event is produced, or as failed if iteration stops early.
func (s *Submitter) SubmitStream(ctx context.Context, req SubmitRequest) (*memory.MemoryContent, iter.Seq[stream.Event], error) {
	ctx = logging.WithUserID(ctx, req.UserID)
	m, key, err := s.prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	ctx = logging.WithMemoryID(ctx, m.ID)

	seq := func(yield func(stream.Event) bool) {
		finalized := false
		defer func() {
			if !finalized {
				s.fail(ctx, m)
			}
		}()

		s.step(ctx, m, stepStreaming)
		for ev := range s.svc.GenerateReflectionAndWeightStream(ctx, req.Request) {
			switch ev.Type {
			case stream.EventComplete:
				s.step(ctx, m, stepExtracting)
				res := extraction.Result{Reflection: ev.Reflection, Weight: ev.Weight, Tags: ev.Tags}
				if err := s.persist(ctx, m, key, res); err != nil {
					finalized = true
					s.logger.Error(ctx, "failed to persist streamed reflection", zap.Error(err))
					yield(stream.Event{Type: stream.EventError, Error: err.Error(), Attempt: ev.Attempt, Tone: ev.Tone})
					return
				}
				finalized = true
			case stream.EventError:
				s.fail(ctx, m)
				finalized = true
			}
			if !yield(ev) {
				return
			}
		}
	}
	return m, seq, nil
}

// View decrypts m for its owner.
func (s *Submitter) View(ctx context.Context, m *memory.MemoryContent) (memory.View, error) {
	key, err := s.ownerKey(ctx, m.UserID)
	if err != nil {
		return memory.View{}, err
	}
	return m.View(ctx, s.wrapper, key), nil
}

// Get returns one of userID's memories. A record owned by another user is
// reported as not found.
func (s *Submitter) Get(ctx context.Context, userID, id string) (memory.View, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return memory.View{}, err
	}
	if m.UserID != userID {
		return memory.View{}, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	return s.View(ctx, m)
}

// List returns userID's memories newest first, limited to sessionID when
// it is set. Records that do not decrypt are listed with nil content and
// reflection.
func (s *Submitter) List(ctx context.Context, userID, sessionID string, limit int) ([]memory.View, error) {
	var (
		rows []*memory.MemoryContent
		err  error
	)
	if sessionID == "" {
		rows, err = s.store.ListByUser(ctx, userID, limit)
	} else {
		rows, err = s.store.ListBySession(ctx, userID, sessionID, limit)
	}
	if err != nil {
		return nil, err
	}

	views := make([]memory.View, 0, len(rows))
	if len(rows) == 0 {
		return views, nil
	}
	key, err := s.ownerKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		views = append(views, m.View(ctx, s.wrapper, key))
	}
	return views, nil
}

// ownerKey returns the user's key, or "" for a user who has none yet.
// Imported records can exist before their owner's key does; they read as
// undecryptable.
func (s *Submitter) ownerKey(ctx context.Context, userID string) (string, error) {
	key, err := s.keys.UserKey(ctx, userID)
	if errors.Is(err, memory.ErrKeyNotFound) {
		return "", nil
	}
	return key, err
}
