// Package reflection runs the reflection pipeline: prompt composition,
// supervised generation, live filtering and extraction, and the
// encrypted submission of a memory.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/fyrsmithlabs/whispercore/internal/extraction"
	"github.com/fyrsmithlabs/whispercore/internal/llm"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/prompt"
	"github.com/fyrsmithlabs/whispercore/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/whispercore/internal/reflection"

	// DefaultModel is used when neither the request nor the service names one.
	DefaultModel = "llama3:8b"
)

// ErrRejected is returned for requests with no memory text. The model is
// never called for them.
var ErrRejected = errors.New("memory content is empty")

// Generator is the transport the service drives. *llm.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)
	GenerateStream(ctx context.Context, req llm.GenerateRequest) iter.Seq2[string, error]
}

var _ Generator = (*llm.Client)(nil)

// Service exposes the reflection operations.
type Service struct {
	gen          Generator
	composer     *prompt.Composer
	retrier      *llm.Retrier
	extractor    *extraction.Extractor
	runner       *stream.Runner
	defaultModel string

	logger  *logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithComposer sets the prompt composer.
func WithComposer(c *prompt.Composer) Option {
	return func(s *Service) { s.composer = c }
}

// WithRetrier sets the retry supervisor shared by atomic and streamed calls.
func WithRetrier(r *llm.Retrier) Option {
	return func(s *Service) { s.retrier = r }
}

// WithExtractor sets the extraction engine.
func WithExtractor(e *extraction.Extractor) Option {
	return func(s *Service) { s.extractor = e }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(s *Service) { s.defaultModel = model }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStreamMetrics sets the chunk counter used by streams.
func WithStreamMetrics(m *stream.Metrics) Option {
	return func(s *Service) { s.runner.Metrics = m }
}

// NewService creates a Service around gen.
func NewService(gen Generator, opts ...Option) (*Service, error) {
	if gen == nil {
		return nil, errors.New("reflection: generator is required")
	}
	s := &Service{
		gen:          gen,
		composer:     prompt.NewComposer("", nil),
		extractor:    extraction.Default(),
		runner:       &stream.Runner{},
		defaultModel: DefaultModel,
		logger:       logging.NewNop(),
		tracer:       otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retrier == nil {
		s.retrier = llm.NewRetrier(0, -1, s.logger.Underlying())
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(s.logger)
	}

	s.runner.Retrier = s.retrier
	s.runner.Extractor = s.extractor
	s.runner.Logger = s.logger.Underlying()
	return s, nil
}

func (s *Service) model(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return s.defaultModel
}

// GenerateReflectionWeightAndTags returns the reflection, weight and tags
// for req in one blocking call.
func (s *Service) GenerateReflectionWeightAndTags(ctx context.Context, req prompt.Request) (extraction.Result, error) {
	if strings.TrimSpace(req.Content) == "" {
		return extraction.Result{}, ErrRejected
	}
	req.Model = s.model(req.Model)
	tone := s.composer.Tone(req)

	ctx, span := s.tracer.Start(ctx, "reflection.generate", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.String("tone", tone),
		attribute.Bool("image", req.Image != ""),
	))
	defer span.End()

	p := s.composer.Compose(req)
	text, err := s.complete(ctx, llm.GenerateRequest{Prompt: p.Text, Model: req.Model, Images: p.Images})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, "reflection generation failed", zap.String("model", req.Model), zap.Error(err))
		return extraction.Result{}, err
	}

	res := s.extractor.Extract(text)
	s.metrics.RecordWeight(ctx, res.Weight)
	span.SetAttributes(attribute.Int("weight", res.Weight), attribute.Int("tags", len(res.Tags)))
	s.logger.Debug(ctx, "reflection generated",
		zap.Int("weight", res.Weight),
		logging.TextLen("reflection", res.Reflection))
	return res, nil
}

// GenerateReflectionAndWeightStream returns live filtered chunks followed
// by exactly one complete or error event. Stopping iteration cancels the
// upstream request.
func (s *Service) GenerateReflectionAndWeightStream(ctx context.Context, req prompt.Request) iter.Seq[stream.Event] {
	tone := s.composer.Tone(req)
	if strings.TrimSpace(req.Content) == "" {
		return func(yield func(stream.Event) bool) {
			yield(stream.Event{Type: stream.EventError, Error: ErrRejected.Error(), Tone: tone})
		}
	}
	req.Model = s.model(req.Model)
	p := s.composer.Compose(req)
	genReq := llm.GenerateRequest{Prompt: p.Text, Model: req.Model, Images: p.Images}

	return func(yield func(stream.Event) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx, span := s.tracer.Start(ctx, "reflection.stream", trace.WithAttributes(
			attribute.String("model", req.Model),
			attribute.String("tone", tone),
		))
		defer span.End()

		src := func(ctx context.Context) iter.Seq2[string, error] {
			return s.gen.GenerateStream(ctx, genReq)
		}
		for ev := range s.runner.Run(ctx, tone, src) {
			switch ev.Type {
			case stream.EventComplete:
				s.metrics.RecordWeight(ctx, ev.Weight)
				span.SetAttributes(attribute.Int("weight", ev.Weight), attribute.Int("attempt", ev.Attempt))
			case stream.EventError:
				span.SetStatus(codes.Error, ev.Error)
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// GenerateWithLongPolling sends promptText as is and returns the
// unstructured completion, retrying like the structured calls.
func (s *Service) GenerateWithLongPolling(ctx context.Context, promptText, model string) (string, error) {
	if strings.TrimSpace(promptText) == "" {
		return "", ErrRejected
	}
	model = s.model(model)

	ctx, span := s.tracer.Start(ctx, "reflection.long_poll", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	text, err := s.complete(ctx, llm.GenerateRequest{Prompt: promptText, Model: model})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	s.logger.Info(ctx, "completion generated", logging.TextLen("completion", text))
	return text, nil
}

// complete runs one supervised atomic generation and returns the text of
// the first valid response.
func (s *Service) complete(ctx context.Context, req llm.GenerateRequest) (string, error) {
	var text string
	err := s.retrier.Do(ctx, "generate", func(ctx context.Context, attempt int) error {
		s.logger.Debug(ctx, "generation attempt", zap.Int("attempt", attempt), zap.String("model", req.Model))
		resp, err := s.gen.Generate(ctx, req)
		if err != nil {
			return err
		}
		if err := resp.Validate(); err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate reflection: %w", err)
	}
	return text, nil
}
