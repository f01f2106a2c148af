package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/whispercore/internal/config"
	"github.com/fyrsmithlabs/whispercore/internal/encryption"
	"github.com/fyrsmithlabs/whispercore/internal/llm"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/memory"
	"github.com/fyrsmithlabs/whispercore/internal/prompt"
	"github.com/fyrsmithlabs/whispercore/internal/reflection"
	"github.com/fyrsmithlabs/whispercore/internal/stream"
	"github.com/fyrsmithlabs/whispercore/internal/telemetry"
)

// pipeline holds everything between the model endpoint and the store.
type pipeline struct {
	telemetry *telemetry.Telemetry
	client    *llm.Client
	service   *reflection.Service
	store     *memory.SQLiteStore
	submitter *reflection.Submitter
	logger    *logging.Logger
}

// Close releases the store and flushes telemetry.
func (p *pipeline) Close(ctx context.Context) {
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn(ctx, "failed to close store", zap.Error(err))
		}
	}
	if err := p.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
}

// initTelemetry installs the otel providers. A degraded exporter is logged
// and the process keeps running on the no-op globals.
func initTelemetry(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Unmarshal("telemetry", telCfg); err != nil {
		return nil, err
	}
	telCfg.ServiceVersion = version

	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.Degraded(); err != nil {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}
	return tel, nil
}

// initPipeline wires client, retrier, service, store and submitter.
func initPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pipeline, error) {
	tel, err := initTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	p := &pipeline{telemetry: tel, logger: logger}

	zl := logger.Underlying()
	llmMetrics := llm.NewMetrics(zl)

	p.client, err = llm.NewClient(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey.Value(),
		Timeout:       cfg.LLM.Timeout.Duration(),
		HealthTimeout: cfg.LLM.HealthTimeout.Duration(),
		IdleTimeout:   cfg.Stream.IdleTimeout.Duration(),
		RateLimit:     cfg.LLM.RateLimit,
		Burst:         cfg.LLM.Burst,
	}, llm.WithLogger(zl.Named("llm")), llm.WithMetrics(llmMetrics))
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	retrier := llm.NewRetrier(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay.Duration(), zl.Named("retry"))
	retrier.Metrics = llmMetrics

	p.service, err = reflection.NewService(p.client,
		reflection.WithComposer(prompt.NewComposer(cfg.Prompt.DefaultTone, cfg.Prompt.VisionModels)),
		reflection.WithRetrier(retrier),
		reflection.WithDefaultModel(cfg.LLM.Model),
		reflection.WithLogger(logger.Named("reflection")),
		reflection.WithStreamMetrics(stream.NewMetrics(zl)),
	)
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("failed to create reflection service: %w", err)
	}

	p.store, err = memory.NewSQLiteStore(cfg.Storage.Path, logger.Named("memory"))
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	wrapper := encryption.NewWrapper(logger.Named("encryption"))
	p.submitter = reflection.NewSubmitter(p.service, p.store, p.store, wrapper)

	logger.Info(ctx, "pipeline initialized",
		zap.String("llm_base_url", cfg.LLM.BaseURL),
		zap.String("model", cfg.LLM.Model),
		logging.Secret("llm_api_key", cfg.LLM.APIKey),
		zap.Int("max_attempts", cfg.Retry.MaxAttempts),
		zap.String("storage_path", cfg.Storage.Path))
	return p, nil
}
