package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/whispercore/internal/config"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/prompt"
	"github.com/fyrsmithlabs/whispercore/internal/queue"
	"github.com/fyrsmithlabs/whispercore/internal/reflection"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume memory submissions from NATS",
	Long: `Join the nats.queue group on nats.subject and run each submission
through the reflection pipeline. Start several workers to share the load.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logCfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := initLogger(logCfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()
		return runWorker(cmd.Context(), cfg, logger)
	},
}

var (
	submitUser    string
	submitSession string
	submitTone    string
	submitModel   string
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <content>",
	Short: "Submit a journal entry to the worker queue",
	Long: `Publish one memory submission over NATS and print the worker's reply.

Examples:
  whispercore submit --user u-123 "Long walk by the river today."`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		nc, err := connectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
		defer cancel()

		reply, err := queue.NewClient(nc, cfg.NATS.Subject).Submit(ctx, reflection.SubmitRequest{
			UserID:    submitUser,
			SessionID: submitSession,
			Request: prompt.Request{
				Content: args[0],
				Tone:    submitTone,
				Model:   submitModel,
			},
		})
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(reply); encErr != nil {
			fmt.Fprintf(os.Stderr, "failed to print reply: %v\n", encErr)
		}
		return err
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitUser, "user", "", "owning user id")
	submitCmd.Flags().StringVar(&submitSession, "session", "", "session id")
	submitCmd.Flags().StringVar(&submitTone, "tone", "", "reflection tone")
	submitCmd.Flags().StringVar(&submitModel, "model", "", "model name")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", queue.DefaultRequestTimeout, "how long to wait for the reply")
	_ = submitCmd.MarkFlagRequired("user")
}

func connectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("whispercore"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// runWorker serves submissions until ctx is cancelled, then drains.
func runWorker(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	p, err := initPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	nc, err := connectNATS(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))

	w, err := queue.NewWorker(nc, cfg.NATS.Subject, cfg.NATS.Queue, p.submitter, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(ctx, "draining worker")
	return w.Stop()
}
