package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/whispercore/internal/encryption"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/memory"
)

// maxLegacyLine bounds one exported record, tokens included.
const maxLegacyLine = 16 << 20

var importLegacyCmd = &cobra.Command{
	Use:   "import-legacy <file>",
	Short: "Import journal entries exported from the previous storage",
	Long: `import-legacy reads one JSON record per line (user_id, chat_id,
encrypted_content, model_response, tags, weight, created_at,
encryption_key, model_key) and stores each entry as it is, flagged for
migrate-keys. Use "-" to read standard input.

Examples:
  whispercore import-legacy memories.jsonl
  whispercore import-legacy - < memories.jsonl && whispercore migrate-keys`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *memory.SQLiteStore, logger *logging.Logger) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open export: %w", err)
				}
				defer f.Close()
				in = f
			}

			imported, failed, err := importLegacy(ctx, store, in, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, failed %d\n", imported, failed)
			if failed > 0 {
				return fmt.Errorf("%d records could not be imported", failed)
			}
			return nil
		})
	},
}

var migrateKeysCmd = &cobra.Command{
	Use:   "migrate-keys",
	Short: "Re-encrypt imported legacy entries under per-user keys",
	Long: `Entries brought in by import-legacy are still Fernet tokens under the
owner's old encryption and model keys. migrate-keys opens each one and
seals it again under the owner's key. Rows that fail stay flagged and
can be retried.

Examples:
  whispercore migrate-keys`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, store *memory.SQLiteStore, logger *logging.Logger) error {
			report, err := store.MigrateLegacyKeys(ctx, encryption.NewWrapper(logger.Named("encryption")))
			if err != nil {
				return fmt.Errorf("migrate keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d, failed %d\n", report.Migrated, report.Failed)
			if report.Failed > 0 {
				return fmt.Errorf("%d rows could not be migrated", report.Failed)
			}
			return nil
		})
	},
}

// withStore loads config, then runs fn against the memory store.
func withStore(cmd *cobra.Command, fn func(context.Context, *memory.SQLiteStore, *logging.Logger) error) error {
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

	store, err := memory.NewSQLiteStore(cfg.Storage.Path, logger.Named("memory"))
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()
	return fn(cmd.Context(), store, logger)
}

// importLegacy stores every record in r. Malformed or rejected lines are
// logged by number and counted; only read errors abort.
func importLegacy(ctx context.Context, store *memory.SQLiteStore, r io.Reader, logger *logging.Logger) (imported, failed int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLegacyLine)

	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec memory.LegacyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			failed++
			logger.Warn(ctx, "malformed legacy record", zap.Int("line", line), zap.Error(err))
			continue
		}
		if _, err := store.ImportLegacy(ctx, rec); err != nil {
			failed++
			logger.Warn(ctx, "legacy record rejected", zap.Int("line", line), zap.Error(err))
			continue
		}
		imported++
	}
	if err := sc.Err(); err != nil {
		return imported, failed, fmt.Errorf("read export: %w", err)
	}
	logger.Info(ctx, "legacy import finished",
		zap.Int("imported", imported),
		zap.Int("failed", failed))
	return imported, failed, nil
}
