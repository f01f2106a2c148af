package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/encryption"
	"go.uber.org/zap"
)

// LegacyRecord is one journal entry exported from the previous storage,
// where content and model response are Fernet tokens sealed with the
// owner's encryption key and model key respectively.
type LegacyRecord struct {
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"chat_id"`
	Content       string    `json:"encrypted_content"`
	ModelResponse string    `json:"model_response"`
	Tags          string    `json:"tags"`
	Weight        int       `json:"weight"`
	CreatedAt     time.Time `json:"created_at"`
	ContentKey    string    `json:"encryption_key"`
	ModelKey      string    `json:"model_key"`
}

// ImportLegacy stores rec as a persisted record flagged for key
// migration. The tokens are kept as they are and the owner's legacy keys
// are recorded until MigrateLegacyKeys has moved all of their rows. The
// weight is dropped when out of range.
func (s *SQLiteStore) ImportLegacy(ctx context.Context, rec LegacyRecord) (string, error) {
	switch {
	case rec.UserID == "":
		return "", errors.New("import legacy: user id is required")
	case rec.Content == "":
		return "", errors.New("import legacy: content is required")
	case rec.ContentKey == "" || rec.ModelKey == "":
		return "", errors.New("import legacy: encryption_key and model_key are required")
	}

	weight := rec.Weight
	if weight < 0 || weight > MaxWeight {
		weight = 0
	}
	tags, err := encodeTags(splitLegacyTags(rec.Tags))
	if err != nil {
		return "", err
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var reflection []byte
	if rec.ModelResponse != "" {
		reflection = []byte(rec.ModelResponse)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("import legacy: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO legacy_keys (user_id, content_key, model_key) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET content_key = excluded.content_key, model_key = excluded.model_key`,
		rec.UserID, rec.ContentKey, rec.ModelKey)
	if err != nil {
		return "", fmt.Errorf("import legacy keys: %w", err)
	}

	id := s.newID()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, session_id, content, reflection, weight, tags, state, legacy_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'persisted', 1, ?, ?)`,
		id, rec.UserID, nullString(rec.SessionID), []byte(rec.Content), reflection, weight, tags,
		formatTime(created), formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("import legacy memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("import legacy: %w", err)
	}
	s.logger.Debug(ctx, "legacy memory imported", zap.String("memory.id", id))
	return id, nil
}

// UnmarshalJSON accepts numeric user ids and created_at timestamps
// without a zone offset, which are read as UTC.
func (r *LegacyRecord) UnmarshalJSON(data []byte) error {
	type plain LegacyRecord
	aux := struct {
		*plain
		UserID    json.RawMessage `json:"user_id"`
		CreatedAt string          `json:"created_at"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.UserID = ""
	if len(aux.UserID) > 0 && string(aux.UserID) != "null" {
		if err := json.Unmarshal(aux.UserID, &r.UserID); err != nil {
			var n json.Number
			if err := json.Unmarshal(aux.UserID, &n); err != nil {
				return fmt.Errorf("user_id: %w", err)
			}
			r.UserID = n.String()
		}
	}

	r.CreatedAt = time.Time{}
	if aux.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.CreatedAt)
		if err != nil {
			t, err = time.Parse("2006-01-02T15:04:05.999999999", aux.CreatedAt)
		}
		if err != nil {
			return fmt.Errorf("created_at: %w", err)
		}
		r.CreatedAt = t
	}
	return nil
}

func splitLegacyTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// MigrationReport summarizes a MigrateLegacyKeys run.
type MigrationReport struct {
	Migrated int
	Failed   int
}

type legacyRow struct {
	id, userID          string
	content, reflection []byte
	contentKey          sql.NullString
	modelKey            sql.NullString
}

// MigrateLegacyKeys re-seals every flagged record under its owner's key.
// Content opens with the legacy encryption key. The reflection opens with
// the model key, falling back to the encryption key, which older exports
// used for both. Rows that do not open stay flagged and count as failed.
// Legacy keys are deleted once none of their owner's rows are flagged.
func (s *SQLiteStore) MigrateLegacyKeys(ctx context.Context, w *encryption.Wrapper) (MigrationReport, error) {
	var report MigrationReport

	pending, err := s.legacyRows(ctx)
	if err != nil {
		return report, err
	}

	for _, r := range pending {
		content, reflection, err := openLegacy(r)
		if err != nil {
			report.Failed++
			s.logger.Warn(ctx, "legacy memory did not open",
				zap.String("memory.id", r.id),
				zap.Error(err))
			continue
		}

		key, err := s.EnsureUserKey(ctx, r.userID)
		if err != nil {
			return report, err
		}
		m := MemoryContent{}
		if err := m.SetContent(w, content, key); err != nil {
			return report, err
		}
		if reflection != nil {
			if err := m.SetReflection(w, *reflection, key); err != nil {
				return report, err
			}
		}

		_, err = s.db.ExecContext(ctx,
			`UPDATE memories SET content = ?, reflection = ?, legacy_key = 0, updated_at = ? WHERE id = ?`,
			m.Content, m.Reflection, formatTime(time.Now()), r.id)
		if err != nil {
			return report, fmt.Errorf("update memory %s: %w", r.id, err)
		}
		report.Migrated++
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM legacy_keys WHERE user_id NOT IN (SELECT user_id FROM memories WHERE legacy_key = 1)`)
	if err != nil {
		return report, fmt.Errorf("drop legacy keys: %w", err)
	}

	s.logger.Info(ctx, "legacy key migration finished",
		zap.Int("migrated", report.Migrated),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *SQLiteStore) legacyRows(ctx context.Context) ([]legacyRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.user_id, m.content, m.reflection, k.content_key, k.model_key
		 FROM memories m LEFT JOIN legacy_keys k ON k.user_id = m.user_id
		 WHERE m.legacy_key = 1 ORDER BY m.id`)
	if err != nil {
		return nil, fmt.Errorf("query legacy rows: %w", err)
	}
	defer rows.Close()

	var out []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.userID, &r.content, &r.reflection, &r.contentKey, &r.modelKey); err != nil {
			return nil, fmt.Errorf("scan legacy row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query legacy rows: %w", err)
	}
	return out, nil
}

// openLegacy returns the plaintext of r. A nil reflection means the row
// has none.
func openLegacy(r legacyRow) (string, *string, error) {
	if !r.contentKey.Valid || !r.modelKey.Valid {
		return "", nil, fmt.Errorf("no legacy keys for user %s", r.userID)
	}
	content, err := encryption.OpenFernet(r.content, r.contentKey.String)
	if err != nil {
		return "", nil, fmt.Errorf("content: %w", err)
	}
	if len(r.reflection) == 0 {
		return content, nil, nil
	}
	reflection, err := encryption.OpenFernet(r.reflection, r.modelKey.String)
	if err != nil {
		reflection, err = encryption.OpenFernet(r.reflection, r.contentKey.String)
	}
	if err != nil {
		return "", nil, fmt.Errorf("reflection: %w", err)
	}
	return content, &reflection, nil
}
