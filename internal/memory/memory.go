// Package memory holds the journal record written by the reflection
// pipeline and the per-user keys that protect it.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/encryption"
)

// State is the lifecycle position of a record.
type State string

const (
	StatePending   State = "pending"
	StatePersisted State = "persisted"
	StateFailed    State = "failed"
)

const (
	fieldContent    = "content"
	fieldReflection = "reflection"

	// MaxWeight is the highest emotional-significance weight.
	MaxWeight = 10
)

var (
	ErrNotFound          = errors.New("memory not found")
	ErrKeyNotFound       = errors.New("user key not found")
	ErrAlreadyFinalized  = errors.New("memory already finalized")
	ErrWeightOutOfRange  = errors.New("weight out of range")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// MemoryContent is one journal entry. Content and Reflection hold
// ciphertext; use the accessors to read or write plaintext.
type MemoryContent struct {
	ID         string
	UserID     string
	SessionID  string
	Content    []byte
	Reflection []byte
	Weight     int
	Tags       []string
	State      State
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SetWeight sets the weight. Zero means unset.
func (m *MemoryContent) SetWeight(w int) error {
	if w < 0 || w > MaxWeight {
		return fmt.Errorf("%w: %d", ErrWeightOutOfRange, w)
	}
	m.Weight = w
	return nil
}

// SetContent encrypts and stores the memory text.
func (m *MemoryContent) SetContent(w *encryption.Wrapper, plaintext, key string) error {
	ct, err := w.Encrypt(fieldContent, plaintext, key)
	if err != nil {
		return err
	}
	m.Content = ct
	return nil
}

// GetContent returns the memory text, or nil if it cannot be decrypted.
func (m *MemoryContent) GetContent(ctx context.Context, w *encryption.Wrapper, key string) *string {
	return w.Decrypt(ctx, fieldContent, m.Content, key)
}

// SetReflection encrypts and stores the reflection.
func (m *MemoryContent) SetReflection(w *encryption.Wrapper, plaintext, key string) error {
	ct, err := w.Encrypt(fieldReflection, plaintext, key)
	if err != nil {
		return err
	}
	m.Reflection = ct
	return nil
}

// GetReflection returns the reflection, or nil if it is unset or cannot be
// decrypted.
func (m *MemoryContent) GetReflection(ctx context.Context, w *encryption.Wrapper, key string) *string {
	return w.Decrypt(ctx, fieldReflection, m.Reflection, key)
}

// View is the decrypted, serializable form of a record.
type View struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Content    *string   `json:"content"`
	Reflection *string   `json:"reflection"`
	Weight     int       `json:"weight"`
	Tags       []string  `json:"tags"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// View decrypts m with key. Fields that fail to decrypt are nil.
func (m *MemoryContent) View(ctx context.Context, w *encryption.Wrapper, key string) View {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return View{
		ID:         m.ID,
		UserID:     m.UserID,
		SessionID:  m.SessionID,
		Content:    m.GetContent(ctx, w, key),
		Reflection: m.GetReflection(ctx, w, key),
		Weight:     m.Weight,
		Tags:       tags,
		State:      m.State,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// Store persists records.
type Store interface {
	// Create inserts m in the pending state, assigning its ID and
	// timestamps.
	Create(ctx context.Context, m *MemoryContent) error
	// Finalize writes the outcome of a pending record exactly once.
	Finalize(ctx context.Context, m *MemoryContent) error
	Get(ctx context.Context, id string) (*MemoryContent, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*MemoryContent, error)
	ListBySession(ctx context.Context, userID, sessionID string, limit int) ([]*MemoryContent, error)
}

// KeyStore resolves per-user encryption keys.
type KeyStore interface {
	UserKey(ctx context.Context, userID string) (string, error)
	// EnsureUserKey returns the user's key, creating one if absent.
	EnsureUserKey(ctx context.Context, userID string) (string, error)
}
