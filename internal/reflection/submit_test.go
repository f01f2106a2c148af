package reflection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/whispercore/internal/encryption"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/memory"
	"github.com/fyrsmithlabs/whispercore/internal/prompt"
	"github.com/fyrsmithlabs/whispercore/internal/sanitize"
	"github.com/fyrsmithlabs/whispercore/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const journal = "Had a wonderful day at the beach with my family."

type submitFixture struct {
	gen       *fakeGenerator
	store     *memory.SQLiteStore
	submitter *Submitter
	logger    *logging.TestLogger
}

func newSubmitFixture(t *testing.T, gen *fakeGenerator) *submitFixture {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memories.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc, _ := newTestService(t, gen)
	logger := logging.NewTestLogger()
	svc.logger = logger.Logger

	return &submitFixture{
		gen:       gen,
		store:     store,
		submitter: NewSubmitter(svc, store, store, encryption.NewWrapper(logger.Logger)),
		logger:    logger,
	}
}

// flakyStore fails every finalize to the persisted state.
type flakyStore struct {
	memory.Store
}

var errStoreDown = errors.New("store unavailable")

func (s flakyStore) Finalize(ctx context.Context, m *memory.MemoryContent) error {
	if m.State == memory.StatePersisted {
		return errStoreDown
	}
	return s.Store.Finalize(ctx, m)
}

func (f *submitFixture) failPersist() {
	f.submitter.store = flakyStore{Store: f.store}
}

func (f *submitFixture) view(t *testing.T, id string) memory.View {
	t.Helper()
	m, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	v, err := f.submitter.View(context.Background(), m)
	require.NoError(t, err)
	return v
}

func TestSubmit_Persisted(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{atomic: []atomicReply{done(scenarioA)}})

	m, err := f.submitter.Submit(context.Background(), SubmitRequest{
		UserID:    "u1",
		SessionID: "chat-1",
		Request:   prompt.Request{Content: journal, Tone: "empathetic"},
	})
	require.NoError(t, err)
	assert.Equal(t, memory.StatePersisted, m.State)

	v := f.view(t, m.ID)
	require.NotNil(t, v.Content)
	assert.Equal(t, journal, *v.Content)
	require.NotNil(t, v.Reflection)
	assert.Equal(t, "This sounds like a joyful, connecting moment.", *v.Reflection)
	assert.Equal(t, 8, v.Weight)
	assert.Equal(t, []string{"family", "joy", "beach"}, v.Tags)
	assert.Equal(t, "chat-1", v.SessionID)

	stored, err := f.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Content), "beach")
	assert.NotContains(t, string(stored.Reflection), "joyful")

	f.logger.AssertLogged(t, zapcore.DebugLevel, "submission step")
	f.logger.AssertNoText(t, journal)
	f.logger.AssertNoText(t, "joyful, connecting")
}

func TestSubmit_StepsInOrder(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{atomic: []atomicReply{done(scenarioA)}})

	_, err := f.submitter.Submit(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: journal}})
	require.NoError(t, err)

	var steps []string
	for _, e := range f.logger.FilterMessage("submission step").All() {
		steps = append(steps, e.ContextMap()["step"].(string))
	}
	assert.Equal(t, []string{
		stepReceived, stepEncryptingContent, stepPrompting, stepAwaitingModel,
		stepExtracting, stepEncryptingReflection, stepPersisted,
	}, steps)
}

func TestSubmit_Rejected(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{})

	m, err := f.submitter.Submit(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: "  "}})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Nil(t, m)
	assert.Zero(t, f.gen.calls())

	rows, err := f.store.ListByUser(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSubmit_InvalidIDs(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing user", SubmitRequest{Request: prompt.Request{Content: journal}}},
		{"user with slash", SubmitRequest{UserID: "u/1", Request: prompt.Request{Content: journal}}},
		{"session with spaces", SubmitRequest{UserID: "u1", SessionID: "a b", Request: prompt.Request{Content: journal}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSubmitFixture(t, &fakeGenerator{})
			m, err := f.submitter.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, sanitize.ErrInvalidID)
			assert.Nil(t, m)
			assert.Zero(t, f.gen.calls())
		})
	}
}

func TestSubmit_FailedAfterRetries(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{atomic: []atomicReply{done("")}})

	m, err := f.submitter.Submit(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: journal}})
	require.Error(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3, f.gen.calls())

	v := f.view(t, m.ID)
	assert.Equal(t, memory.StateFailed, v.State)
	require.NotNil(t, v.Content)
	assert.Equal(t, journal, *v.Content)
	assert.Nil(t, v.Reflection)
	assert.Zero(t, v.Weight)
	assert.Empty(t, v.Tags)
}

func TestSubmit_PersistErrorMarksFailed(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{atomic: []atomicReply{done(scenarioA)}})
	f.failPersist()

	m, err := f.submitter.Submit(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: journal}})
	require.ErrorIs(t, err, errStoreDown)
	require.NotNil(t, m)

	v := f.view(t, m.ID)
	assert.Equal(t, memory.StateFailed, v.State)
	assert.Nil(t, v.Reflection)
	assert.Zero(t, v.Weight)
	f.logger.AssertNotLogged(t, zapcore.ErrorLevel, "failed to finalize memory")
}

func TestSubmit_ReusesUserKey(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{atomic: []atomicReply{done(scenarioA)}})
	ctx := context.Background()

	a, err := f.submitter.Submit(ctx, SubmitRequest{UserID: "u1", Request: prompt.Request{Content: "first"}})
	require.NoError(t, err)
	b, err := f.submitter.Submit(ctx, SubmitRequest{UserID: "u1", Request: prompt.Request{Content: "second"}})
	require.NoError(t, err)

	key, err := f.store.UserKey(ctx, "u1")
	require.NoError(t, err)
	w := encryption.NewWrapper(nil)
	for _, m := range []*memory.MemoryContent{a, b} {
		assert.NotNil(t, m.GetContent(ctx, w, key))
		assert.NotNil(t, m.GetReflection(ctx, w, key))
	}
}

func TestSubmitStream_Persisted(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{streams: [][]string{{"This sounds like a joyful, ", "connecting moment. Wei", "ght: 8\nTAGS: family, joy, beach"}}})

	m, seq, err := f.submitter.SubmitStream(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: journal}})
	require.NoError(t, err)
	assert.Equal(t, memory.StatePending, f.view(t, m.ID).State)

	events := collect(seq)
	last := events[len(events)-1]
	require.Equal(t, stream.EventComplete, last.Type)

	v := f.view(t, m.ID)
	assert.Equal(t, memory.StatePersisted, v.State)
	require.NotNil(t, v.Reflection)
	assert.Equal(t, last.Reflection, *v.Reflection)
	assert.Equal(t, 8, v.Weight)
}

func TestSubmitStream_ErrorMarksFailed(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{streams: [][]string{{}}})

	m, seq, err := f.submitter.SubmitStream(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: journal}})
	require.NoError(t, err)

	events := collect(seq)
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.Equal(t, memory.StateFailed, f.view(t, m.ID).State)
}

func TestSubmitStream_PersistErrorMarksFailed(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{streams: [][]string{{"A steady day. ", "Weight: 5\nTAGS: work"}}})
	f.failPersist()

	m, seq, err := f.submitter.SubmitStream(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: journal}})
	require.NoError(t, err)

	events := collect(seq)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, memory.StateFailed, f.view(t, m.ID).State)
}

func TestSubmitStream_EarlyStopMarksFailed(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{streams: [][]string{{"One. ", "Two. ", "Three."}}})

	m, seq, err := f.submitter.SubmitStream(context.Background(), SubmitRequest{UserID: "u1", Request: prompt.Request{Content: journal}})
	require.NoError(t, err)

	for range seq {
		break
	}
	assert.Equal(t, memory.StateFailed, f.view(t, m.ID).State)
}

func TestSubmitStream_Rejected(t *testing.T) {
	f := newSubmitFixture(t, &fakeGenerator{})

	m, seq, err := f.submitter.SubmitStream(context.Background(), SubmitRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Nil(t, m)
	assert.Nil(t, seq)
}
