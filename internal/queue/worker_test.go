package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/memory"
	"github.com/fyrsmithlabs/whispercore/internal/reflection"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []reflection.SubmitRequest
	err  error
	keep bool // return the record with the error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req reflection.SubmitRequest) (*memory.MemoryContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	m := &memory.MemoryContent{ID: "01MEM", UserID: req.UserID, SessionID: req.SessionID, State: memory.StatePersisted, Weight: 6}
	if f.err != nil {
		if !f.keep {
			return nil, f.err
		}
		m.State = memory.StateFailed
		m.Weight = 0
		return m, f.err
	}
	return m, nil
}

func (f *fakeSubmitter) requests() []reflection.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reflection.SubmitRequest(nil), f.reqs...)
}

func (f *fakeSubmitter) View(ctx context.Context, m *memory.MemoryContent) (memory.View, error) {
	content := "decrypted"
	return memory.View{ID: m.ID, UserID: m.UserID, SessionID: m.SessionID, Content: &content, Weight: m.Weight, State: m.State, Tags: []string{}}, nil
}

func startWorker(t *testing.T, sub Submitter) *Client {
	t.Helper()
	server := startTestNATSServer(t)

	w, err := NewWorker(connect(t, server), "", "", sub, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Stop() })

	return NewClient(connect(t, server), "")
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(nil, "", "", &fakeSubmitter{}, nil)
	assert.Error(t, err)

	server := startTestNATSServer(t)
	_, err = NewWorker(connect(t, server), "", "", nil, nil)
	assert.Error(t, err)
}

func TestWorker_Submit(t *testing.T) {
	sub := &fakeSubmitter{}
	client := startWorker(t, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := client.Submit(ctx, reflection.SubmitRequest{UserID: "u1", SessionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "01MEM", reply.ID)
	assert.Equal(t, memory.StatePersisted, reply.State)
	assert.Equal(t, 6, reply.Weight)
	require.NotNil(t, reply.Content)
	assert.Equal(t, "decrypted", *reply.Content)

	reqs := sub.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "u1", reqs[0].UserID)
	assert.Equal(t, "c1", reqs[0].SessionID)
}

func TestWorker_SubmitCarriesPromptFields(t *testing.T) {
	sub := &fakeSubmitter{}
	client := startWorker(t, sub)

	req := reflection.SubmitRequest{UserID: "u1"}
	req.Content = "A long walk."
	req.Tone = "gentle"
	req.Model = "llava"
	req.Image = "aW1n"

	_, err := client.Submit(context.Background(), req)
	require.NoError(t, err)
	reqs := sub.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, req, reqs[0])
}

func TestWorker_Rejected(t *testing.T) {
	client := startWorker(t, &fakeSubmitter{err: reflection.ErrRejected})

	reply, err := client.Submit(context.Background(), reflection.SubmitRequest{UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, reflection.ErrRejected.Error(), reply.Error)
	assert.Empty(t, reply.ID)
}

func TestWorker_FailedKeepsRecord(t *testing.T) {
	client := startWorker(t, &fakeSubmitter{err: errors.New("generate reflection: giving up"), keep: true})

	reply, err := client.Submit(context.Background(), reflection.SubmitRequest{UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, "01MEM", reply.ID)
	assert.Equal(t, memory.StateFailed, reply.State)
}

func TestWorker_InvalidPayload(t *testing.T) {
	server := startTestNATSServer(t)
	w, err := NewWorker(connect(t, server), "", "", &fakeSubmitter{}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	msg, err := connect(t, server).Request(DefaultSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), "invalid request body")
}

func TestWorker_StartTwice(t *testing.T) {
	server := startTestNATSServer(t)
	w, err := NewWorker(connect(t, server), "", "", &fakeSubmitter{}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Error(t, w.Start(context.Background()))
}

func TestWorker_QueueGroupDeliversOnce(t *testing.T) {
	server := startTestNATSServer(t)
	a, b := &fakeSubmitter{}, &fakeSubmitter{}
	for _, s := range []*fakeSubmitter{a, b} {
		w, err := NewWorker(connect(t, server), "", "", s, nil)
		require.NoError(t, err)
		require.NoError(t, w.Start(context.Background()))
		t.Cleanup(func() { w.Stop() })
	}

	client := NewClient(connect(t, server), "")
	const n = 10
	for i := 0; i < n; i++ {
		_, err := client.Submit(context.Background(), reflection.SubmitRequest{UserID: "u1"})
		require.NoError(t, err)
	}
	assert.Equal(t, n, len(a.requests())+len(b.requests()))
}
