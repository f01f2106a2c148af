package reflection

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/extraction"
	"github.com/fyrsmithlabs/whispercore/internal/llm"
	"github.com/fyrsmithlabs/whispercore/internal/prompt"
	"github.com/fyrsmithlabs/whispercore/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioA = "This sounds like a joyful, connecting moment. Weight: 8\nTAGS: family, joy, beach"

// fakeGenerator replays scripted upstream behavior, one entry per call.
type fakeGenerator struct {
	mu       sync.Mutex
	atomic   []atomicReply
	streams  [][]string
	requests []llm.GenerateRequest
}

type atomicReply struct {
	resp *llm.GenerateResponse
	err  error
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.atomic) == 0 {
		return nil, &llm.TransportError{Op: "generate", Err: errors.New("no reply scripted")}
	}
	r := f.atomic[0]
	if len(f.atomic) > 1 {
		f.atomic = f.atomic[1:]
	}
	return r.resp, r.err
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, req llm.GenerateRequest) iter.Seq2[string, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var frags []string
	if len(f.streams) > 0 {
		frags = f.streams[0]
		if len(f.streams) > 1 {
			f.streams = f.streams[1:]
		}
	}
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, frag := range frags {
			if ctx.Err() != nil {
				yield("", &llm.TransportError{Op: "generate_stream", Err: ctx.Err()})
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func done(text string) atomicReply {
	return atomicReply{resp: &llm.GenerateResponse{Text: text, Done: true}}
}

func newTestService(t *testing.T, gen Generator) (*Service, *[]time.Duration) {
	t.Helper()
	var sleeps []time.Duration
	r := llm.NewRetrier(3, time.Second, nil)
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	svc, err := NewService(gen, WithRetrier(r))
	require.NoError(t, err)
	return svc, &sleeps
}

func collect(seq iter.Seq[stream.Event]) []stream.Event {
	var out []stream.Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func TestNewService_RequiresGenerator(t *testing.T) {
	_, err := NewService(nil)
	assert.Error(t, err)
}

func TestGenerateReflectionWeightAndTags_ScenarioA(t *testing.T) {
	gen := &fakeGenerator{atomic: []atomicReply{done(scenarioA)}}
	svc, _ := newTestService(t, gen)

	res, err := svc.GenerateReflectionWeightAndTags(context.Background(), prompt.Request{
		Content: "Had a wonderful day at the beach with my family.",
		Tone:    "empathetic",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.Result{
		Reflection: "This sounds like a joyful, connecting moment.",
		Weight:     8,
		Tags:       []string{"family", "joy", "beach"},
	}, res)

	require.Len(t, gen.requests, 1)
	assert.Equal(t, DefaultModel, gen.requests[0].Model)
	assert.Contains(t, gen.requests[0].Prompt, "Had a wonderful day at the beach with my family.")
	assert.Contains(t, gen.requests[0].Prompt, "empathetic")
}

func TestGenerateReflectionWeightAndTags_ScenarioB(t *testing.T) {
	gen := &fakeGenerator{atomic: []atomicReply{done("What a meaningful moment 11")}}
	svc, _ := newTestService(t, gen)

	res, err := svc.GenerateReflectionWeightAndTags(context.Background(), prompt.Request{Content: "x"})
	require.NoError(t, err)
	assert.Zero(t, res.Weight)
	assert.Equal(t, "What a meaningful moment", res.Reflection)
	assert.NotNil(t, res.Tags)
}

func TestGenerateReflectionWeightAndTags_ScenarioC(t *testing.T) {
	gen := &fakeGenerator{atomic: []atomicReply{done("")}}
	svc, sleeps := newTestService(t, gen)

	_, err := svc.GenerateReflectionWeightAndTags(context.Background(), prompt.Request{Content: "x"})
	require.Error(t, err)

	var ve *llm.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, 3, gen.calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestGenerateReflectionWeightAndTags_RetriesThenSucceeds(t *testing.T) {
	gen := &fakeGenerator{atomic: []atomicReply{
		{err: &llm.TransportError{Op: "generate", StatusCode: 503, Err: errors.New("unavailable")}},
		{resp: &llm.GenerateResponse{Text: "partial", Done: false}},
		done(scenarioA),
	}}
	svc, sleeps := newTestService(t, gen)

	res, err := svc.GenerateReflectionWeightAndTags(context.Background(), prompt.Request{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Weight)
	assert.Equal(t, 3, gen.calls())
	assert.Len(t, *sleeps, 2)
}

func TestGenerateReflectionWeightAndTags_Rejected(t *testing.T) {
	gen := &fakeGenerator{}
	svc, _ := newTestService(t, gen)

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := svc.GenerateReflectionWeightAndTags(context.Background(), prompt.Request{Content: content})
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Zero(t, gen.calls())
}

func TestGenerateReflectionWeightAndTags_ImageRouting(t *testing.T) {
	tests := []struct {
		model      string
		wantImages bool
	}{
		{"llava:13b", true},
		{"llama3:8b", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			gen := &fakeGenerator{atomic: []atomicReply{done(scenarioA)}}
			svc, _ := newTestService(t, gen)

			_, err := svc.GenerateReflectionWeightAndTags(context.Background(), prompt.Request{
				Content: "A photo from the lake.", Model: tt.model, Image: "aGVsbG8=",
			})
			require.NoError(t, err)

			req := gen.requests[0]
			assert.Equal(t, tt.model, req.Model)
			if tt.wantImages {
				assert.Equal(t, []string{"aGVsbG8="}, req.Images)
				assert.NotContains(t, req.Prompt, "aGVsbG8=")
			} else {
				assert.Empty(t, req.Images)
				assert.Contains(t, req.Prompt, "aGVsbG8=")
			}
		})
	}
}

func TestGenerateReflectionAndWeightStream_MatchesAtomic(t *testing.T) {
	tests := []struct {
		name string
		text string
		// Numbers 1-10 are hidden from live chunks but kept in the
		// stored reflection.
		shownMatches bool
	}{
		{name: "no digits", text: scenarioA, shownMatches: true},
		{name: "digits in text", text: "You ran 5 miles with your sister today. Weight: 7\nTAGS: running, family"},
		{name: "weight phrase", text: "Two hard days, 3 calls and still you showed up. The weight is 6 out of 10 TAGS: effort"},
	}
	req := prompt.Request{Content: "Had a wonderful day at the beach with my family.", Tone: "warm"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atomicGen := &fakeGenerator{atomic: []atomicReply{done(tt.text)}}
			atomicSvc, _ := newTestService(t, atomicGen)
			want, err := atomicSvc.GenerateReflectionWeightAndTags(context.Background(), req)
			require.NoError(t, err)

			for _, size := range []int{1, 2, 5, 11, len(tt.text)} {
				var frags []string
				for s := tt.text; s != ""; {
					n := min(size, len(s))
					frags = append(frags, s[:n])
					s = s[n:]
				}
				gen := &fakeGenerator{streams: [][]string{frags}}
				svc, _ := newTestService(t, gen)

				events := collect(svc.GenerateReflectionAndWeightStream(context.Background(), req))
				require.NotEmpty(t, events)

				var shown strings.Builder
				for _, ev := range events[:len(events)-1] {
					require.Equal(t, stream.EventChunk, ev.Type)
					assert.Equal(t, "warm", ev.Tone)
					shown.WriteString(ev.Content)
				}
				last := events[len(events)-1]
				require.Equal(t, stream.EventComplete, last.Type, "size %d", size)
				assert.Equal(t, want, extraction.Result{Reflection: last.Reflection, Weight: last.Weight, Tags: last.Tags}, "size %d", size)
				if tt.shownMatches {
					assert.Equal(t, want.Reflection, strings.TrimSpace(shown.String()))
				}
				assert.NotContains(t, shown.String(), "TAGS")
				assert.NotContains(t, strings.ToLower(shown.String()), "weight")
			}
		})
	}
}

func TestGenerateReflectionAndWeightStream_ScenarioC(t *testing.T) {
	gen := &fakeGenerator{streams: [][]string{{}}}
	svc, sleeps := newTestService(t, gen)

	events := collect(svc.GenerateReflectionAndWeightStream(context.Background(), prompt.Request{Content: "x"}))
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.True(t, events[0].Terminal())
	assert.Equal(t, 3, gen.calls())
	assert.Len(t, *sleeps, 2)
}

func TestGenerateReflectionAndWeightStream_Rejected(t *testing.T) {
	gen := &fakeGenerator{}
	svc, _ := newTestService(t, gen)

	events := collect(svc.GenerateReflectionAndWeightStream(context.Background(), prompt.Request{Content: " "}))
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.Equal(t, ErrRejected.Error(), events[0].Error)
	assert.Zero(t, gen.calls())
}

func TestGenerateWithLongPolling(t *testing.T) {
	gen := &fakeGenerator{atomic: []atomicReply{
		{err: &llm.TimeoutError{Op: "generate", Budget: time.Second}},
		done("Plain completion with Weight: 3 left intact"),
	}}
	svc, _ := newTestService(t, gen)

	text, err := svc.GenerateWithLongPolling(context.Background(), "Summarize my week.", "mistral")
	require.NoError(t, err)
	assert.Equal(t, "Plain completion with Weight: 3 left intact", text)
	require.Len(t, gen.requests, 2)
	assert.Equal(t, "Summarize my week.", gen.requests[1].Prompt)
	assert.Equal(t, "mistral", gen.requests[1].Model)
}

func TestGenerateWithLongPolling_Exhausted(t *testing.T) {
	gen := &fakeGenerator{atomic: []atomicReply{{err: &llm.TransportError{Op: "generate", Err: errors.New("refused")}}}}
	svc, _ := newTestService(t, gen)

	_, err := svc.GenerateWithLongPolling(context.Background(), "hi", "")
	var te *llm.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, gen.calls())
}
