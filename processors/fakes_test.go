package processors

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"videoQA/core"
	"videoQA/storage"
)

// fakeLLM answers Complete calls from a script and streams fixed chunks.
type fakeLLM struct {
	mu        sync.Mutex
	replies   []string
	chunks    []string
	completes int
	streams   int
	calls     [][]core.Message
}

func (f *fakeLLM) Complete(ctx context.Context, msgs []core.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes++
	f.calls = append(f.calls, msgs)
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeLLM) Stream(ctx context.Context, msgs []core.Message) (*core.AnswerStream, error) {
	f.mu.Lock()
	f.streams++
	f.calls = append(f.calls, msgs)
	chunks := append([]string(nil), f.chunks...)
	f.mu.Unlock()
	return core.NewAnswerStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		for _, c := range chunks {
			if !emit(c) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

// fakeEmbedder maps known texts to fixed vectors; unknown texts embed to
// (len(text), 0).
type fakeEmbedder struct {
	vecs  map[string][]float32
	calls atomic.Int32
}

func (f *fakeEmbedder) Dimensions() int { return 2 }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vecs[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{float32(len(t)), 0}
		}
	}
	return out, nil
}

// fakeScorer scores frame i (identified by Pix[0]) with hot[i], else cold.
type fakeScorer struct {
	hot  map[byte]float32
	cold float32
}

func (f fakeScorer) Score(ctx context.Context, frames []core.Frame, phrases []string) ([][]float32, error) {
	out := make([][]float32, len(frames))
	for i, fr := range frames {
		row := make([]float32, len(phrases))
		for j := range row {
			row[j] = f.cold
			if s, ok := f.hot[fr.Pix[0]]; ok && j == len(row)-1 {
				row[j] = s
			}
		}
		out[i] = row
	}
	return out, nil
}

type fakeSampler struct{ frames []core.Frame }

func (f fakeSampler) Sample(context.Context, string) ([]core.Frame, error) { return f.frames, nil }

type fakeTranscriber struct{ segments []string }

func (f fakeTranscriber) Transcribe(context.Context, string) ([]string, error) { return f.segments, nil }

// slowDetector returns "text-<id>" for each frame, finishing earlier frames
// last so ordering bugs show up.
type slowDetector struct{ n int }

func (d slowDetector) Detect(ctx context.Context, f core.Frame) ([]string, error) {
	id := int(f.Pix[0])
	time.Sleep(time.Duration(d.n-id) * 5 * time.Millisecond)
	return []string{"text-" + string(rune('a'+id)), " "}, nil
}

// countingIndexer returns a fixed bundle and counts calls. A non-nil gate
// holds every call until it is closed.
type countingIndexer struct {
	bundle *core.VideoBundle
	delay  time.Duration
	gate   chan struct{}
	calls  atomic.Int32
}

func (c *countingIndexer) Index(ctx context.Context, videoPath string) (*core.VideoBundle, error) {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	time.Sleep(c.delay)
	b := *c.bundle
	b.VideoPath = videoPath
	return &b, nil
}

// numberedFrames returns n frames of 2x1 whose first byte is the frame index.
func numberedFrames(n int) []core.Frame {
	frames := make([]core.Frame, n)
	for i := range frames {
		frames[i] = core.BlankFrame(2, 1)
		frames[i].Pix[0] = byte(i)
	}
	return frames
}

func flatIndex(t *testing.T, vecs ...[]float32) core.VectorIndex {
	t.Helper()
	idx, err := storage.NewFlatIndex(2, vecs)
	require.NoError(t, err)
	return idx
}

// scenarioBundle: 12 frames, 4 transcript segments, 6 text snippets laid out
// on the x axis.
func scenarioBundle(t *testing.T) *core.VideoBundle {
	t.Helper()
	texts := flatIndex(t, []float32{0, 0}, []float32{1, 0}, []float32{2, 0},
		[]float32{3, 0}, []float32{4, 0}, []float32{5, 0})
	return &core.VideoBundle{
		Key:             "scenario",
		VideoPath:       "/videos/scenario.mp4",
		Frames:          numberedFrames(12),
		Transcripts:     []string{"t0", "t1", "t2", "t3"},
		Texts:           []string{"s0", "s1", "s2", "s3", "s4", "s5"},
		TranscriptIndex: flatIndex(t, []float32{0, 0}, []float32{1, 0}, []float32{2, 0}, []float32{10, 0}),
		TextIndex:       texts,
	}
}

func scenarioEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: map[string][]float32{
		"weather discussion": {0, 0},
		"EXIT":               {5, 0},
		"ZERO":               {0.1, 0},
	}}
}

func frameIDs(frames []core.Frame) []int {
	ids := make([]int, len(frames))
	for i, f := range frames {
		ids[i] = int(f.Pix[0])
	}
	return ids
}
