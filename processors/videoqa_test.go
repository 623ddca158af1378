package processors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoQA/core"
	"videoQA/storage"
)

type qaFixture struct {
	qa      *VideoQA
	llm     *fakeLLM
	indexer *countingIndexer
	store   *storage.FileBundleStore
	video   string
}

func newQAFixture(t *testing.T, store *storage.FileBundleStore) *qaFixture {
	t.Helper()
	if store == nil {
		var err error
		store, err = storage.NewFileBundleStore(t.TempDir(), storage.IndexCodec{})
		require.NoError(t, err)
	}
	video := filepath.Join(t.TempDir(), "scenario.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0644))

	llm := &fakeLLM{}
	idx := &countingIndexer{bundle: scenarioBundle(t), delay: 20 * time.Millisecond}
	qa := NewVideoQA(idx, store, storage.NewLocalLock(),
		NewQueryPlanner(llm),
		NewRetriever(scenarioEmbedder(), nil, RetrieverOptions{}),
		NewSynthesizer(llm))
	return &qaFixture{qa: qa, llm: llm, indexer: idx, store: store, video: video}
}

func TestVideoQAInputErrors(t *testing.T) {
	f := newQAFixture(t, nil)
	ctx := context.Background()

	_, err := f.qa.Load(ctx, "  ")
	assert.ErrorIs(t, err, core.ErrEmptyPath)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = f.qa.Load(ctx, filepath.Join(t.TempDir(), "missing.mp4"))
	assert.ErrorIs(t, err, core.ErrVideoNotFound)

	_, err = f.qa.Ask(ctx, "anything?")
	assert.ErrorIs(t, err, core.ErrNoBundle)

	_, err = f.qa.Load(ctx, f.video)
	require.NoError(t, err)
	_, err = f.qa.Ask(ctx, "   ")
	assert.ErrorIs(t, err, core.ErrEmptyQuestion)
	assert.Zero(t, f.llm.completes)
	assert.Equal(t, int32(1), f.indexer.calls.Load())
}

func TestVideoQALoadIndexesOnceThenReuses(t *testing.T) {
	f := newQAFixture(t, nil)
	ctx := context.Background()

	status, err := f.qa.Load(ctx, f.video)
	require.NoError(t, err)
	assert.False(t, status.FromStore)
	assert.Equal(t, "scenario", status.Key)
	assert.Equal(t, "Frames: 12 / Transcriptions: 4 / OCR texts: 6", status.String())

	again := newQAFixture(t, f.store)
	status, err = again.qa.Load(ctx, again.video)
	require.NoError(t, err)
	assert.True(t, status.FromStore)
	assert.Zero(t, again.indexer.calls.Load())
	assert.Equal(t, status, again.qa.Status())
}

func TestVideoQAConcurrentLoadsIndexOnce(t *testing.T) {
	f := newQAFixture(t, nil)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.qa.Load(context.Background(), f.video)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.indexer.calls.Load())
}

func TestVideoQAAskMakesOneGeneration(t *testing.T) {
	f := newQAFixture(t, nil)
	ctx := context.Background()
	_, err := f.qa.Load(ctx, f.video)
	require.NoError(t, err)

	plan := `{"ASR": "weather discussion", "DET": null, "OCR": ["EXIT"]}`
	f.llm.replies = []string{plan, "Sunny."}
	answer, err := f.qa.Ask(ctx, "How is the weather?")
	require.NoError(t, err)
	assert.Equal(t, "Sunny.", answer)
	assert.Equal(t, 2, f.llm.completes)
	assert.Equal(t, 0, f.llm.streams)

	synth := f.llm.calls[1]
	assert.Contains(t, synth[0].Text, "t0\nt1\nt2\n")
	assert.Contains(t, synth[0].Text, "s5\ns4\n")
	assert.Equal(t, []int{0, 2, 4, 6, 8}, frameIDs(synth[1].Images))

	f.llm.replies = []string{plan}
	f.llm.chunks = []string{"Sun", "ny."}
	stream, err := f.qa.AskStream(ctx, "How is the weather?")
	require.NoError(t, err)
	streamed, err := core.Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, answer, streamed)
	assert.Equal(t, 3, f.llm.completes)
	assert.Equal(t, 1, f.llm.streams)
}

func TestVideoQAPlanErrorStopsBeforeSynthesis(t *testing.T) {
	f := newQAFixture(t, nil)
	ctx := context.Background()
	_, err := f.qa.Load(ctx, f.video)
	require.NoError(t, err)

	f.llm.replies = []string{`{"ASR": "x", "DET": [`}
	_, err = f.qa.Ask(ctx, "What happens?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPlanContract))
	assert.Equal(t, 1, f.llm.completes)

	f.llm.replies = []string{`not json`}
	_, err = f.qa.AskStream(ctx, "What happens?")
	assert.ErrorIs(t, err, core.ErrPlanContract)
	assert.Equal(t, 0, f.llm.streams)
}

func TestVideoQACancelledCallerDoesNotFailJoiners(t *testing.T) {
	f := newQAFixture(t, nil)
	f.indexer.gate = make(chan struct{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.qa.Load(first, f.video)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.indexer.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	// the shared run outlives the cancelled caller
	joined := make(chan error, 1)
	go func() {
		_, err := f.qa.Load(context.Background(), f.video)
		joined <- err
	}()
	close(f.indexer.gate)
	require.NoError(t, <-joined)
	assert.Equal(t, int32(1), f.indexer.calls.Load())
	require.NotNil(t, f.qa.Status())
	assert.Equal(t, "scenario", f.qa.Status().Key)
}

func TestVideoQAReindexesCorruptStoredBundle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := storage.NewFileBundleStore(root, storage.IndexCodec{})
	require.NoError(t, err)

	f := newQAFixture(t, store)
	_, err = f.qa.Load(ctx, f.video)
	require.NoError(t, err)
	currentPath := filepath.Join(root, "scenario", "CURRENT")
	before, err := os.ReadFile(currentPath)
	require.NoError(t, err)
	version := strings.TrimSpace(string(before))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scenario", version, storage.ArtifactTextIndex), []byte("garbage"), 0644))

	again := newQAFixture(t, store)
	status, err := again.qa.Load(ctx, again.video)
	require.NoError(t, err)
	assert.False(t, status.FromStore)
	assert.Equal(t, int32(1), again.indexer.calls.Load())

	after, err := os.ReadFile(currentPath)
	require.NoError(t, err)
	assert.NotEqual(t, version, strings.TrimSpace(string(after)))
	_, err = store.Load(ctx, "scenario")
	require.NoError(t, err)

	again.llm.replies = []string{`{"ASR": "weather discussion", "DET": null, "OCR": ["EXIT"]}`, "Sunny."}
	answer, err := again.qa.Ask(ctx, "How is the weather?")
	require.NoError(t, err)
	assert.Equal(t, "Sunny.", answer)
}
