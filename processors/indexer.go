package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"videoQA/core"
	"videoQA/utils"
)

// MediaIndexer turns a video file into a VideoBundle: scene frames,
// transcript segments, on-screen text and one vector index per text modality.
type MediaIndexer struct {
	sampler     core.FrameSampler
	transcriber core.Transcriber
	detector    core.TextDetector
	embedder    core.Embedder
	builder     core.IndexBuilder
	ocrWorkers  int
	logger      *log.Logger
}

// NewMediaIndexer 创建索引器
func NewMediaIndexer(sampler core.FrameSampler, transcriber core.Transcriber, detector core.TextDetector,
	embedder core.Embedder, builder core.IndexBuilder, ocrWorkers int) *MediaIndexer {
	if detector == nil {
		detector = NoOCR{}
	}
	if ocrWorkers <= 0 {
		ocrWorkers = 4
	}
	return &MediaIndexer{
		sampler:     sampler,
		transcriber: transcriber,
		detector:    detector,
		embedder:    embedder,
		builder:     builder,
		ocrWorkers:  ocrWorkers,
		logger:      log.New(os.Stdout, "[INDEXER] ", log.LstdFlags),
	}
}

func (m *MediaIndexer) Index(ctx context.Context, videoPath string) (*core.VideoBundle, error) {
	start := time.Now()
	key := utils.VideoKey(videoPath)
	m.logger.Printf("indexing %s as %s", videoPath, key)

	frames, err := m.sampler.Sample(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("sample frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("sample frames: no frames in %s", videoPath)
	}

	var transcripts []string
	perFrame := make([][]string, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		segs, err := m.transcriber.Transcribe(gctx, videoPath)
		if err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
		transcripts = segs
		return nil
	})
	ocr, octx := errgroup.WithContext(gctx)
	ocr.SetLimit(m.ocrWorkers)
	for i := range frames {
		i := i // per-iteration copy: go.mod targets go1.21 loop semantics
		ocr.Go(func() error {
			lines, err := m.detector.Detect(octx, frames[i])
			if err != nil {
				return fmt.Errorf("ocr frame %d: %w", i, err)
			}
			perFrame[i] = lines
			return nil
		})
	}
	g.Go(ocr.Wait)
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var texts []string
	for _, lines := range perFrame {
		texts = append(texts, lines...)
	}
	frames = core.PadFrames(frames, core.MinFrames)

	b := &core.VideoBundle{
		Key:         key,
		VideoPath:   videoPath,
		Frames:      frames,
		Transcripts: nonEmpty(transcripts),
		Texts:       nonEmpty(texts),
	}
	if b.TranscriptIndex, err = m.buildIndex(ctx, key+"/asr", b.Transcripts); err != nil {
		return nil, err
	}
	if b.TextIndex, err = m.buildIndex(ctx, key+"/ocr", b.Texts); err != nil {
		return nil, err
	}
	if err := b.Check(); err != nil {
		return nil, err
	}
	m.logger.Printf("indexed %s in %v: %d frames, %d segments, %d snippets",
		key, time.Since(start).Round(time.Millisecond), len(b.Frames), len(b.Transcripts), len(b.Texts))
	return b, nil
}

func (m *MediaIndexer) buildIndex(ctx context.Context, name string, texts []string) (core.VectorIndex, error) {
	var vecs [][]float32
	if len(texts) > 0 {
		var err error
		vecs, err = m.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed %s: %w", name, err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embed %s: got %d vectors for %d texts", name, len(vecs), len(texts))
		}
	}
	idx, err := m.builder.Build(ctx, name, vecs)
	if err != nil {
		return nil, fmt.Errorf("build index %s: %w", name, err)
	}
	return idx, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
