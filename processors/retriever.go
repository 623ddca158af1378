package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"videoQA/core"
)

// RetrieverOptions 检索参数
type RetrieverOptions struct {
	ASRTopK      int
	OCRTopK      int
	DETThreshold float32
}

func DefaultRetrieverOptions() RetrieverOptions {
	return RetrieverOptions{ASRTopK: 3, OCRTopK: 2, DETThreshold: 0.2}
}

// Retriever executes a RetrievalPlan against one bundle. The vision scorer
// may be nil, in which case DET requests fall back to the default sample.
type Retriever struct {
	embedder core.Embedder
	scorer   core.VisionScorer
	opts     RetrieverOptions
	logger   *log.Logger
}

func NewRetriever(embedder core.Embedder, scorer core.VisionScorer, opts RetrieverOptions) *Retriever {
	def := DefaultRetrieverOptions()
	if opts.ASRTopK <= 0 {
		opts.ASRTopK = def.ASRTopK
	}
	if opts.OCRTopK <= 0 {
		opts.OCRTopK = def.OCRTopK
	}
	if opts.DETThreshold <= 0 {
		opts.DETThreshold = def.DETThreshold
	}
	return &Retriever{
		embedder: embedder,
		scorer:   scorer,
		opts:     opts,
		logger:   log.New(os.Stdout, "[RETRIEVER] ", log.LstdFlags),
	}
}

func (r *Retriever) Retrieve(ctx context.Context, plan core.RetrievalPlan, b *core.VideoBundle) (*core.GroundingBundle, error) {
	defaults := core.StrideSample(b.Frames, core.MaxGroundingFrames)
	g := &core.GroundingBundle{Frames: defaults}

	if plan.ASRQuery != "" {
		hits, err := r.search(ctx, b.TranscriptIndex, []string{plan.ASRQuery}, r.opts.ASRTopK)
		if err != nil {
			return nil, fmt.Errorf("transcript search: %w", err)
		}
		g.ASRText = joinHits(b.Transcripts, hits)
	}

	if len(plan.OCRQueries) > 0 {
		hits, err := r.search(ctx, b.TextIndex, plan.OCRQueries, r.opts.OCRTopK)
		if err != nil {
			return nil, fmt.Errorf("text search: %w", err)
		}
		g.OCRText = joinHits(b.Texts, hits)
	}

	if len(plan.DETObjects) > 0 {
		frames, err := r.selectFrames(ctx, plan.DETObjects, b.Frames)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			g.Frames = frames
		}
	}

	r.logger.Printf("grounding for %s: asr=%d bytes ocr=%d bytes frames=%d", b.Key, len(g.ASRText), len(g.OCRText), len(g.Frames))
	return g, nil
}

// search embeds every query and returns the hits grouped by query order. An
// empty index yields no hits without calling the embedder.
func (r *Retriever) search(ctx context.Context, idx core.VectorIndex, queries []string, k int) ([][]core.SearchHit, error) {
	if idx == nil || idx.Len() == 0 {
		return nil, nil
	}
	vecs, err := r.embedder.Embed(ctx, queries)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(queries) {
		return nil, fmt.Errorf("got %d query vectors for %d queries", len(vecs), len(queries))
	}
	out := make([][]core.SearchHit, len(queries))
	eg, ectx := errgroup.WithContext(ctx)
	for i := range vecs {
		i := i // per-iteration copy: go.mod targets go1.21 loop semantics
		eg.Go(func() error {
			hits, err := idx.Search(ectx, vecs[i], k)
			out[i] = hits
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func joinHits(entries []string, groups [][]core.SearchHit) string {
	var sb strings.Builder
	for _, hits := range groups {
		for _, h := range hits {
			if h.Ordinal < 0 || h.Ordinal >= len(entries) {
				continue
			}
			sb.WriteString(entries[h.Ordinal])
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// selectFrames keeps frames whose best phrase score exceeds the threshold,
// then subsamples them to at most MaxGroundingFrames. It returns nil when no
// frame qualifies.
func (r *Retriever) selectFrames(ctx context.Context, phrases []string, frames []core.Frame) ([]core.Frame, error) {
	if r.scorer == nil || len(frames) == 0 {
		return nil, nil
	}
	scores, err := r.scorer.Score(ctx, frames, phrases)
	if err != nil {
		return nil, fmt.Errorf("frame scoring: %w", err)
	}
	if len(scores) != len(frames) {
		return nil, fmt.Errorf("frame scoring: got %d rows for %d frames", len(scores), len(frames))
	}
	var selected []core.Frame
	for i, row := range scores {
		if best, ok := maxScore(row); ok && best > r.opts.DETThreshold {
			selected = append(selected, frames[i])
		}
	}
	return core.StrideSample(selected, core.MaxGroundingFrames), nil
}

func maxScore(row []float32) (float32, bool) {
	if len(row) == 0 {
		return 0, false
	}
	best := row[0]
	for _, s := range row[1:] {
		if s > best {
			best = s
		}
	}
	return best, true
}
