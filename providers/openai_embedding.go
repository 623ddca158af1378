package providers

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const embeddingBatchSize = 64

var knownEmbeddingDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder calls the embeddings endpoint in batches, throttled by a
// token bucket.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	dim     atomic.Int64
}

// NewOpenAIEmbedder 创建远程嵌入器；rps<=0 表示不限速
func NewOpenAIEmbedder(client *openai.Client, model string, rps float64) *OpenAIEmbedder {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	e := &OpenAIEmbedder{client: client, model: model, limiter: rate.NewLimiter(limit, 1)}
	e.dim.Store(int64(knownEmbeddingDims[model]))
	return e
}

// Dimensions is known up front for common models and learned from the first
// response otherwise.
func (e *OpenAIEmbedder) Dimensions() int { return int(e.dim.Load()) }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embeddingBatchSize {
		end := min(start+embeddingBatchSize, len(texts))
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts[start:end],
		})
		if err != nil {
			return nil, classify("embeddings", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), end-start)
		}
		sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	if len(out) > 0 {
		e.dim.CompareAndSwap(0, int64(len(out[0])))
	}
	return out, nil
}
