package core

import "context"

// Embedder maps text to fixed-dimension vectors. It must be deterministic:
// the same text yields the same vector at index time and at query time.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// VectorIndex is a built nearest-neighbour index over one modality.
type VectorIndex interface {
	Len() int
	Dim() int
	// Search returns up to k hits ordered by ascending L2 distance.
	Search(ctx context.Context, query []float32, k int) ([]SearchHit, error)
	// Vectors returns every stored vector in insertion order.
	Vectors(ctx context.Context) ([][]float32, error)
	MarshalBinary() ([]byte, error)
}

// IndexBuilder 构建向量索引（本地 flat 或 Milvus）
type IndexBuilder interface {
	Build(ctx context.Context, name string, vectors [][]float32) (VectorIndex, error)
}

// IndexDecoder restores an index from its serialized form.
type IndexDecoder interface {
	Decode(ctx context.Context, data []byte) (VectorIndex, error)
}

// Message is one chat turn. Images are attached in order.
type Message struct {
	Role   string
	Text   string
	Images []Frame
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LanguageModel generates text from chat messages.
type LanguageModel interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
	Stream(ctx context.Context, msgs []Message) (*AnswerStream, error)
}

// VisionScorer scores every (frame, phrase) pair; higher is more relevant.
// The result is indexed [frame][phrase].
type VisionScorer interface {
	Score(ctx context.Context, frames []Frame, phrases []string) ([][]float32, error)
}

// Transcriber 语音识别：返回按时间顺序排列的文本片段
type Transcriber interface {
	Transcribe(ctx context.Context, videoPath string) ([]string, error)
}

// TextDetector returns the on-screen text snippets of one frame in
// detection order.
type TextDetector interface {
	Detect(ctx context.Context, frame Frame) ([]string, error)
}

// FrameSampler returns one representative frame per detected shot, all of
// the same shape.
type FrameSampler interface {
	Sample(ctx context.Context, videoPath string) ([]Frame, error)
}

// BundleStore persists bundles. Save must be atomic with respect to Load:
// a reader sees either the previous complete bundle or the new one.
type BundleStore interface {
	Save(ctx context.Context, b *VideoBundle) error
	Load(ctx context.Context, key string) (*VideoBundle, error)
}

// IndexLocker serializes indexing of one key across processes.
type IndexLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
