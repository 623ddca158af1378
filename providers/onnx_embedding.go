package providers

import (
	"context"
	"fmt"
	"math"
	"sync"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

const onnxEmbedBatch = 32

// ONNXEmbedder runs a BERT-style sentence encoder (bge-large-en-v1.5 by
// default) locally. The [CLS] hidden state is L2-normalized.
type ONNXEmbedder struct {
	tok     *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	dim     int
	maxLen  int
	mu      sync.Mutex
}

// NewONNXEmbedder loads the tokenizer and the model.
func NewONNXEmbedder(libPath, modelPath, tokenizerPath string, dim int) (*ONNXEmbedder, error) {
	tok, err := pretrained.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if err := initONNX(libPath); err != nil {
		return nil, err
	}
	session, err := newONNXSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"})
	if err != nil {
		releaseONNX()
		return nil, err
	}
	return &ONNXEmbedder{tok: tok, session: session, dim: dim, maxLen: 512}, nil
}

func (e *ONNXEmbedder) Dimensions() int { return e.dim }

func (e *ONNXEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += onnxEmbedBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+onnxEmbedBatch, len(texts))
		vecs, err := e.embedBatch(texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch failed: %w", err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *ONNXEmbedder) embedBatch(texts []string) ([][]float32, error) {
	inputs := make([]tokenizer.EncodeInput, len(texts))
	for i, t := range texts {
		inputs[i] = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(t))
	}
	encodings, err := e.tok.EncodeBatch(inputs, true)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}
	ids := make([][]int, len(encodings))
	masks := make([][]int, len(encodings))
	maxLen := 0
	for i, enc := range encodings {
		ids[i], masks[i] = enc.GetIds(), enc.GetAttentionMask()
		maxLen = max(maxLen, min(len(ids[i]), e.maxLen))
	}
	if maxLen == 0 {
		maxLen = 1
	}
	batch := int64(len(texts))
	flatIDs, flatMask := padIDs(ids, masks, maxLen)
	shape := ort.NewShape(batch, int64(maxLen))

	idsT, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()
	typeT, err := ort.NewTensor(shape, make([]int64, len(flatIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer typeT.Destroy()

	outputs := make([]ort.Value, 1)
	e.mu.Lock()
	err = e.session.Run([]ort.Value{idsT, maskT, typeT}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is not float32 type")
	}
	s := hidden.GetShape() // [batch, seq, hidden]
	seqLen, hiddenDim := s[1], s[2]
	data := hidden.GetData()
	vecs := make([][]float32, batch)
	for i := int64(0); i < batch; i++ {
		cls := i * seqLen * hiddenDim
		v := make([]float32, hiddenDim)
		copy(v, data[cls:cls+hiddenDim])
		vecs[i] = normalize(v)
	}
	return vecs, nil
}

func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		e.session.Destroy()
		releaseONNX()
	}
	return nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
