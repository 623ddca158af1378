package providers

import (
	"context"
	"fmt"
	"sync"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"videoQA/core"
)

const (
	clipImageSize  = 224
	clipContextLen = 77
	clipBatch      = 32
)

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// ClipScorer scores frames against phrases with a CLIP ViT-B/32 pair exported
// as two ONNX graphs (vision: pixel_values -> image_embeds, text: input_ids,
// attention_mask -> text_embeds). Scores are cosine similarities.
type ClipScorer struct {
	tok    *tokenizer.Tokenizer
	vision *ort.DynamicAdvancedSession
	text   *ort.DynamicAdvancedSession
	mu     sync.Mutex
}

// NewClipScorer 加载 CLIP 视觉与文本模型
func NewClipScorer(libPath, visionModel, textModel, tokenizerPath string) (*ClipScorer, error) {
	tok, err := pretrained.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load clip tokenizer: %w", err)
	}
	if err := initONNX(libPath); err != nil {
		return nil, err
	}
	vision, err := newONNXSession(visionModel, []string{"pixel_values"}, []string{"image_embeds"})
	if err != nil {
		releaseONNX()
		return nil, err
	}
	text, err := newONNXSession(textModel, []string{"input_ids", "attention_mask"}, []string{"text_embeds"})
	if err != nil {
		vision.Destroy()
		releaseONNX()
		return nil, err
	}
	return &ClipScorer{tok: tok, vision: vision, text: text}, nil
}

// Score returns cosine similarities indexed [frame][phrase].
func (c *ClipScorer) Score(ctx context.Context, frames []core.Frame, phrases []string) ([][]float32, error) {
	if len(frames) == 0 || len(phrases) == 0 {
		return make([][]float32, len(frames)), nil
	}
	textVecs, err := c.encodeText(phrases)
	if err != nil {
		return nil, err
	}
	scores := make([][]float32, 0, len(frames))
	for start := 0; start < len(frames); start += clipBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+clipBatch, len(frames))
		imgVecs, err := c.encodeImages(frames[start:end])
		if err != nil {
			return nil, err
		}
		for _, iv := range imgVecs {
			row := make([]float32, len(textVecs))
			for j, tv := range textVecs {
				row[j] = dot(iv, tv)
			}
			scores = append(scores, row)
		}
	}
	return scores, nil
}

func (c *ClipScorer) encodeText(phrases []string) ([][]float32, error) {
	inputs := make([]tokenizer.EncodeInput, len(phrases))
	for i, p := range phrases {
		inputs[i] = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(p))
	}
	encodings, err := c.tok.EncodeBatch(inputs, true)
	if err != nil {
		return nil, fmt.Errorf("clip tokenization failed: %w", err)
	}
	ids := make([][]int, len(encodings))
	masks := make([][]int, len(encodings))
	for i, enc := range encodings {
		ids[i], masks[i] = enc.GetIds(), enc.GetAttentionMask()
	}
	flatIDs, flatMask := padIDs(ids, masks, clipContextLen)
	shape := ort.NewShape(int64(len(phrases)), clipContextLen)
	idsT, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, err
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, err
	}
	defer maskT.Destroy()
	return c.run(c.text, []ort.Value{idsT, maskT})
}

func (c *ClipScorer) encodeImages(frames []core.Frame) ([][]float32, error) {
	pixels := make([]float32, 0, len(frames)*3*clipImageSize*clipImageSize)
	for _, f := range frames {
		pixels = append(pixels, clipPreprocess(f)...)
	}
	t, err := ort.NewTensor(ort.NewShape(int64(len(frames)), 3, clipImageSize, clipImageSize), pixels)
	if err != nil {
		return nil, err
	}
	defer t.Destroy()
	return c.run(c.vision, []ort.Value{t})
}

func (c *ClipScorer) run(session *ort.DynamicAdvancedSession, inputs []ort.Value) ([][]float32, error) {
	outputs := make([]ort.Value, 1)
	c.mu.Lock()
	err := session.Run(inputs, outputs)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("clip inference failed: %w", err)
	}
	defer outputs[0].Destroy()
	emb, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("clip output is not float32")
	}
	shape := emb.GetShape()
	n, d := shape[0], shape[1]
	data := emb.GetData()
	out := make([][]float32, n)
	for i := int64(0); i < n; i++ {
		v := make([]float32, d)
		copy(v, data[i*d:(i+1)*d])
		out[i] = normalize(v)
	}
	return out, nil
}

// clipPreprocess resizes the shorter side to 224 (bilinear), center-crops
// and normalizes into CHW order.
func clipPreprocess(f core.Frame) []float32 {
	out := make([]float32, 3*clipImageSize*clipImageSize)
	if f.Width == 0 || f.Height == 0 {
		return out
	}
	scale := float64(clipImageSize) / float64(min(f.Width, f.Height))
	rw, rh := float64(f.Width)*scale, float64(f.Height)*scale
	offX, offY := (rw-clipImageSize)/2, (rh-clipImageSize)/2
	plane := clipImageSize * clipImageSize
	for y := 0; y < clipImageSize; y++ {
		sy := (float64(y)+offY+0.5)/scale - 0.5
		for x := 0; x < clipImageSize; x++ {
			sx := (float64(x)+offX+0.5)/scale - 0.5
			rgb := bilinear(f, sx, sy)
			for ch := 0; ch < 3; ch++ {
				out[ch*plane+y*clipImageSize+x] = (rgb[ch]/255 - clipMean[ch]) / clipStd[ch]
			}
		}
	}
	return out
}

func bilinear(f core.Frame, x, y float64) [3]float32 {
	clamp := func(v, hi int) int { return max(0, min(v, hi)) }
	x0, y0 := int(x), int(y)
	if x < 0 {
		x0 = -1
	}
	if y < 0 {
		y0 = -1
	}
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))
	var out [3]float32
	px := func(xx, yy, ch int) float32 {
		xx, yy = clamp(xx, f.Width-1), clamp(yy, f.Height-1)
		return float32(f.Pix[(yy*f.Width+xx)*3+ch])
	}
	for ch := 0; ch < 3; ch++ {
		top := px(x0, y0, ch)*(1-fx) + px(x0+1, y0, ch)*fx
		bot := px(x0, y0+1, ch)*(1-fx) + px(x0+1, y0+1, ch)*fx
		out[ch] = top*(1-fy) + bot*fy
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func (c *ClipScorer) Close() error {
	c.vision.Destroy()
	c.text.Destroy()
	releaseONNX()
	return nil
}
