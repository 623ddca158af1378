package core

import "fmt"

// ========== 基础数据结构 ==========

// MinFrames 每个视频至少保留的帧数，不足时用黑帧补齐
const MinFrames = 5

// MaxGroundingFrames 一次回答最多附带的图片数
const MaxGroundingFrames = 5

// VideoBundle is the per-video artifact set produced by the indexer.
// After construction it is read-only and shared by concurrent questions.
type VideoBundle struct {
	Key             string
	VideoPath       string
	Frames          []Frame
	Transcripts     []string
	Texts           []string
	TranscriptIndex VectorIndex
	TextIndex       VectorIndex
}

// Check 校验 bundle 的结构不变量
func (b *VideoBundle) Check() error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", ErrBundleCorrupt)
	}
	if len(b.Frames) < MinFrames {
		return fmt.Errorf("%w: %d frames, need at least %d", ErrBundleCorrupt, len(b.Frames), MinFrames)
	}
	w, h := b.Frames[0].Width, b.Frames[0].Height
	for i, f := range b.Frames {
		if f.Width != w || f.Height != h {
			return fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d", ErrBundleCorrupt, i, f.Width, f.Height, w, h)
		}
		if len(f.Pix) != f.Width*f.Height*3 {
			return fmt.Errorf("%w: frame %d has %d bytes of pixel data", ErrBundleCorrupt, i, len(f.Pix))
		}
	}
	if b.TranscriptIndex == nil || b.TextIndex == nil {
		return fmt.Errorf("%w: missing vector index", ErrBundleCorrupt)
	}
	if n := b.TranscriptIndex.Len(); n != len(b.Transcripts) {
		return fmt.Errorf("%w: transcript index holds %d vectors for %d segments", ErrBundleCorrupt, n, len(b.Transcripts))
	}
	if n := b.TextIndex.Len(); n != len(b.Texts) {
		return fmt.Errorf("%w: text index holds %d vectors for %d snippets", ErrBundleCorrupt, n, len(b.Texts))
	}
	return nil
}

// RetrievalPlan is the structured retrieval request emitted by the planner.
// Empty fields mean the modality is not queried.
type RetrievalPlan struct {
	ASRQuery   string   `json:"ASR"`
	DETObjects []string `json:"DET"`
	OCRQueries []string `json:"OCR"`
}

// GroundingBundle 检索结果：语音片段、屏幕文字以及 1~5 张图片
type GroundingBundle struct {
	ASRText string
	OCRText string
	Frames  []Frame
}

// SearchHit is one vector-search result; Ordinal addresses the row in the
// parallel text list.
type SearchHit struct {
	Ordinal  int     `json:"ordinal"`
	Distance float32 `json:"distance"`
}

// LoadStatus 视频加载结果
type LoadStatus struct {
	Key         string `json:"key"`
	VideoPath   string `json:"video_path"`
	Frames      int    `json:"frames"`
	Transcripts int    `json:"transcriptions"`
	Texts       int    `json:"ocr_texts"`
	FromStore   bool   `json:"from_store"`
}

func (s LoadStatus) String() string {
	return fmt.Sprintf("Frames: %d / Transcriptions: %d / OCR texts: %d", s.Frames, s.Transcripts, s.Texts)
}

// NewLoadStatus summarizes a bundle.
func NewLoadStatus(b *VideoBundle, fromStore bool) *LoadStatus {
	return &LoadStatus{
		Key:         b.Key,
		VideoPath:   b.VideoPath,
		Frames:      len(b.Frames),
		Transcripts: len(b.Transcripts),
		Texts:       len(b.Texts),
		FromStore:   fromStore,
	}
}
