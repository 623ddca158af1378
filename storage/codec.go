package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"videoQA/core"
)

// Artifact names of a persisted bundle. All four must be present for the
// bundle to count as indexed.
const (
	ArtifactTranscriptIndex = "transcripts.index"
	ArtifactTextIndex       = "texts.index"
	ArtifactMeta            = "meta.json"
	ArtifactFrames          = "frames.bin.gz"
)

var artifactNames = []string{ArtifactTranscriptIndex, ArtifactTextIndex, ArtifactMeta, ArtifactFrames}

const framesMagic = "VQFR"

type bundleMeta struct {
	VideoPath      string   `json:"video_path"`
	Transcriptions []string `json:"transcriptions"`
	Texts          []string `json:"texts"`
}

// IndexCodec restores indexes written by any backend.
type IndexCodec struct {
	Milvus *MilvusIndexBuilder
}

func (c IndexCodec) Decode(ctx context.Context, data []byte) (core.VectorIndex, error) {
	switch {
	case bytes.HasPrefix(data, []byte(flatMagic)):
		return DecodeFlatIndex(data)
	case bytes.HasPrefix(data, []byte("{")):
		if c.Milvus == nil {
			return nil, fmt.Errorf("%w: milvus index descriptor but milvus is not configured", core.ErrBundleCorrupt)
		}
		return c.Milvus.Decode(ctx, data)
	}
	return nil, fmt.Errorf("%w: unknown index format", core.ErrBundleCorrupt)
}

// encodeBundle serializes the four artifacts.
func encodeBundle(b *core.VideoBundle) (map[string][]byte, error) {
	ti, err := b.TranscriptIndex.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transcript index: %w", err)
	}
	xi, err := b.TextIndex.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize text index: %w", err)
	}
	meta, err := encodeMeta(b)
	if err != nil {
		return nil, err
	}
	frames, err := EncodeFrames(b.Frames)
	if err != nil {
		return nil, fmt.Errorf("compress frames: %w", err)
	}
	return map[string][]byte{
		ArtifactTranscriptIndex: ti,
		ArtifactTextIndex:       xi,
		ArtifactMeta:            meta,
		ArtifactFrames:          frames,
	}, nil
}

func encodeMeta(b *core.VideoBundle) ([]byte, error) {
	meta := bundleMeta{VideoPath: b.VideoPath, Transcriptions: b.Transcripts, Texts: b.Texts}
	if meta.Transcriptions == nil {
		meta.Transcriptions = []string{}
	}
	if meta.Texts == nil {
		meta.Texts = []string{}
	}
	return json.MarshalIndent(meta, "", "  ")
}

// decodeBundle 从四个产物还原 bundle
func decodeBundle(ctx context.Context, key string, files map[string][]byte, dec core.IndexDecoder) (*core.VideoBundle, error) {
	var meta bundleMeta
	if err := json.Unmarshal(files[ArtifactMeta], &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", core.ErrBundleCorrupt, err)
	}
	frames, err := DecodeFrames(files[ArtifactFrames])
	if err != nil {
		return nil, err
	}
	ti, err := dec.Decode(ctx, files[ArtifactTranscriptIndex])
	if err != nil {
		return nil, fmt.Errorf("transcript index: %w", err)
	}
	xi, err := dec.Decode(ctx, files[ArtifactTextIndex])
	if err != nil {
		return nil, fmt.Errorf("text index: %w", err)
	}
	b := &core.VideoBundle{
		Key:             key,
		VideoPath:       meta.VideoPath,
		Frames:          frames,
		Transcripts:     meta.Transcriptions,
		Texts:           meta.Texts,
		TranscriptIndex: ti,
		TextIndex:       xi,
	}
	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeFrames writes the frame array as gzip(magic, count, width, height,
// pixels). The output is byte-stable for equal input.
func EncodeFrames(frames []core.Frame) ([]byte, error) {
	var w, h int
	if len(frames) > 0 {
		w, h = frames[0].Width, frames[0].Height
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write([]byte(framesMagic)); err != nil {
		return nil, err
	}
	if err := binary.Write(zw, binary.LittleEndian, [3]uint32{uint32(len(frames)), uint32(w), uint32(h)}); err != nil {
		return nil, err
	}
	for i, f := range frames {
		if f.Width != w || f.Height != h || len(f.Pix) != w*h*3 {
			return nil, fmt.Errorf("frame %d does not match shape %dx%d", i, w, h)
		}
		if _, err := zw.Write(f.Pix); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maxFrameDim bounds every header field of the frame artifact.
const maxFrameDim = 8192

// DecodeFrames parses the output of EncodeFrames.
func DecodeFrames(data []byte) ([]core.Frame, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: frames: %v", core.ErrBundleCorrupt, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: frames: %v", core.ErrBundleCorrupt, err)
	}
	if len(raw) < 16 || string(raw[:4]) != framesMagic {
		return nil, fmt.Errorf("%w: frames: bad header", core.ErrBundleCorrupt)
	}
	count := int(binary.LittleEndian.Uint32(raw[4:]))
	w := int(binary.LittleEndian.Uint32(raw[8:]))
	h := int(binary.LittleEndian.Uint32(raw[12:]))
	if count > maxFrameDim || w > maxFrameDim || h > maxFrameDim {
		return nil, fmt.Errorf("%w: frames: header %d frames of %dx%d out of range", core.ErrBundleCorrupt, count, w, h)
	}
	size := w * h * 3
	body := raw[16:]
	if len(body) != count*size {
		return nil, fmt.Errorf("%w: frames: %d bytes for %d frames of %dx%d", core.ErrBundleCorrupt, len(body), count, w, h)
	}
	frames := make([]core.Frame, count)
	for i := range frames {
		pix := make([]byte, size)
		copy(pix, body[i*size:])
		frames[i] = core.Frame{Width: w, Height: h, Pix: pix}
	}
	return frames, nil
}
