package processors

import (
	"context"
	"fmt"
	"image"
	_ "image/png"
	"log"
	"os"

	"videoQA/core"
	"videoQA/utils"
)

// FFmpegFrameSampler keeps the first frame and every frame whose scene score
// exceeds Threshold, scaled to Width x Height.
type FFmpegFrameSampler struct {
	Width     int
	Height    int
	Threshold float64
	GPUType   string
}

func (s FFmpegFrameSampler) Sample(ctx context.Context, videoPath string) ([]core.Frame, error) {
	dir, err := os.MkdirTemp("", "videoqa-frames-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	paths, err := utils.ExtractSceneFrames(ctx, videoPath, dir, s.Threshold, s.Width, s.Height, s.GPUType)
	if err != nil && s.GPUType != "cpu" {
		log.Printf("GPU frame extraction failed, retrying on CPU: %v", err)
		paths, err = utils.ExtractSceneFrames(ctx, videoPath, dir, s.Threshold, s.Width, s.Height, "cpu")
	}
	if err != nil {
		return nil, fmt.Errorf("extract frames: %w", err)
	}

	frames := make([]core.Frame, 0, len(paths))
	for _, p := range paths {
		f, err := decodeFrameFile(p)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames decoded from %s", videoPath)
	}
	return frames, nil
}

func decodeFrameFile(path string) (core.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Frame{}, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return core.Frame{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return core.FrameFromImage(img), nil
}
