package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// RunFFmpeg 执行 FFmpeg 命令
func RunFFmpeg(ctx context.Context, args []string) error {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w\noutput: %s", err, tail(output, 2048))
	}
	return nil
}

// ProbeDuration returns the container duration in seconds.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
}

// HasAudioStream 检查视频是否包含音轨
func HasAudioStream(ctx context.Context, path string) (bool, error) {
	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "a",
		"-show_entries", "stream=index", "-of", "csv=p=0", path).Output()
	if err != nil {
		return false, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// ExtractAudio writes a 16 kHz mono WAV track. gpuType "" or "cpu" disables
// hardware decoding.
func ExtractAudio(ctx context.Context, inputPath, audioOut, gpuType string) error {
	args := []string{"-y"}
	if gpuType != "" && gpuType != "cpu" {
		args = append(args, GetHardwareAccelArgs(gpuType)...)
	}
	args = append(args, "-i", inputPath, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", audioOut)
	return RunFFmpeg(ctx, args)
}

// SplitAudio cuts a WAV file into fixed-length chunks and returns their
// paths in playback order.
func SplitAudio(ctx context.Context, audioPath, outDir string, seconds int) ([]string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	pattern := filepath.Join(outDir, "chunk_%05d.wav")
	args := []string{"-y", "-i", audioPath, "-f", "segment", "-segment_time", strconv.Itoa(seconds),
		"-c", "copy", pattern}
	if err := RunFFmpeg(ctx, args); err != nil {
		return nil, err
	}
	return SortedGlob(filepath.Join(outDir, "chunk_*.wav"))
}

// ExtractSceneFrames 基于场景切换抽帧，统一缩放到 width x height。
// 第一帧总是保留，这样没有场景切换的视频也至少有一帧。
func ExtractSceneFrames(ctx context.Context, videoPath, outDir string, threshold float64, width, height int, gpuType string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("select='eq(n\\,0)+gt(scene\\,%g)',scale=%d:%d", threshold, width, height)
	args := []string{"-y"}
	if gpuType != "" && gpuType != "cpu" {
		// scale runs on the CPU, so frames must come back to system memory
		args = append(args, "-hwaccel", GetHardwareAccelArgs(gpuType)[1])
	}
	args = append(args, "-i", videoPath, "-vf", filter, "-vsync", "vfr", filepath.Join(outDir, "shot_%05d.png"))
	if err := RunFFmpeg(ctx, args); err != nil {
		return nil, err
	}
	return SortedGlob(filepath.Join(outDir, "shot_*.png"))
}

// SortedGlob returns matches in lexical order.
func SortedGlob(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
