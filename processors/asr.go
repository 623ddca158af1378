package processors

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"videoQA/config"
	"videoQA/core"
	"videoQA/utils"
)

// WhisperASR transcribes through the OpenAI-compatible audio endpoint. The
// 16 kHz mono track is cut into fixed-length chunks and every non-empty chunk
// transcript becomes one segment.
type WhisperASR struct {
	client       *openai.Client
	model        string
	chunkSeconds int
	gpuType      string
}

func NewWhisperASR(client *openai.Client, model string, chunkSeconds int, gpuType string) *WhisperASR {
	return &WhisperASR{client: client, model: model, chunkSeconds: chunkSeconds, gpuType: gpuType}
}

func (w *WhisperASR) Transcribe(ctx context.Context, videoPath string) ([]string, error) {
	workDir, err := os.MkdirTemp("", "videoqa-asr-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	audio, ok, err := extractAudioTrack(ctx, videoPath, workDir, w.gpuType)
	if err != nil || !ok {
		return nil, err
	}
	chunks, err := utils.SplitAudio(ctx, audio, filepath.Join(workDir, "chunks"), w.chunkSeconds)
	if err != nil {
		return nil, fmt.Errorf("split audio: %w", err)
	}
	segments := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{Model: w.model, FilePath: chunk})
		if err != nil {
			return nil, fmt.Errorf("%w: transcribe chunk %d: %v", core.ErrModelUnavailable, i, err)
		}
		if text := strings.TrimSpace(resp.Text); text != "" {
			segments = append(segments, text)
		}
	}
	return segments, nil
}

//go:embed scripts/whisper_transcribe.py
var whisperScript []byte

// LocalWhisperASR runs openai-whisper through a Python helper.
type LocalWhisperASR struct {
	Python       string
	ChunkSeconds int
	GPUType      string
}

func (l LocalWhisperASR) Transcribe(ctx context.Context, videoPath string) ([]string, error) {
	workDir, err := os.MkdirTemp("", "videoqa-whisper-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	audio, ok, err := extractAudioTrack(ctx, videoPath, workDir, l.GPUType)
	if err != nil || !ok {
		return nil, err
	}
	scriptPath := filepath.Join(workDir, "whisper_transcribe.py")
	if err := os.WriteFile(scriptPath, whisperScript, 0644); err != nil {
		return nil, fmt.Errorf("failed to create whisper script: %w", err)
	}
	python := l.Python
	if python == "" {
		python = "python3"
	}
	cmd := exec.CommandContext(ctx, python, scriptPath, audio, strconv.Itoa(l.ChunkSeconds))
	cmd.Stderr = os.Stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("local whisper transcription failed: %w", err)
	}
	var segments []string
	if err := json.Unmarshal(output, &segments); err != nil {
		return nil, fmt.Errorf("failed to parse whisper output: %w", err)
	}
	return segments, nil
}

// extractAudioTrack reports ok=false for videos without an audio stream.
func extractAudioTrack(ctx context.Context, videoPath, workDir, gpuType string) (string, bool, error) {
	hasAudio, err := utils.HasAudioStream(ctx, videoPath)
	if err != nil {
		return "", false, err
	}
	if !hasAudio {
		log.Printf("no audio stream in %s, skipping transcription", videoPath)
		return "", false, nil
	}
	audio := filepath.Join(workDir, "audio.wav")
	if err := utils.ExtractAudio(ctx, videoPath, audio, gpuType); err != nil {
		if gpuType == "cpu" {
			return "", false, fmt.Errorf("extract audio: %w", err)
		}
		log.Printf("GPU audio extraction failed, retrying on CPU: %v", err)
		if err := utils.ExtractAudio(ctx, videoPath, audio, "cpu"); err != nil {
			return "", false, fmt.Errorf("extract audio: %w", err)
		}
	}
	if secs, err := utils.ProbeDuration(ctx, audio); err == nil {
		log.Printf("extracted %.1fs of audio from %s", secs, filepath.Base(videoPath))
	}
	return audio, true, nil
}

// retryingTranscriber retries transient failures with a fixed delay.
type retryingTranscriber struct {
	inner      core.Transcriber
	maxRetries int
	delay      time.Duration
}

func (r retryingTranscriber) Transcribe(ctx context.Context, videoPath string) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		segs, err := r.inner.Transcribe(ctx, videoPath)
		if err == nil {
			return segs, nil
		}
		lastErr = err
		if !core.Retryable(err) || attempt == r.maxRetries {
			break
		}
		log.Printf("ASR attempt %d/%d failed: %v", attempt, r.maxRetries, err)
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("ASR transcription failed: %w", lastErr)
}

// NewTranscriber 根据配置选择 ASR 实现
func NewTranscriber(cfg *config.Config, client *openai.Client) (core.Transcriber, error) {
	gpu := utils.ResolveGPUType(cfg.EffectiveGPUType())
	var t core.Transcriber
	switch cfg.ASR {
	case "whisper-api":
		if client == nil {
			return nil, errors.New("whisper-api needs an API client")
		}
		t = NewWhisperASR(client, cfg.TranscriptionModel, cfg.ASRChunkSeconds, gpu)
	case "local-whisper":
		t = LocalWhisperASR{ChunkSeconds: cfg.ASRChunkSeconds, GPUType: gpu}
	default:
		return nil, fmt.Errorf("unknown ASR provider %q", cfg.ASR)
	}
	return retryingTranscriber{inner: t, maxRetries: 2, delay: 5 * time.Second}, nil
}
