package initialization

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"videoQA/config"
	"videoQA/core"
	"videoQA/processors"
	"videoQA/providers"
	"videoQA/storage"
	"videoQA/utils"
)

// SystemInitializer 系统初始化器：按配置组装问答流水线
type SystemInitializer struct {
	config  *config.Config
	closers []func()
}

// NewSystemInitializer 创建系统初始化器
func NewSystemInitializer(cfg *config.Config) *SystemInitializer {
	return &SystemInitializer{config: cfg}
}

// InitializationResult 初始化结果
type InitializationResult struct {
	Config  *config.Config
	QA      *processors.VideoQA
	Indexer *processors.MediaIndexer
	Store   core.BundleStore
}

// InitializeSystem wires every component. On failure, whatever was already
// opened is closed again.
func (si *SystemInitializer) InitializeSystem(ctx context.Context) (res *InitializationResult, err error) {
	defer func() {
		if err != nil {
			si.Shutdown()
		}
	}()
	cfg := si.config

	log.Println("正在创建数据目录...")
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	si.configureGPU()

	var client *openai.Client
	if cfg.HasValidAPI() {
		client = providers.NewOpenAIClient(cfg)
	}

	log.Println("正在初始化模型...")
	embedder, err := si.newEmbedder(client)
	if err != nil {
		return nil, err
	}
	scorer, err := si.newVisionScorer()
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("chat model needs api_key and base_url")
	}
	session := providers.NewSession(providers.NewOpenAIChatModel(client, cfg.ChatModel, cfg.MaxAnswerTokens))

	log.Println("正在初始化存储...")
	builder, codec, err := si.newIndexBackend(ctx, embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	store, err := si.newBundleStore(ctx, codec)
	if err != nil {
		return nil, err
	}
	locker := si.newLocker(ctx)

	log.Println("正在初始化处理器...")
	transcriber, err := processors.NewTranscriber(cfg, client)
	if err != nil {
		return nil, err
	}
	var detector core.TextDetector = processors.NoOCR{}
	if cfg.OCR == "tesseract" {
		detector = processors.TesseractOCR{Language: cfg.OCRLanguage}
	}
	sampler := processors.FFmpegFrameSampler{
		Width:     cfg.FrameWidth,
		Height:    cfg.FrameHeight,
		Threshold: cfg.SceneThreshold,
		GPUType:   cfg.EffectiveGPUType(),
	}
	indexer := processors.NewMediaIndexer(sampler, transcriber, detector, embedder, builder, cfg.OCRWorkers)
	retriever := processors.NewRetriever(providers.NewCachingEmbedder(embedder, 4096, time.Hour), scorer, processors.RetrieverOptions{
		ASRTopK:      cfg.ASRTopK,
		OCRTopK:      cfg.OCRTopK,
		DETThreshold: float32(cfg.DETThreshold),
	})
	qa := processors.NewVideoQA(indexer, store, locker,
		processors.NewQueryPlanner(session), retriever, processors.NewSynthesizer(session))
	qa.SetIndexTimeout(time.Duration(cfg.IndexTimeoutMinutes) * time.Minute)

	log.Println("系统初始化完成")
	return &InitializationResult{Config: cfg, QA: qa, Indexer: indexer, Store: store}, nil
}

// Shutdown 关闭已打开的资源，后打开的先关闭
func (si *SystemInitializer) Shutdown() {
	for i := len(si.closers) - 1; i >= 0; i-- {
		si.closers[i]()
	}
	si.closers = nil
}

func (si *SystemInitializer) onShutdown(name string, fn func() error) {
	si.closers = append(si.closers, func() {
		if err := fn(); err != nil {
			log.Printf("close %s: %v", name, err)
		}
	})
}

// configureGPU resolves "auto" once so every ffmpeg call agrees.
func (si *SystemInitializer) configureGPU() {
	cfg := si.config
	if !cfg.GPUAcceleration {
		log.Printf("GPU acceleration disabled")
		return
	}
	cfg.GPUType = utils.ResolveGPUType(cfg.GPUType)
	if cfg.GPUType == "cpu" {
		log.Printf("Warning: No GPU acceleration available, falling back to CPU")
		cfg.GPUAcceleration = false
		return
	}
	log.Printf("GPU acceleration enabled: %s", cfg.GPUType)
}

func (si *SystemInitializer) newEmbedder(client *openai.Client) (core.Embedder, error) {
	cfg := si.config
	switch cfg.Embedder {
	case "onnx":
		e, err := providers.NewONNXEmbedder(cfg.ONNX.LibraryPath, cfg.ONNX.EmbeddingModel, cfg.ONNX.EmbeddingTokenizer, cfg.ONNX.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("初始化 ONNX 嵌入模型失败: %w", err)
		}
		si.onShutdown("onnx embedder", e.Close)
		return e, nil
	case "openai":
		if client == nil {
			return nil, fmt.Errorf("openai embedder needs api_key and base_url")
		}
		return providers.NewOpenAIEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingRPS), nil
	}
	return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
}

// newVisionScorer returns nil when frame scoring is disabled; DET requests
// then use the default frame sample.
func (si *SystemInitializer) newVisionScorer() (core.VisionScorer, error) {
	cfg := si.config
	if cfg.VisionScorer != "clip" {
		return nil, nil
	}
	s, err := providers.NewClipScorer(cfg.ONNX.LibraryPath, cfg.ONNX.ClipVisionModel, cfg.ONNX.ClipTextModel, cfg.ONNX.ClipTokenizer)
	if err != nil {
		return nil, fmt.Errorf("初始化 CLIP 失败: %w", err)
	}
	si.onShutdown("clip scorer", s.Close)
	return s, nil
}

func (si *SystemInitializer) newIndexBackend(ctx context.Context, dim int) (core.IndexBuilder, storage.IndexCodec, error) {
	cfg := si.config
	if cfg.IndexBackend != "milvus" {
		return storage.FlatBuilder{Dim: dim}, storage.IndexCodec{}, nil
	}
	mb, err := storage.NewMilvusIndexBuilder(ctx, storage.MilvusConfig(cfg.Milvus), dim)
	if err != nil {
		return nil, storage.IndexCodec{}, err
	}
	si.onShutdown("milvus", mb.Close)
	return mb, storage.IndexCodec{Milvus: mb}, nil
}

func (si *SystemInitializer) newBundleStore(ctx context.Context, codec storage.IndexCodec) (core.BundleStore, error) {
	cfg := si.config
	switch cfg.BundleStore {
	case "pgvector":
		s, err := storage.NewPgBundleStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		si.onShutdown("postgres", func() error { s.Close(); return nil })
		return s, nil
	case "s3":
		s, err := storage.NewS3BundleStore(ctx, storage.S3StoreConfig(cfg.S3), codec)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		s, err := storage.NewFileBundleStore(filepath.Join(cfg.DataDir, "bundles"), codec)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown bundle store %q", cfg.BundleStore)
}

// newLocker uses redis when reachable and falls back to an in-process lock.
func (si *SystemInitializer) newLocker(ctx context.Context) core.IndexLocker {
	cfg := si.config
	if cfg.RedisAddr == "" {
		return storage.NewLocalLock()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Printf("Warning: redis %s unreachable, indexing lock is process-local: %v", cfg.RedisAddr, err)
		_ = rdb.Close()
		return storage.NewLocalLock()
	}
	si.onShutdown("redis", rdb.Close)
	return storage.NewRedisLock(rdb, 10*time.Minute)
}
