package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"videoQA/core"
	"videoQA/utils"
)

// Indexer builds a bundle from a video file.
type Indexer interface {
	Index(ctx context.Context, videoPath string) (*core.VideoBundle, error)
}

// VideoQA is the question-answering entry point: one loaded video at a time,
// any number of concurrent questions against it.
type VideoQA struct {
	indexer     Indexer
	store       core.BundleStore
	locker      core.IndexLocker
	planner     *QueryPlanner
	retriever   *Retriever
	synthesizer *Synthesizer

	loads        singleflight.Group
	indexTimeout time.Duration

	mu     sync.RWMutex
	bundle *core.VideoBundle
	status *core.LoadStatus

	logger *log.Logger
}

// NewVideoQA 组装问答流水线
func NewVideoQA(indexer Indexer, store core.BundleStore, locker core.IndexLocker,
	planner *QueryPlanner, retriever *Retriever, synthesizer *Synthesizer) *VideoQA {
	return &VideoQA{
		indexer:      indexer,
		store:        store,
		locker:       locker,
		planner:      planner,
		retriever:    retriever,
		synthesizer:  synthesizer,
		indexTimeout: defaultIndexTimeout,
		logger:       log.New(os.Stdout, "[VIDEO-QA] ", log.LstdFlags),
	}
}

const defaultIndexTimeout = 30 * time.Minute

// SetIndexTimeout bounds one shared load-or-index run.
func (q *VideoQA) SetIndexTimeout(d time.Duration) {
	if d > 0 {
		q.indexTimeout = d
	}
}

type loadResult struct {
	bundle    *core.VideoBundle
	fromStore bool
}

// Load makes videoPath the current video. A stored bundle is reused; a
// missing or corrupt one is rebuilt and saved. Concurrent loads of the same
// video share one indexing run, which is detached from any single caller's
// cancellation; each caller still returns as soon as its own ctx is done.
func (q *VideoQA) Load(ctx context.Context, videoPath string) (*core.LoadStatus, error) {
	videoPath = strings.TrimSpace(videoPath)
	if videoPath == "" {
		return nil, core.ErrEmptyPath
	}
	if !utils.FileExists(videoPath) {
		return nil, fmt.Errorf("%w: %s", core.ErrVideoNotFound, videoPath)
	}
	key := utils.VideoKey(videoPath)

	ch := q.loads.DoChan(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.indexTimeout)
		defer cancel()
		return q.loadOrIndex(lctx, key, videoPath)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Shared {
		q.logger.Printf("joined in-flight load of %s", key)
	}
	res := r.Val.(*loadResult)
	status := core.NewLoadStatus(res.bundle, res.fromStore)

	q.mu.Lock()
	q.bundle = res.bundle
	q.status = status
	q.mu.Unlock()
	q.logger.Printf("loaded %s: %s", key, status)
	return status, nil
}

func (q *VideoQA) loadOrIndex(ctx context.Context, key, videoPath string) (*loadResult, error) {
	b, err := q.store.Load(ctx, key)
	if err == nil {
		return &loadResult{bundle: b, fromStore: true}, nil
	}
	if !core.NeedsReindex(err) {
		return nil, fmt.Errorf("load bundle %s: %w", key, err)
	}
	q.logger.Printf("bundle %s needs indexing: %v", key, err)

	release, err := q.locker.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire index lock for %s: %w", key, err)
	}
	defer release()

	// Another process may have finished indexing while we waited.
	if b, err := q.store.Load(ctx, key); err == nil {
		return &loadResult{bundle: b, fromStore: true}, nil
	} else if !core.NeedsReindex(err) {
		return nil, fmt.Errorf("load bundle %s: %w", key, err)
	}

	start := time.Now()
	b, err = q.indexer.Index(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", videoPath, err)
	}
	if err := q.store.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save bundle %s: %w", key, err)
	}
	q.logger.Printf("indexed and saved %s in %v", key, time.Since(start).Round(time.Millisecond))
	return &loadResult{bundle: b}, nil
}

// Status returns the current load status, or nil before the first Load.
func (q *VideoQA) Status() *core.LoadStatus {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.status
}

func (q *VideoQA) current() *core.VideoBundle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.bundle
}

// prepare runs the planner and retriever for one question.
func (q *VideoQA) prepare(ctx context.Context, question string) (string, *core.GroundingBundle, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, core.ErrEmptyQuestion
	}
	b := q.current()
	if b == nil {
		return "", nil, core.ErrNoBundle
	}
	plan, err := q.planner.Plan(ctx, question)
	if err != nil {
		return "", nil, err
	}
	g, err := q.retriever.Retrieve(ctx, plan, b)
	if err != nil {
		return "", nil, fmt.Errorf("retrieve: %w", err)
	}
	return question, g, nil
}

// Ask answers a question about the current video.
func (q *VideoQA) Ask(ctx context.Context, question string) (string, error) {
	question, g, err := q.prepare(ctx, question)
	if err != nil {
		return "", err
	}
	return q.synthesizer.Synthesize(ctx, question, g)
}

// AskStream is Ask with the answer delivered as increments.
func (q *VideoQA) AskStream(ctx context.Context, question string) (*core.AnswerStream, error) {
	question, g, err := q.prepare(ctx, question)
	if err != nil {
		return nil, err
	}
	return q.synthesizer.SynthesizeStream(ctx, question, g)
}
