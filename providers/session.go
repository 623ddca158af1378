package providers

import (
	"context"
	"errors"
	"io"
	"log"
	"os"

	"videoQA/core"
)

// Session serializes access to one language model: at most one generation
// is in flight. A stream keeps the slot until it finishes or is closed.
type Session struct {
	model  core.LanguageModel
	slot   chan struct{}
	logger *log.Logger
}

// NewSession 包装模型，保证同一时间只有一个生成请求
func NewSession(model core.LanguageModel) *Session {
	return &Session{
		model:  model,
		slot:   make(chan struct{}, 1),
		logger: log.New(os.Stdout, "[LLM-SESSION] ", log.LstdFlags),
	}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.slot }

func (s *Session) Complete(ctx context.Context, msgs []core.Message) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()
	return s.model.Complete(ctx, msgs)
}

func (s *Session) Stream(ctx context.Context, msgs []core.Message) (*core.AnswerStream, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	inner, err := s.model.Stream(sctx, msgs)
	if err != nil {
		cancel()
		s.release()
		return nil, err
	}
	return core.NewAnswerStream(sctx, func(ctx context.Context, emit func(string) bool) error {
		defer s.release()
		defer inner.Close()
		for {
			piece, err := inner.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return unwrapGeneration(err)
			}
			if !emit(piece) {
				return ctx.Err()
			}
		}
	}, cancel), nil
}

// unwrapGeneration avoids double-wrapping errors already tagged by the inner
// stream.
func unwrapGeneration(err error) error {
	if multi, ok := err.(interface{ Unwrap() []error }); ok && errors.Is(err, core.ErrGeneration) {
		for _, e := range multi.Unwrap() {
			if e != core.ErrGeneration {
				return e
			}
		}
	}
	return err
}
