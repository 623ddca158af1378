package core

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// AnswerStream is a forward-only sequence of answer increments with a single
// consumer. Recv returns io.EOF after the last increment; any other error is
// terminal. Callers must Close the stream, also after io.EOF.
type AnswerStream struct {
	ch      chan string
	done    chan struct{}
	cancel  context.CancelFunc
	onClose []func()
	err     error
	once    sync.Once
}

// NewAnswerStream runs produce on its own goroutine. emit hands one increment
// to the consumer and reports false once the stream was closed. onClose
// hooks run on Close, before waiting for produce to return.
func NewAnswerStream(ctx context.Context, produce func(ctx context.Context, emit func(string) bool) error, onClose ...func()) *AnswerStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &AnswerStream{
		ch:      make(chan string),
		done:    make(chan struct{}),
		cancel:  cancel,
		onClose: onClose,
	}
	go func() {
		defer close(s.done)
		err := produce(ctx, func(piece string) bool {
			select {
			case s.ch <- piece:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			s.err = fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		close(s.ch)
	}()
	return s
}

// Recv blocks until the next increment is available.
func (s *AnswerStream) Recv() (string, error) {
	piece, ok := <-s.ch
	if ok {
		return piece, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close cancels generation and waits for the producer to exit.
func (s *AnswerStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for _, fn := range s.onClose {
			fn()
		}
	})
	<-s.done
	return nil
}

// Collect drains the stream into one string and closes it.
func Collect(s *AnswerStream) (string, error) {
	defer s.Close()
	var out []byte
	for {
		piece, err := s.Recv()
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, piece...)
	}
}
