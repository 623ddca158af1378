package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is the parent of every caller mistake.
	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyQuestion = fmt.Errorf("%w: question is empty", ErrInvalidInput)
	ErrEmptyPath     = fmt.Errorf("%w: video path is empty", ErrInvalidInput)
	ErrVideoNotFound = fmt.Errorf("%w: video file not found", ErrInvalidInput)
	ErrNoBundle      = fmt.Errorf("%w: no video loaded", ErrInvalidInput)

	// ErrPlanContract 规划模型的输出不符合 JSON 约定
	ErrPlanContract = errors.New("retrieval plan violates contract")

	// ErrBundleNotFound means the video has not been indexed yet, or only a
	// partial artifact set exists.
	ErrBundleNotFound = errors.New("bundle not found")
	// ErrBundleCorrupt means persisted artifacts exist but cannot be decoded.
	ErrBundleCorrupt = errors.New("bundle corrupt")

	ErrModelUnavailable = errors.New("model unavailable")
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrGeneration is returned by AnswerStream.Recv when generation fails
	// part way through.
	ErrGeneration = errors.New("generation failed")
)

// PlanError carries the raw planner output that failed to parse.
type PlanError struct {
	Raw string
	Err error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%v: %v", ErrPlanContract, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

func (e *PlanError) Is(target error) bool { return target == ErrPlanContract }

// NeedsReindex reports whether the error is fixed by indexing the video again.
func NeedsReindex(err error) bool {
	return errors.Is(err, ErrBundleNotFound) || errors.Is(err, ErrBundleCorrupt)
}

// Retryable reports whether an external capability failed transiently.
func Retryable(err error) bool {
	return errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrStoreUnavailable)
}
