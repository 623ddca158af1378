package providers

import (
	"fmt"
	"log"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
	ortRefs int
	ortMu   sync.Mutex
)

// initONNX initializes the process-wide runtime once. libPath may be empty
// to use the library's default search path.
func initONNX(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	if ortErr != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", ortErr)
	}
	ortMu.Lock()
	ortRefs++
	ortMu.Unlock()
	return nil
}

func releaseONNX() {
	ortMu.Lock()
	defer ortMu.Unlock()
	ortRefs--
	if ortRefs == 0 {
		ort.DestroyEnvironment()
	}
}

func newONNXSession(modelPath string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("failed to set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(0); err != nil {
		log.Printf("onnx: failed to set thread count: %v", err)
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}
	return session, nil
}

// padIDs lays out token ids and masks as [batch, maxLen] int64 rows.
func padIDs(ids [][]int, masks [][]int, maxLen int) ([]int64, []int64) {
	flatIDs := make([]int64, len(ids)*maxLen)
	flatMask := make([]int64, len(ids)*maxLen)
	for i := range ids {
		off := i * maxLen
		for j := 0; j < maxLen && j < len(ids[i]); j++ {
			flatIDs[off+j] = int64(ids[i][j])
			flatMask[off+j] = int64(masks[i][j])
		}
	}
	return flatIDs, flatMask
}
