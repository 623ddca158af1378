package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"videoQA/core"
)

func testBundle(t *testing.T, key string) *core.VideoBundle {
	t.Helper()
	frames := make([]core.Frame, core.MinFrames)
	for i := range frames {
		frames[i] = core.BlankFrame(4, 2)
		frames[i].Pix[0] = byte(10 * (i + 1))
	}
	ti, err := NewFlatIndex(3, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	xi, err := NewFlatIndex(3, nil)
	require.NoError(t, err)
	return &core.VideoBundle{
		Key:             key,
		VideoPath:       "/videos/" + key + ".mp4",
		Frames:          frames,
		Transcripts:     []string{"hello there", "general kenobi"},
		Texts:           []string{},
		TranscriptIndex: ti,
		TextIndex:       xi,
	}
}
