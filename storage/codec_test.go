package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoQA/core"
)

func framesArtifact(t *testing.T, header [3]uint32, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(framesMagic))
	require.NoError(t, err)
	require.NoError(t, binary.Write(zw, binary.LittleEndian, header))
	_, err = zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeFramesRejectsOutOfRangeHeader(t *testing.T) {
	cases := []struct {
		name   string
		header [3]uint32
	}{
		{"count", [3]uint32{1 << 31, 1, 1}},
		{"width", [3]uint32{0, 1 << 20, 1}},
		{"height", [3]uint32{0, 1, 1 << 20}},
		// w*h*3*count wraps to 0 in 64-bit arithmetic without bounds
		{"overflow", [3]uint32{1 << 30, 1 << 31, 1 << 31}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFrames(framesArtifact(t, tc.header, nil))
			assert.True(t, errors.Is(err, core.ErrBundleCorrupt), "got %v", err)
		})
	}
}

func TestDecodeFramesAcceptsEncoderOutput(t *testing.T) {
	frames := []core.Frame{core.BlankFrame(2, 2), core.BlankFrame(2, 2)}
	frames[1].Pix[5] = 7
	data, err := EncodeFrames(frames)
	require.NoError(t, err)
	got, err := DecodeFrames(data)
	require.NoError(t, err)
	assert.Equal(t, frames, got)
}
