package providers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoQA/core"
)

func TestClipPreprocessUniformFrame(t *testing.T) {
	f := core.BlankFrame(320, 180)
	for i := 0; i < len(f.Pix); i += 3 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 255, 128, 0
	}
	out := clipPreprocess(f)
	require.Len(t, out, 3*clipImageSize*clipImageSize)

	plane := clipImageSize * clipImageSize
	want := [3]float32{
		(1 - clipMean[0]) / clipStd[0],
		(128.0/255 - clipMean[1]) / clipStd[1],
		(0 - clipMean[2]) / clipStd[2],
	}
	for ch := 0; ch < 3; ch++ {
		for _, idx := range []int{0, plane / 2, plane - 1} {
			assert.InDelta(t, want[ch], out[ch*plane+idx], 1e-4, "channel %d", ch)
		}
	}
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	var n float64
	for _, x := range v {
		n += float64(x * x)
	}
	assert.InDelta(t, 1, math.Sqrt(n), 1e-6)
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}
