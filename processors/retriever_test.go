package processors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoQA/core"
)

func TestRetrieveScenario(t *testing.T) {
	b := scenarioBundle(t)
	r := NewRetriever(scenarioEmbedder(), nil, RetrieverOptions{})

	g, err := r.Retrieve(context.Background(), core.RetrievalPlan{
		ASRQuery:   "weather discussion",
		OCRQueries: []string{"EXIT"},
	}, b)
	require.NoError(t, err)
	assert.Equal(t, "t0\nt1\nt2\n", g.ASRText)
	assert.Equal(t, "s5\ns4\n", g.OCRText)
	assert.Equal(t, []int{0, 2, 4, 6, 8}, frameIDs(g.Frames))
}

func TestRetrieveEmptyPlanUsesDefaultSample(t *testing.T) {
	b := scenarioBundle(t)
	emb := scenarioEmbedder()
	g, err := NewRetriever(emb, nil, RetrieverOptions{}).Retrieve(context.Background(), core.RetrievalPlan{}, b)
	require.NoError(t, err)
	assert.Empty(t, g.ASRText)
	assert.Empty(t, g.OCRText)
	assert.Equal(t, []int{0, 2, 4, 6, 8}, frameIDs(g.Frames))
	assert.Zero(t, emb.calls.Load())
}

func TestRetrieveOCRKeepsQueryOrder(t *testing.T) {
	b := scenarioBundle(t)
	g, err := NewRetriever(scenarioEmbedder(), nil, RetrieverOptions{}).Retrieve(context.Background(),
		core.RetrievalPlan{OCRQueries: []string{"EXIT", "ZERO"}}, b)
	require.NoError(t, err)
	assert.Equal(t, "s5\ns4\ns0\ns1\n", g.OCRText)
}

func TestRetrieveDETSelectsMatchingFrames(t *testing.T) {
	b := scenarioBundle(t)
	scorer := fakeScorer{cold: 0.1, hot: map[byte]float32{1: 0.9, 3: 0.5, 5: 0.3, 7: 0.25, 9: 0.21, 11: 0.9}}
	g, err := NewRetriever(scenarioEmbedder(), scorer, RetrieverOptions{}).Retrieve(context.Background(),
		core.RetrievalPlan{DETObjects: []string{"table", "balloon"}}, b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5, 7, 9}, frameIDs(g.Frames))
}

func TestRetrieveDETFallsBackBelowThreshold(t *testing.T) {
	b := scenarioBundle(t)
	// 0.2 does not exceed the threshold.
	scorer := fakeScorer{cold: 0.1, hot: map[byte]float32{3: 0.2}}
	g, err := NewRetriever(scenarioEmbedder(), scorer, RetrieverOptions{}).Retrieve(context.Background(),
		core.RetrievalPlan{DETObjects: []string{"dog"}}, b)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4, 6, 8}, frameIDs(g.Frames))
}

func TestRetrieveDETKeepsFewMatchesUnpadded(t *testing.T) {
	cases := []struct {
		name string
		hot  map[byte]float32
		want []int
	}{
		{"one", map[byte]float32{6: 0.8}, []int{6}},
		{"two", map[byte]float32{8: 0.7, 3: 0.4}, []int{3, 8}},
		{"four", map[byte]float32{11: 0.3, 0: 0.9, 4: 0.5, 10: 0.21}, []int{0, 4, 10, 11}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := scenarioBundle(t)
			scorer := fakeScorer{cold: 0.1, hot: tc.hot}
			g, err := NewRetriever(scenarioEmbedder(), scorer, RetrieverOptions{}).Retrieve(context.Background(),
				core.RetrievalPlan{DETObjects: []string{"umbrella"}}, b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, frameIDs(g.Frames))

			msgs := BuildMessages("Where is the umbrella?", g)
			require.Len(t, msgs, 2)
			assert.Equal(t, tc.want, frameIDs(msgs[1].Images))
		})
	}
}

func TestRetrieveDETWithoutScorer(t *testing.T) {
	b := scenarioBundle(t)
	g, err := NewRetriever(scenarioEmbedder(), nil, RetrieverOptions{}).Retrieve(context.Background(),
		core.RetrievalPlan{DETObjects: []string{"dog"}}, b)
	require.NoError(t, err)
	assert.Len(t, g.Frames, 5)
}

func TestRetrieveEmptyIndexYieldsNothing(t *testing.T) {
	b := scenarioBundle(t)
	b.Texts = nil
	b.TextIndex = flatIndex(t)
	emb := scenarioEmbedder()
	g, err := NewRetriever(emb, nil, RetrieverOptions{}).Retrieve(context.Background(),
		core.RetrievalPlan{OCRQueries: []string{"EXIT"}}, b)
	require.NoError(t, err)
	assert.Empty(t, g.OCRText)
	assert.Zero(t, emb.calls.Load())
}

func TestRetrieveASRReturnsAtMostThreeVerbatimSegments(t *testing.T) {
	b := scenarioBundle(t)
	r := NewRetriever(scenarioEmbedder(), nil, RetrieverOptions{})
	for _, q := range []string{"weather discussion", "something else entirely", "x"} {
		g, err := r.Retrieve(context.Background(), core.RetrievalPlan{ASRQuery: q}, b)
		require.NoError(t, err)
		lines := splitLines(g.ASRText)
		assert.LessOrEqual(t, len(lines), 3)
		for _, l := range lines {
			assert.Contains(t, b.Transcripts, l)
		}
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
