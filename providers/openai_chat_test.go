package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoQA/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *openai.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestOpenAIChatCompleteSendsImagesAsParts(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  two balloons \n"}}]}`)
	})
	model := NewOpenAIChatModel(client, "vision-model", 256)

	out, err := model.Complete(context.Background(), []core.Message{
		{Role: core.RoleSystem, Text: "be helpful"},
		{Role: core.RoleUser, Text: "Question: how many?", Images: []core.Frame{core.BlankFrame(4, 4), core.BlankFrame(4, 4)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "two balloons", out)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "be helpful", msgs[0].(map[string]any)["content"])
	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 3)
	assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
	assert.Equal(t, "image_url", parts[1].(map[string]any)["type"])
	assert.Equal(t, "text", parts[2].(map[string]any)["type"])
	assert.Equal(t, "Question: how many?", parts[2].(map[string]any)["text"])
}

func TestOpenAIChatStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"The ", "man ", "wears black."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	})
	model := NewOpenAIChatModel(client, "m", 64)

	stream, err := model.Stream(context.Background(), []core.Message{{Role: core.RoleUser, Text: "q"}})
	require.NoError(t, err)
	answer, err := core.Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "The man wears black.", answer)
}

func TestOpenAIServerErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})
	model := NewOpenAIChatModel(client, "m", 64)

	_, err := model.Complete(context.Background(), []core.Message{{Role: core.RoleUser, Text: "q"}})
	require.Error(t, err)
	assert.True(t, core.Retryable(err))
}

func TestOpenAIBadRequestIsNotRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	})
	model := NewOpenAIChatModel(client, "m", 64)

	_, err := model.Complete(context.Background(), []core.Message{{Role: core.RoleUser, Text: "q"}})
	require.Error(t, err)
	assert.False(t, core.Retryable(err))
	var apiErr *openai.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestOpenAIEmbedderBatchesInOrder(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i := range req.Input {
			// reversed order on purpose
			j := len(req.Input) - 1 - i
			data[i] = item{Object: "embedding", Index: j, Embedding: []float32{float32(len(req.Input[j])), 1}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	})
	e := NewOpenAIEmbedder(client, "custom-embedder", 0)
	assert.Equal(t, 0, e.Dimensions())

	texts := make([]string, embeddingBatchSize+3)
	for i := range texts {
		texts[i] = string(make([]byte, i%7))
	}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	assert.Equal(t, 2, calls)
	for i, v := range vecs {
		assert.Equal(t, float32(i%7), v[0], "row %d", i)
	}
	assert.Equal(t, 2, e.Dimensions())
}
