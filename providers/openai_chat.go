package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videoQA/core"
)

// OpenAIChatModel is a vision-capable chat model behind an OpenAI-compatible
// API. Images are sent inline as JPEG data URLs.
type OpenAIChatModel struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIChatModel 创建聊天模型
func NewOpenAIChatModel(client *openai.Client, model string, maxTokens int) *OpenAIChatModel {
	return &OpenAIChatModel{client: client, model: model, maxTokens: maxTokens, temperature: 0.2}
}

func (m *OpenAIChatModel) request(msgs []core.Message, stream bool) (openai.ChatCompletionRequest, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		cm, err := toChatMessage(msg)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		out = append(out, cm)
	}
	return openai.ChatCompletionRequest{
		Model:       m.model,
		Messages:    out,
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
		Stream:      stream,
	}, nil
}

func toChatMessage(msg core.Message) (openai.ChatCompletionMessage, error) {
	if len(msg.Images) == 0 {
		return openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Text}, nil
	}
	parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
	for i, img := range msg.Images {
		url, err := img.DataURL()
		if err != nil {
			return openai.ChatCompletionMessage{}, fmt.Errorf("encode image %d: %w", i, err)
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
		})
	}
	if msg.Text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Text})
	}
	return openai.ChatCompletionMessage{Role: msg.Role, MultiContent: parts}, nil
}

func (m *OpenAIChatModel) Complete(ctx context.Context, msgs []core.Message) (string, error) {
	req, err := m.request(msgs, false)
	if err != nil {
		return "", err
	}
	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: chat completion returned no choices", core.ErrModelUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (m *OpenAIChatModel) Stream(ctx context.Context, msgs []core.Message) (*core.AnswerStream, error) {
	req, err := m.request(msgs, true)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		cancel()
		return nil, classify("chat stream", err)
	}
	return core.NewAnswerStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer cancel()
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(resp.Choices[0].Delta.Content) {
				return ctx.Err()
			}
		}
	}, cancel), nil
}
