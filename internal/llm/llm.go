package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 60 * time.Second

const DefaultModel = "gpt-4o-mini"

// Gateway is an OpenAI-compatible chat completion endpoint.
type Gateway struct {
	name    string
	model   string
	timeout time.Duration
	client  *openai.Client
}

type GatewayConfig struct {
	Name    string
	Token   string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func NewGateway(cfg GatewayConfig) *Gateway {
	clientCfg := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		name:    cfg.Name,
		model:   model,
		timeout: timeout,
		client:  openai.NewClientWithConfig(clientCfg),
	}
}

func (g *Gateway) Name() string {
	return g.name
}

// Complete sends one system + user exchange and returns the assistant text.
func (g *Gateway) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: completion timed out after %s", g.name, g.timeout)
		}
		return "", fmt.Errorf("%s: completion failed: %w", g.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: no choices returned", g.name)
	}
	return resp.Choices[0].Message.Content, nil
}
