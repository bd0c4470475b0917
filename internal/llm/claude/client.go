// Package claude implements the triage oracle Provider on the Anthropic
// Messages API.
package claude

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/triage"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// Client implements triage.Provider for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a Claude client. The SDK's own retries are disabled; the
// advisor owns the attempt budget and timeout.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: model,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Send makes one Messages API call.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []triage.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == "text" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
			continue
		}
		out = append(out, anthropic.NewUserMessage(blocks...))
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *triage.LLMResponse {
	resp := &triage.LLMResponse{
		StopReason: triage.StopReason(msg.StopReason),
		Usage: triage.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Model: string(msg.Model),
	}
	for _, b := range msg.Content {
		if b.Type == "text" {
			resp.Content = append(resp.Content, triage.ContentBlock{Type: "text", Text: b.Text})
		}
	}
	return resp
}
