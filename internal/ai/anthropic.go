// ABOUTME: Anthropic-backed Responder using the official Messages API client
// ABOUTME: Maps session history to alternating user/assistant turns

package ai

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You are a helpful assistant inside a one-to-one chat. " +
	"Keep replies short and conversational."

// Options configures the Anthropic responder (model id, max tokens, API key).
type Options struct {
	Model     string
	MaxTokens int64
	APIKey    string
}

// Anthropic implements Responder on top of the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   Options
}

// NewAnthropic creates an Anthropic responder using the official client.
func NewAnthropic(optFns ...func(o *Options)) *Anthropic {
	opts := Options{
		Model:     string(anthropic.ModelClaudeSonnet4_20250514),
		MaxTokens: 1024,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Anthropic{
		client: &client,
		opts:   opts,
	}
}

// Respond generates a reply from the session history plus the new message.
func (a *Anthropic) Respond(ctx context.Context, history []HistoryMessage, content string) (string, error) {
	messages := buildMessages(history, content)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: a.opts.MaxTokens,
		Messages:  messages,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var reply string
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply += block.AsText().Text
		}
	}
	if reply == "" {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return reply, nil
}

// buildMessages converts session history into Anthropic message turns,
// appending the new inbound message as the final user turn.
func buildMessages(history []HistoryMessage, content string) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, h := range history {
		if h.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(h.Content)
		if h.FromAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
	return messages
}
