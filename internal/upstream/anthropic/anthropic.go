// Package anthropic implements the upstream.Client interface for the
// Anthropic Messages API (official SDK).
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Client is the Anthropic backend client.
type Client struct {
	base anthropicSDK.Client
}

// New creates an Anthropic Client. Endpoint and key come from the per-call
// routing parameters.
func New() *Client {
	return &Client{
		base: anthropicSDK.NewClient(
			option.WithHTTPClient(&http.Client{Timeout: upstream.Timeout}),
		),
	}
}

func (c *Client) Name() string { return providerName }

// ChatCompletion implements upstream.Client.
func (c *Client) ChatCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	opts := callOptions(call)
	params := buildParams(call, call.Messages)

	if call.Stream {
		return c.stream(ctx, params, opts...)
	}
	return c.respond(ctx, params, opts...)
}

// TextCompletion implements upstream.Client. The Messages API has no text
// completion endpoint, so the prompt is sent as a single user turn.
func (c *Client) TextCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	opts := callOptions(call)
	params := buildParams(call, []upstream.Message{{Role: "user", Content: call.Prompt}})

	if call.Stream {
		return c.stream(ctx, params, opts...)
	}
	return c.respond(ctx, params, opts...)
}

func buildParams(call *upstream.Call, messages []upstream.Message) anthropicSDK.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := call.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(call.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}
	if call.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(call.Temperature)
	}
	if call.User != "" {
		params.Metadata = anthropicSDK.MetadataParam{
			UserID: anthropicSDK.String(call.User),
		}
	}

	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	r := anthropicSDK.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		r = anthropicSDK.MessageParamRoleAssistant
	}

	return anthropicSDK.MessageParam{
		Role: r,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{OfText: &anthropicSDK.TextBlockParam{Text: content}},
		},
	}
}

func (c *Client) respond(
	ctx context.Context,
	params anthropicSDK.MessageNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	msg, err := c.base.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toUpstreamError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &upstream.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: upstream.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) stream(
	ctx context.Context,
	params anthropicSDK.MessageNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	ch := make(chan upstream.Chunk, 64)

	stream := c.base.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.Chunk{Content: deltaVariant.Text}
					}
				case *anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.Chunk{Content: deltaVariant.Text}
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- upstream.Chunk{FinishReason: string(eventVariant.Delta.StopReason)}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- upstream.Chunk{Err: toUpstreamError(err)}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}

// callOptions builds the per-request options for one route. A call without a
// key inherits the base client's ambient credentials (ANTHROPIC_API_KEY).
func callOptions(call *upstream.Call) []option.RequestOption {
	var opts []option.RequestOption

	if call.APIKey != "" {
		opts = append(opts, option.WithAPIKey(call.APIKey))
	}
	if call.APIBase != "" {
		opts = append(opts, option.WithBaseURL(call.APIBase))
	}
	for k, v := range call.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return opts
}

func toUpstreamError(err error) error {
	var sdkErr *anthropicSDK.Error
	if errors.As(err, &sdkErr) {
		return &upstream.Error{
			Provider:   providerName,
			StatusCode: sdkErr.StatusCode,
			Message:    sdkErr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
