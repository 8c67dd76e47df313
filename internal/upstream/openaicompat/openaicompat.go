// Package openaicompat implements the upstream.Client interface for the
// OpenAI API and any OpenAI-compatible service (Groq, DeepSeek, Together AI,
// and others). Endpoint and key come from the per-call routing parameters,
// so one client instance serves every OpenAI-compatible route.
package openaicompat

import (
	"context"
	"errors"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
)

const providerName = "openai"

// Client is the OpenAI-compatible backend client.
type Client struct {
	name string
	base openaiSDK.Client
}

// New creates a Client. name identifies the client in logs and errors.
func New(name string) *Client {
	if name == "" {
		name = providerName
	}
	return &Client{
		name: name,
		base: openaiSDK.NewClient(
			option.WithHTTPClient(&http.Client{Timeout: upstream.Timeout}),
		),
	}
}

func (c *Client) Name() string { return c.name }

// ChatCompletion implements upstream.Client.
func (c *Client) ChatCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	opts := c.callOptions(call)
	params := c.buildChatParams(call)

	if call.Stream {
		return c.streamChat(ctx, params, opts...)
	}

	resp, err := c.base.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, c.toUpstreamError(err)
	}

	content, finish := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &upstream.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// TextCompletion implements upstream.Client via the legacy completions API.
func (c *Client) TextCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	opts := c.callOptions(call)
	params := c.buildTextParams(call)

	if call.Stream {
		return c.streamText(ctx, params, opts...)
	}

	resp, err := c.base.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, c.toUpstreamError(err)
	}

	text, finish := "", ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Text
		finish = string(resp.Choices[0].FinishReason)
	}

	return &upstream.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      text,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (c *Client) buildChatParams(call *upstream.Call) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(call.Messages))
	for _, m := range call.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    call.Model,
	}

	if call.Temperature != 0 {
		params.Temperature = openaiSDK.Float(call.Temperature)
	}
	if call.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(call.MaxTokens))
	}
	if call.User != "" {
		params.User = openaiSDK.String(call.User)
	}

	return params
}

func (c *Client) buildTextParams(call *upstream.Call) openaiSDK.CompletionNewParams {
	params := openaiSDK.CompletionNewParams{
		Model: openaiSDK.CompletionNewParamsModel(call.Model),
		Prompt: openaiSDK.CompletionNewParamsPromptUnion{
			OfString: openaiSDK.String(call.Prompt),
		},
	}

	if call.Temperature != 0 {
		params.Temperature = openaiSDK.Float(call.Temperature)
	}
	if call.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(call.MaxTokens))
	}
	if call.User != "" {
		params.User = openaiSDK.String(call.User)
	}

	return params
}

func (c *Client) streamChat(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	ch := make(chan upstream.Chunk, 64)

	stream := c.base.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" || choice.FinishReason != "" {
				ch <- upstream.Chunk{
					Content:      choice.Delta.Content,
					FinishReason: choice.FinishReason,
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- upstream.Chunk{Err: c.toUpstreamError(err)}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}

func (c *Client) streamText(
	ctx context.Context,
	params openaiSDK.CompletionNewParams,
	opts ...option.RequestOption,
) (*upstream.Response, error) {
	ch := make(chan upstream.Chunk, 64)

	stream := c.base.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Text != "" || choice.FinishReason != "" {
				ch <- upstream.Chunk{
					Content:      choice.Text,
					FinishReason: string(choice.FinishReason),
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- upstream.Chunk{Err: c.toUpstreamError(err)}
		}
	}()

	return &upstream.Response{Stream: ch}, nil
}

// callOptions builds the per-request options carrying this route's endpoint,
// key, and extra headers. A call without a key inherits the base client's
// ambient credentials (OPENAI_API_KEY), so routes may omit api_key entirely.
func (c *Client) callOptions(call *upstream.Call) []option.RequestOption {
	var opts []option.RequestOption

	key := call.APIKey
	if key == "" {
		key = call.BearerToken
	}
	if key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if call.APIBase != "" {
		opts = append(opts, option.WithBaseURL(call.APIBase))
	}
	for k, v := range call.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return opts
}

func (c *Client) toUpstreamError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return &upstream.Error{
			Provider:   c.name,
			StatusCode: sdkErr.StatusCode,
			Message:    sdkErr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
