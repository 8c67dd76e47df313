// Package azure implements the upstream.Client interface for Azure OpenAI.
// Azure OpenAI uses deployment-based URLs and authenticates with either an
// issued Entra ID bearer token ("Authorization: Bearer") or a static
// resource key ("api-key" header).
//
// The deployment name is the call's model identifier; the routing prefix is
// stripped before the call reaches this client. The resource endpoint comes
// from the route's api_base, e.g. "https://myresource.openai.azure.com".
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
)

const (
	providerName      = "azure"
	defaultAPIVersion = "2024-12-01-preview"
)

type chatRequest struct {
	Messages    []chatMessage `json:"messages,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	Text         string       `json:"text,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Client is the Azure OpenAI backend client.
type Client struct {
	apiVersion string
	client     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIVersion overrides the Azure OpenAI API version.
func WithAPIVersion(v string) Option {
	return func(c *Client) { c.apiVersion = v }
}

// WithHTTPClient overrides the HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates an Azure OpenAI Client.
func New(opts ...Option) *Client {
	c := &Client{
		apiVersion: defaultAPIVersion,
		client:     &http.Client{Timeout: upstream.Timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return providerName }

// ChatCompletion implements upstream.Client.
func (c *Client) ChatCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	msgs := make([]chatMessage, len(call.Messages))
	for i, m := range call.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return c.do(ctx, call, "chat/completions", chatRequest{
		Messages:    msgs,
		Stream:      call.Stream,
		Temperature: call.Temperature,
		MaxTokens:   call.MaxTokens,
		User:        call.User,
	})
}

// TextCompletion implements upstream.Client.
func (c *Client) TextCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	return c.do(ctx, call, "completions", chatRequest{
		Prompt:      call.Prompt,
		Stream:      call.Stream,
		Temperature: call.Temperature,
		MaxTokens:   call.MaxTokens,
		User:        call.User,
	})
}

func (c *Client) do(ctx context.Context, call *upstream.Call, op string, body chatRequest) (*upstream.Response, error) {
	if call.APIBase == "" {
		return nil, fmt.Errorf("azure: no api_base configured for deployment %q", call.Model)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		strings.TrimRight(call.APIBase, "/"), call.Model, op, c.apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req, call); err != nil {
		return nil, err
	}
	for k, v := range call.ExtraHeaders {
		req.Header.Set(k, v)
	}
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	if call.Stream {
		return handleStreaming(resp), nil
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

// authorize sets the auth header: issued bearer tokens take precedence over
// static resource keys.
func (c *Client) authorize(req *http.Request, call *upstream.Call) error {
	switch {
	case call.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+call.BearerToken)
	case call.APIKey != "":
		req.Header.Set("api-key", call.APIKey)
	default:
		return fmt.Errorf("azure: no credential configured for deployment %q", call.Model)
	}
	return nil
}

func handleResponse(resp *http.Response) (*upstream.Response, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	content, finish := "", ""
	if len(cr.Choices) > 0 {
		ch := cr.Choices[0]
		finish = ch.FinishReason
		if ch.Message != nil {
			content = ch.Message.Content
		} else {
			content = ch.Text
		}
	}

	return &upstream.Response{
		ID:           cr.ID,
		Model:        cr.Model,
		Content:      content,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

func handleStreaming(resp *http.Response) *upstream.Response {
	ch := make(chan upstream.Chunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if len(cr.Choices) == 0 {
				continue
			}

			content := cr.Choices[0].Text
			if cr.Choices[0].Delta != nil {
				content = cr.Choices[0].Delta.Content
			}
			if content != "" || cr.Choices[0].FinishReason != "" {
				ch <- upstream.Chunk{
					Content:      content,
					FinishReason: cr.Choices[0].FinishReason,
				}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- upstream.Chunk{Err: fmt.Errorf("azure: read stream: %w", err)}
		}
	}()

	return &upstream.Response{Stream: ch}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &upstream.Error{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
			Type:       cr.Error.Type,
			Code:       cr.Error.Code,
		}
	}

	return &upstream.Error{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "azure_error",
	}
}
