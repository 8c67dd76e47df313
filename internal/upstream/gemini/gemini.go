// Package gemini implements the upstream.Client interface for Google Gemini
// (official GenAI SDK). SDK clients are constructed per call because the key
// and endpoint come from the routing table; construction is cheap since the
// underlying HTTP client is shared.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
)

const providerName = "gemini"

// Client is the Gemini backend client.
type Client struct {
	httpClient *http.Client
}

// New creates a Gemini Client.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: upstream.Timeout},
	}
}

func (c *Client) Name() string { return providerName }

// ChatCompletion implements upstream.Client.
func (c *Client) ChatCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	contents, cfg := buildContentsAndConfig(call, call.Messages)
	return c.generate(ctx, call, contents, cfg)
}

// TextCompletion implements upstream.Client. The prompt is sent as a single
// user turn.
func (c *Client) TextCompletion(ctx context.Context, call *upstream.Call) (*upstream.Response, error) {
	contents, cfg := buildContentsAndConfig(call, []upstream.Message{{Role: "user", Content: call.Prompt}})
	return c.generate(ctx, call, contents, cfg)
}

func (c *Client) generate(
	ctx context.Context,
	call *upstream.Call,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.Response, error) {
	client, err := c.clientFor(ctx, call)
	if err != nil {
		return nil, err
	}

	if call.Stream {
		return streamContent(ctx, client, call.Model, contents, cfg), nil
	}

	resp, err := client.Models.GenerateContent(ctx, call.Model, contents, cfg)
	if err != nil {
		return nil, toUpstreamError(err)
	}

	id := ""
	out := ""
	finish := ""
	var inTok, outTok int
	if resp != nil {
		id = resp.ResponseID
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = string(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			inTok = int(resp.UsageMetadata.PromptTokenCount)
			outTok = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	if id == "" {
		id = generateID()
	}

	return &upstream.Response{
		ID:           id,
		Model:        call.Model,
		Content:      out,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func buildContentsAndConfig(call *upstream.Call, messages []upstream.Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || call.Temperature > 0 || call.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && call.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(call.Temperature))
	}
	if cfg != nil && call.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(call.MaxTokens)
	}

	return contents, cfg
}

func streamContent(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) *upstream.Response {
	ch := make(chan upstream.Chunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- upstream.Chunk{Err: toUpstreamError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			cand := resp.Candidates[0]
			text := candidateText(cand)
			finish := string(cand.FinishReason)

			if text != "" || finish != "" {
				ch <- upstream.Chunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &upstream.Response{Stream: ch}
}

// clientFor constructs an SDK client for one route. An empty key defers to
// the SDK's ambient credentials (GEMINI_API_KEY / GOOGLE_API_KEY).
func (c *Client) clientFor(ctx context.Context, call *upstream.Call) (*genai.Client, error) {
	httpOpts := genai.HTTPOptions{}
	if call.APIBase != "" {
		httpOpts.BaseURL, httpOpts.APIVersion = splitBaseURLAndVersion(call.APIBase)
	}
	if len(call.ExtraHeaders) > 0 {
		httpOpts.Headers = make(http.Header, len(call.ExtraHeaders))
		for k, v := range call.ExtraHeaders {
			httpOpts.Headers.Set(k, v)
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      call.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// splitBaseURLAndVersion separates a trailing API version segment (e.g.
// "/v1beta") from the base URL, since the SDK configures them independently.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toUpstreamError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &upstream.Error{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
