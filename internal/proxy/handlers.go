package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/tenant-gateway/internal/dispatch"
	"github.com/nulpointcorp/tenant-gateway/internal/identity"
	"github.com/nulpointcorp/tenant-gateway/internal/logger"
	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
	"github.com/nulpointcorp/tenant-gateway/pkg/apierr"
)

// ── Inbound / outbound wire types ────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundRequest covers both chat and text completion bodies. Stream and
	// Prompt are raw so their loose typing (bool-or-string, string-or-array)
	// can be normalized explicitly.
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Prompt      json.RawMessage  `json:"prompt"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
		Stream      json.RawMessage  `json:"stream"`
		User        string           `json:"user"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int              `json:"index"`
		Message      *outboundMessage `json:"message,omitempty"`
		Text         string           `json:"text,omitempty"`
		FinishReason string           `json:"finish_reason"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// handleCompletion serves the chat and text completion endpoints.
func (s *Server) handleCompletion(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	start := time.Now()

	caller, err := s.authenticate(ctx)
	if err != nil {
		return
	}

	req, parseErr := parseInbound(ctx.PostBody())
	if parseErr != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			parseErr.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("caller", caller.ID),
		slog.Bool("stream", req.Stream),
	)

	// Per-tenant rate limit. Admins bypass.
	if s.rpm != nil && caller.Role == identity.RoleTenant {
		allowed, rlErr := s.rpm.Allow(ctx, caller.ID)
		if rlErr == nil && !allowed {
			s.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("caller", caller.ID),
			)
			s.emitFailure(caller, req.Model, fasthttp.StatusTooManyRequests)
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	req.Path = string(ctx.Path())
	req.Caller = caller

	dctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)

	res, err := s.dispatcher.Dispatch(dctx, &req.Request)
	if err != nil {
		cancel()
		status := errStatus(err)
		s.log.ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		s.emitFailure(caller, req.Model, status)
		s.logRequest(reqID, caller, req.Model, "", 0, 0, time.Since(start), status, req.Stream)
		if errors.Is(err, context.DeadlineExceeded) {
			apierr.WriteTimeout(ctx)
			return
		}
		apierr.WriteError(ctx, err)
		return
	}

	family := res.Entry.Family.String()

	// Streaming: relay as SSE, emit accounting once the stream drains.
	if req.Stream && res.Response.Stream != nil {
		s.writeSSE(ctx, res.Response.Stream, func(outputTokens int) {
			cancel()
			res.Marks.RequestEnd = time.Now()
			usage := upstream.Usage{OutputTokens: outputTokens}
			if s.metrics != nil {
				s.metrics.OnSuccess(caller, req.Model, res.Marks, usage)
			}
			s.logRequest(reqID, caller, req.Model, family,
				0, outputTokens, time.Since(start), fasthttp.StatusOK, true)
		})
		return
	}
	defer cancel()

	object := "chat.completion"
	choice := outboundChoice{
		Index:        0,
		Message:      &outboundMessage{Role: "assistant", Content: res.Response.Content},
		FinishReason: finishOr(res.Response.FinishReason, "stop"),
	}
	if isTextRequest(req.Path) {
		object = "text_completion"
		choice.Message = nil
		choice.Text = res.Response.Content
	}

	out := outboundResponse{
		ID:      res.Response.ID,
		Object:  object,
		Created: time.Now().Unix(),
		Model:   res.Response.Model,
		Choices: []outboundChoice{choice},
		Usage: outboundUsage{
			PromptTokens:     res.Response.Usage.InputTokens,
			CompletionTokens: res.Response.Usage.OutputTokens,
			TotalTokens:      res.Response.Usage.InputTokens + res.Response.Usage.OutputTokens,
		},
	}

	body, marshalErr := json.Marshal(out)
	if marshalErr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	res.Marks.RequestEnd = time.Now()
	if s.metrics != nil {
		s.metrics.OnSuccess(caller, req.Model, res.Marks, res.Response.Usage)
	}
	s.logRequest(reqID, caller, req.Model, family,
		res.Response.Usage.InputTokens, res.Response.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// authenticate resolves the bearer token. On failure the 401 response is
// written and an error returned.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx) (identity.Identity, error) {
	token := bearerToken(ctx)
	caller, err := s.resolver.Resolve(token)
	if err != nil {
		apierr.WriteError(ctx, err)
		return identity.Identity{}, err
	}
	return caller, nil
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// parsedRequest is the normalized inbound body plus the dispatch request it
// maps onto.
type parsedRequest struct {
	dispatch.Request
}

func parseInbound(body []byte) (*parsedRequest, error) {
	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if in.Model == "" {
		return nil, errors.New("field 'model' is required")
	}

	msgs := make([]upstream.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}

	return &parsedRequest{Request: dispatch.Request{
		Model:       in.Model,
		Messages:    msgs,
		Prompt:      normalizePrompt(in.Prompt),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Stream:      normalizeStream(in.Stream),
	}}, nil
}

// normalizeStream converts the loosely typed stream flag to a bool. JSON
// booleans pass through; the strings "true"/"false" (any case, surrounding
// whitespace ignored) are accepted for clients that send the flag quoted.
// Anything else means no streaming.
func normalizeStream(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.EqualFold(strings.TrimSpace(str), "true")
	}

	return false
}

// normalizePrompt accepts a JSON string or array of strings, joining array
// elements with newlines.
func normalizePrompt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}

	return ""
}

func isTextRequest(path string) bool {
	return strings.HasSuffix(path, "/completions") && !strings.Contains(path, "/chat/")
}

func finishOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func errStatus(err error) int {
	var ge *apierr.GatewayError
	if errors.As(err, &ge) {
		return ge.Status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fasthttp.StatusGatewayTimeout
	}
	return fasthttp.StatusInternalServerError
}

func (s *Server) emitFailure(caller identity.Identity, model string, status int) {
	if s.metrics != nil {
		s.metrics.OnFailure(caller, model, status)
	}
}

// logRequest enqueues an entry to the async request logger. Never blocks.
func (s *Server) logRequest(
	requestID string,
	caller identity.Identity,
	model, family string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	stream bool,
) {
	if s.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	s.reqLogger.Log(logger.Entry{
		ID:           reqUUID,
		Model:        model,
		Family:       family,
		User:         caller.ID,
		Project:      caller.Profile.Project,
		Org:          caller.Profile.Org,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latency.Milliseconds()),
		Status:       uint16(status),
		Stream:       stream,
		CreatedAt:    time.Now(),
	})
}

// writeSSE streams response chunks as Server-Sent Events. Every frame is
// flushed immediately so slow backends never batch up. A mid-stream backend
// failure produces a terminal error frame instead of [DONE]. onComplete runs
// once the stream drains, with an estimated output token count (chars/4).
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, stream <-chan upstream.Chunk, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("stream_writer_panic", slog.Any("panic", r))
			}
		}()

		var sb strings.Builder
		for chunk := range stream {
			if chunk.Err != nil {
				writeSSEError(w, chunk.Err)
				onComplete(estimateTokens(sb.Len()))
				return
			}

			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				// Client went away mid-stream. onComplete cancels the
				// dispatch context, which stops the upstream producers;
				// draining releases the relay goroutine in the meantime.
				s.log.Warn("stream_client_gone", slog.String("error", err.Error()))
				onComplete(estimateTokens(sb.Len()))
				go func() {
					for range stream {
					}
				}()
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()

		onComplete(estimateTokens(sb.Len()))
	})
}

func writeSSEError(w *bufio.Writer, err error) {
	frame := map[string]any{
		"error": map[string]string{
			"message": err.Error(),
			"type":    apierr.TypeProviderError,
			"code":    apierr.CodeProviderError,
		},
	}
	data, _ := json.Marshal(frame)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush()
}

// estimateTokens approximates output tokens as chars/4 (GPT-style heuristic).
// A stream that produced no content at all counts as zero tokens.
func estimateTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	estimated := chars / 4
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}
