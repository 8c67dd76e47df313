package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
)

func baseCall(srvURL string) *upstream.Call {
	return &upstream.Call{
		Model:       "gpt-4o-deploy",
		Messages:    []upstream.Message{{Role: "user", Content: "Hello"}},
		APIBase:     srvURL,
		BearerToken: "issued-token",
	}
}

func TestClient_Name(t *testing.T) {
	if New().Name() != "azure" {
		t.Fatalf("expected 'azure', got %q", New().Name())
	}
}

func TestChatCompletion_Success(t *testing.T) {
	responseBody := map[string]any{
		"id":    "chatcmpl-az-1",
		"model": "gpt-4o",
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Hi!"},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     7,
			"completion_tokens": 3,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/openai/deployments/gpt-4o-deploy/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") == "" {
			t.Error("missing api-version query parameter")
		}
		if r.Header.Get("Authorization") != "Bearer issued-token" {
			t.Errorf("wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("extra header not forwarded: %s", r.Header.Get("X-Custom"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	call := baseCall(srv.URL)
	call.ExtraHeaders = map[string]string{"X-Custom": "yes"}

	resp, err := New().ChatCompletion(context.Background(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "chatcmpl-az-1" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Content != "Hi!" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestChatCompletion_APIKeyHeaderWhenNoBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "static-key" {
			t.Errorf("expected api-key header, got %q", r.Header.Get("api-key"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header must be absent for static key auth")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","model":"m","choices":[],"usage":{}}`)
	}))
	defer srv.Close()

	call := baseCall(srv.URL)
	call.BearerToken = ""
	call.APIKey = "static-key"

	if _, err := New().ChatCompletion(context.Background(), call); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestChatCompletion_NoCredential(t *testing.T) {
	call := baseCall("http://unused")
	call.BearerToken = ""

	if _, err := New().ChatCompletion(context.Background(), call); err == nil {
		t.Fatal("expected error for missing credential")
	}
}

func TestChatCompletion_Streaming(t *testing.T) {
	chunks := []string{
		`{"id":"c1","choices":[{"delta":{"content":"Hel"},"finish_reason":""}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"lo"},"finish_reason":""}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	call := baseCall(srv.URL)
	call.Stream = true

	resp, err := New().ChatCompletion(context.Background(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected a stream")
	}

	var content, finish string
	for chunk := range resp.Stream {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if content != "Hello" {
		t.Errorf("streamed content = %q", content)
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q", finish)
	}
}

func TestTextCompletion_UsesCompletionsPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/gpt-4o-deploy/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "Say hi" {
			t.Errorf("prompt = %v", body["prompt"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","model":"m","choices":[{"text":"hi","finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	call := baseCall(srv.URL)
	call.Messages = nil
	call.Prompt = "Say hi"

	resp, err := New().TextCompletion(context.Background(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestChatCompletion_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit","code":"429"}}`)
	}))
	defer srv.Close()

	_, err := New().ChatCompletion(context.Background(), baseCall(srv.URL))
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected upstream.Error, got %v", err)
	}
	if ue.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", ue.StatusCode)
	}
	if ue.Message != "rate limited" {
		t.Errorf("Message = %q", ue.Message)
	}
}
