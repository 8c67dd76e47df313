package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAzureHandler returns an http.Handler simulating the Azure OpenAI API.
//
// Paths follow the deployment convention:
//
//	POST /openai/deployments/{deployment}/chat/completions?api-version=...
//	POST /openai/deployments/{deployment}/completions?api-version=...
//
// Requests must carry either an "api-key" header or a Bearer token; missing
// credentials return 401 the way the real service does.
func newAzureHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if r.Header.Get("api-key") == "" && !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeError(w, http.StatusUnauthorized,
				"Access denied due to missing subscription key or token", "authentication_error")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "api-version query parameter is required", "invalid_request")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		deployment := extractDeployment(r.URL.Path)
		text := strings.HasSuffix(r.URL.Path, "/completions") && !strings.Contains(r.URL.Path, "/chat/")

		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		id := fmt.Sprintf("chatcmpl-azmock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if req.Stream && !text {
			serveOpenAIStream(w, id, deployment, content)
			return
		}

		choice := map[string]any{"index": 0, "finish_reason": "stop"}
		object := "chat.completion"
		if text {
			object = "text_completion"
			choice["text"] = content
		} else {
			choice["message"] = map[string]string{"role": "assistant", "content": content}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  object,
			"created": time.Now().Unix(),
			"model":   deployment,
			"choices": []map[string]any{choice},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      10 + cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// extractDeployment pulls the deployment name out of a path like
// /openai/deployments/gpt-4o-deploy/chat/completions.
func extractDeployment(path string) string {
	const prefix = "/openai/deployments/"
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
