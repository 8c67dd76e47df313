// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeModelNotFound     = "model_not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidCredential = "invalid_credential_config"
)

// GatewayError is a routing-core error carrying an HTTP-equivalent status.
// It is the single error currency between the dispatcher and the HTTP layer.
type GatewayError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s (status=%d, code=%s)", e.Message, e.Status, e.Code)
}

// HTTPStatus implements the status-coder convention used across the gateway.
func (e *GatewayError) HTTPStatus() int { return e.Status }

// Unauthorized returns the 401 error for unknown or mismatched caller tokens.
// The message deliberately carries no internal detail.
func Unauthorized() *GatewayError {
	return &GatewayError{
		Status:  fasthttp.StatusUnauthorized,
		Message: "invalid user key",
		Type:    TypeAuthenticationErr,
		Code:    CodeInvalidAPIKey,
	}
}

// RouteNotFound returns the 404 error for a logical model name absent from
// the routing table. Never falls back to a default backend.
func RouteNotFound(model string) *GatewayError {
	return &GatewayError{
		Status:  fasthttp.StatusNotFound,
		Message: fmt.Sprintf("could not find model %q route setting, check model mapping configuration", model),
		Type:    TypeInvalidRequest,
		Code:    CodeModelNotFound,
	}
}

// InvalidCredentialConfig signals incomplete client-credential configuration
// with no viable ambient fallback. Recovered locally where a fallback exists.
func InvalidCredentialConfig(reason string) *GatewayError {
	return &GatewayError{
		Status:  fasthttp.StatusInternalServerError,
		Message: "credential configuration invalid: " + reason,
		Type:    TypeServerError,
		Code:    CodeInvalidCredential,
	}
}

// Upstream wraps a backend failure. status is the upstream's HTTP status when
// known; pass 0 for a generic 502.
func Upstream(status int, msg string) *GatewayError {
	if status < 400 {
		status = fasthttp.StatusBadGateway
	}
	return &GatewayError{
		Status:  status,
		Message: msg,
		Type:    TypeProviderError,
		Code:    CodeProviderError,
	}
}

// ConfigNotFound is the fatal startup error for a named-but-missing config file.
type ConfigNotFound struct {
	Path string
}

func (e *ConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps any error to the appropriate JSON response. GatewayError
// statuses pass through; upstream 5xx become 502; everything else is a 500.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		status := ge.Status
		if status >= 500 && status != fasthttp.StatusGatewayTimeout &&
			status != fasthttp.StatusInternalServerError {
			status = fasthttp.StatusBadGateway
		}
		Write(ctx, status, ge.Message, ge.Type, ge.Code)
		return
	}
	Write(ctx, fasthttp.StatusInternalServerError, err.Error(), TypeServerError, CodeInternalError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
