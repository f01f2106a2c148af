package http

import (
	"github.com/fyrsmithlabs/whispercore/internal/llm"
	"github.com/fyrsmithlabs/whispercore/internal/memory"
)

// ReflectionResponse is the response body for POST /api/v1/reflections.
type ReflectionResponse struct {
	Reflection string   `json:"reflection"`
	Weight     int      `json:"weight"`
	Tags       []string `json:"tags"`
}

// CompletionRequest is the request body for POST /api/v1/completions.
type CompletionRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// CompletionResponse is the response body for POST /api/v1/completions.
type CompletionResponse struct {
	Response string `json:"response"`
	Model    string `json:"model,omitempty"`
}

// ModelsResponse is the response body for GET /api/v1/models.
type ModelsResponse struct {
	Models []llm.Model `json:"models"`
}

// MemoriesResponse is the response body for the memory list routes.
type MemoriesResponse struct {
	Memories []memory.View `json:"memories"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Upstream string `json:"upstream"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}
