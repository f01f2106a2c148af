package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// GenerateRequest is one completion request.
type GenerateRequest struct {
	Prompt string
	Model  string
	// Images are base64 payloads passed to vision models.
	Images []string
}

// wireRequest is the body of POST /api/generate.
type wireRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Stream bool     `json:"stream"`
	Images []string `json:"images,omitempty"`
}

// Stats holds the token accounting the endpoint reports with done:true.
type Stats struct {
	TotalDuration      time.Duration `json:"total_duration"`
	LoadDuration       time.Duration `json:"load_duration"`
	PromptEvalCount    int           `json:"prompt_eval_count"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration"`
	EvalCount          int           `json:"eval_count"`
	EvalDuration       time.Duration `json:"eval_duration"`
}

// GenerateResponse is the normalized response of /api/generate. Streaming
// lines decode into the same type.
type GenerateResponse struct {
	Model     string
	CreatedAt time.Time
	Text      string
	Done      bool
	Stats     Stats
	// Error carries an in-band failure reported on a stream line.
	Error string
}

// UnmarshalJSON accepts the upstream variants: "response" as a string or
// as an object holding content/text/response, and chat-style
// "message.content".
func (r *GenerateResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Model     string          `json:"model"`
		CreatedAt time.Time       `json:"created_at"`
		Response  json.RawMessage `json:"response"`
		Message   *struct {
			Content string `json:"content"`
		} `json:"message"`
		Done  bool   `json:"done"`
		Error string `json:"error"`
		Stats
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = GenerateResponse{
		Model:     raw.Model,
		CreatedAt: raw.CreatedAt,
		Done:      raw.Done,
		Stats:     raw.Stats,
		Error:     raw.Error,
	}

	text, err := responseText(raw.Response)
	if err != nil {
		return err
	}
	if text == "" && raw.Message != nil {
		text = raw.Message.Content
	}
	r.Text = text
	return nil
}

func responseText(msg json.RawMessage) (string, error) {
	if len(msg) == 0 || string(msg) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Content  string `json:"content"`
		Text     string `json:"text"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(msg, &obj); err != nil {
		return "", err
	}
	for _, s := range []string{obj.Content, obj.Text, obj.Response} {
		if s != "" {
			return s, nil
		}
	}
	return "", nil
}

// Validate applies the success predicate: done and non-empty text.
func (r *GenerateResponse) Validate() error {
	if r == nil {
		return &ValidationError{Reason: "no response"}
	}
	if !r.Done {
		return &ValidationError{Reason: "response not marked done"}
	}
	if strings.TrimSpace(r.Text) == "" {
		return &ValidationError{Reason: "empty response text"}
	}
	return nil
}

// Model describes one entry of GET /api/tags.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

type tagsResponse struct {
	Models []Model `json:"models"`
}
