// Package stream turns a raw fragment stream from the model into live,
// redacted display events plus one final structured result.
package stream

import (
	"encoding/json"
)

// EventType tags an Event.
type EventType string

const (
	// EventChunk carries filtered text for live display.
	EventChunk EventType = "chunk"
	// EventComplete is terminal and carries the extracted result.
	EventComplete EventType = "complete"
	// EventError is terminal and carries the failure message.
	EventError EventType = "error"
)

// Event is one element of a reflection stream. Which fields are meaningful
// depends on Type.
type Event struct {
	Type       EventType
	Content    string // chunk
	Reflection string // complete
	Weight     int    // complete
	Tags       []string
	Error      string // error
	Attempt    int
	Tone       string
}

// Terminal reports whether no event can follow e.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// MarshalJSON emits the per-type wire shape, with a done flag set on
// terminal events.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventChunk:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
			Done    bool      `json:"done"`
			Attempt int       `json:"attempt"`
			Tone    string    `json:"tone,omitempty"`
		}{e.Type, e.Content, false, e.Attempt, e.Tone})
	case EventComplete:
		tags := e.Tags
		if tags == nil {
			tags = []string{}
		}
		return json.Marshal(struct {
			Type       EventType `json:"type"`
			Reflection string    `json:"reflection"`
			Weight     int       `json:"weight"`
			Tags       []string  `json:"tags"`
			Done       bool      `json:"done"`
			Attempt    int       `json:"attempt"`
			Tone       string    `json:"tone,omitempty"`
		}{e.Type, e.Reflection, e.Weight, tags, true, e.Attempt, e.Tone})
	default:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Error   string    `json:"error"`
			Done    bool      `json:"done"`
			Attempt int       `json:"attempt"`
			Tone    string    `json:"tone,omitempty"`
		}{e.Type, e.Error, true, e.Attempt, e.Tone})
	}
}

// UnmarshalJSON decodes any of the wire shapes.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       EventType `json:"type"`
		Content    string    `json:"content"`
		Reflection string    `json:"reflection"`
		Weight     int       `json:"weight"`
		Tags       []string  `json:"tags"`
		Error      string    `json:"error"`
		Attempt    int       `json:"attempt"`
		Tone       string    `json:"tone"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{
		Type:       raw.Type,
		Content:    raw.Content,
		Reflection: raw.Reflection,
		Weight:     raw.Weight,
		Tags:       raw.Tags,
		Error:      raw.Error,
		Attempt:    raw.Attempt,
		Tone:       raw.Tone,
	}
	return nil
}
