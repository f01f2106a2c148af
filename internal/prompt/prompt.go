// Package prompt builds the instruction text sent to the generation model.
package prompt

import (
	"fmt"
	"strings"
)

// DefaultTone is used when a request carries no tone.
const DefaultTone = "empathetic"

// DefaultVisionModels lists name fragments of models that accept images
// through the request's image side-channel.
var DefaultVisionModels = []string{"vision", "llava", "llama3.1", "claude", "gpt-4v", "gemini"}

// Request is one reflection request.
type Request struct {
	Content string `json:"content"`
	Tone    string `json:"tone,omitempty"`
	Model   string `json:"model"`
	// Image is an optional base64-encoded attachment.
	Image string `json:"image,omitempty"`
}

// Prompt is the composed instruction plus any images that travel beside it.
type Prompt struct {
	Text   string
	Images []string
}

// Composer builds prompts. The zero value is usable.
type Composer struct {
	DefaultTone  string
	VisionModels []string
}

// NewComposer returns a Composer with the given defaults; empty values
// fall back to DefaultTone and DefaultVisionModels.
func NewComposer(defaultTone string, visionModels []string) *Composer {
	return &Composer{DefaultTone: defaultTone, VisionModels: visionModels}
}

// IsVisionModel reports whether model accepts images out of band.
func (c *Composer) IsVisionModel(model string) bool {
	models := c.VisionModels
	if len(models) == 0 {
		models = DefaultVisionModels
	}
	name := strings.ToLower(model)
	for _, m := range models {
		if m != "" && strings.Contains(name, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Tone returns the effective tone for req.
func (c *Composer) Tone(req Request) string {
	if t := strings.TrimSpace(req.Tone); t != "" {
		return t
	}
	if c.DefaultTone != "" {
		return c.DefaultTone
	}
	return DefaultTone
}

// Compose builds the reflection prompt for req.
//
// For vision models the image goes into Prompt.Images and never into the
// text. Text-only models get the image inline as a labeled base64 blob.
func (c *Composer) Compose(req Request) Prompt {
	tone := c.Tone(req)

	var p Prompt
	inline := ""
	if req.Image != "" {
		if c.IsVisionModel(req.Model) {
			p.Images = []string{req.Image}
		} else {
			inline = req.Image
		}
	}

	var b strings.Builder
	b.WriteString(persona)
	fmt.Fprintf(&b, "\nMemory to reflect on: %s\nYour tone: %s\n", req.Content, tone)
	if inline != "" {
		fmt.Fprintf(&b, "\nAttached image (base64): %s\n", inline)
	}
	fmt.Fprintf(&b, guidance, tone)
	b.WriteString(weightScale)
	b.WriteString(outputContract)

	p.Text = b.String()
	return p
}

const persona = `You are WhisperCore, an AI confidant that helps people process their
daily experiences with emotional intelligence and an eye for personal growth.
Treat the user the way a trusted friend would: notice what the moment meant
to them and reflect it back with care.

Your role:
- Capture the emotional essence of the experience
- Offer personal insight that invites self-reflection
- Point out patterns, growth opportunities and meaningful moments
- Stay supportive, human and consistent
`

const guidance = `
Write a %s reflection on this memory. Consider:
- The emotional journey and impact of the experience
- What it reveals about the user's values, growth or patterns
- Insights or lessons it may hold
- How the moment fits the user's broader story
- Encouragement or perspective that feels genuinely supportive

Keep it warm and specific to this experience. Avoid generic advice.
`

const weightScale = `
Weight scale (1-10):
- 1-2: Minor daily events, routine activities, simple pleasures
- 3-4: Regular experiences with mild emotions, small wins or setbacks
- 5-6: Notable experiences with moderate emotions, learning moments
- 7-8: Significant events with strong emotions, important insights or achievements
- 9-10: Life-changing events, major achievements, deeply meaningful moments

When choosing the weight, consider emotional intensity, impact on the
user's life, growth potential, relationships involved, milestone value and
the effect on overall well-being.
`

const outputContract = `
After your reflection, give 3-5 tags naming the key themes, emotions or
categories of this memory, as simple words or short phrases separated by commas.

FORMAT:
1. Write your reflection
2. Add a single number (1-10) for weight
3. Add tags in format: TAGS: tag1, tag2, tag3
`
