package stream

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/whispercore/internal/extraction"
)

// Buffer accumulates fragments of one response. It keeps the unfiltered
// full text for extraction and a window of not yet displayed text.
//
// Only closed text leaves the window: everything up to the last period,
// minus any tag line that has not ended yet. Filtering closed text piece
// by piece gives the same result as filtering the whole response, so a
// marker split across fragments ("...the wei" + "ght is 7.") is never
// shown.
//
// A Buffer serves a single stream and is not safe for concurrent use.
type Buffer struct {
	full      strings.Builder
	window    string
	extractor *extraction.Extractor
}

// NewBuffer returns an empty Buffer. A nil extractor means the default.
func NewBuffer(ex *extraction.Extractor) *Buffer {
	if ex == nil {
		ex = extraction.Default()
	}
	return &Buffer{extractor: ex}
}

// Write appends fragment and returns filtered text ready for display, if
// any.
func (b *Buffer) Write(fragment string) (string, bool) {
	b.full.WriteString(fragment)
	b.window += fragment

	end := closedEnd(b.window)
	if end == 0 {
		return "", false
	}
	chunk := extraction.Clean(b.window[:end])
	if strings.TrimSpace(chunk) == "" {
		// Nothing displayable yet; keep it so whitespace is not lost.
		return "", false
	}
	b.window = b.window[end:]
	return chunk, true
}

// Flush filters whatever is left in the window once the stream has ended.
func (b *Buffer) Flush() (string, bool) {
	rest := b.window
	b.window = ""
	chunk := extraction.Clean(rest)
	if strings.TrimSpace(chunk) == "" {
		return "", false
	}
	return chunk, true
}

// Full returns the unfiltered response so far.
func (b *Buffer) Full() string {
	return b.full.String()
}

// Empty reports whether no text has been written.
func (b *Buffer) Empty() bool {
	return b.full.Len() == 0
}

// Result extracts the final fields from the full response, exactly as a
// non-streamed call would. The display filters only apply to chunks.
func (b *Buffer) Result() extraction.Result {
	return b.extractor.Extract(b.full.String())
}

// tagLine matches a tag marker and the rest of its line; a match that
// runs to the end of the window may still grow.
var tagLine = regexp.MustCompile(`(?i)TAGS:\s*.*`)

// closedEnd returns the length of the prefix of s that can be filtered
// independently of whatever arrives next: up to the last period, moved
// back before any tag line the cut would split.
func closedEnd(s string) int {
	end := strings.LastIndexByte(s, '.') + 1
	locs := tagLine.FindAllStringIndex(s, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		start, stop := locs[i][0], locs[i][1]
		if end > start && (end < stop || stop == len(s)) {
			end = strings.LastIndexByte(s[:start], '.') + 1
		}
	}
	return end
}
