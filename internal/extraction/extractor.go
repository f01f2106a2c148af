package extraction

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	minWeight = 1
	maxWeight = 10
)

// Result is the structured form of one model response.
type Result struct {
	Reflection string   `json:"reflection"`
	Weight     int      `json:"weight"`
	Tags       []string `json:"tags"`
}

// Extractor applies rules to model text. It is safe for concurrent use.
type Extractor struct {
	rules  []compiledRule
	logger *zap.Logger
}

// Option configures an Extractor.
type Option func(*options)

type options struct {
	rules  []Rule
	logger *zap.Logger
}

// WithRules replaces the default rule list.
func WithRules(rules ...Rule) Option {
	return func(o *options) { o.rules = rules }
}

// WithLogger sets the logger used for debug traces.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New compiles the rules into an Extractor.
func New(opts ...Option) (*Extractor, error) {
	o := options{rules: DefaultRules(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	rules, err := compileRules(o.rules)
	if err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Extractor{rules: rules, logger: o.logger}, nil
}

var defaultExtractor = sync.OnceValue(func() *Extractor {
	ex, err := New()
	if err != nil {
		panic("extraction: default rules: " + err.Error())
	}
	return ex
})

// Default returns a shared Extractor with the built-in rules.
func Default() *Extractor {
	return defaultExtractor()
}

// Extract parses text into a Result. Identical input always yields an
// identical Result.
func (e *Extractor) Extract(text string) Result {
	res := Result{Tags: []string{}}
	reflection := strings.TrimSpace(text)

	done := map[Field]bool{}
	for _, r := range e.rules {
		if done[r.Field] {
			continue
		}
		subject := reflection
		if r.Field == FieldWeight {
			subject = strings.TrimSpace(reflection)
		}
		m := r.find.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		done[r.Field] = true

		switch r.Field {
		case FieldTags:
			res.Tags = splitTags(m[1])
		case FieldWeight:
			res.Weight = e.checkWeight(r.Name, m[1])
		}
		reflection = r.strip.ReplaceAllString(subject, "")
	}

	res.Reflection = strings.TrimSpace(reflection)
	if res.Reflection == "" {
		res.Reflection = strings.TrimSpace(text)
	}
	return res
}

// checkWeight parses and range-checks a matched weight. Out of range
// values become 0 rather than being clamped.
func (e *Extractor) checkWeight(rule, raw string) int {
	w, err := strconv.Atoi(raw)
	if err != nil || w < minWeight || w > maxWeight {
		e.logger.Debug("discarding out of range weight",
			zap.String("rule", rule), zap.String("value", raw))
		return 0
	}
	return w
}

func splitTags(s string) []string {
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Live-display filters, applied in order by Clean.
var cleanFilters = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)[^.]*weight[^.]*\.?`), ""},
	{regexp.MustCompile(`(?i)[^.]*weighs?[^.]*\.?`), ""},
	{regexp.MustCompile(`(?i)TAGS:\s*.+`), ""},
	{regexp.MustCompile(`\b(?:[1-9]|10)\b`), ""},
	{regexp.MustCompile(`\*+(\s*)$`), "$1"},
}

// Clean removes weight sentences, the tag line, standalone numbers 1-10
// and trailing bold markers from text.
func Clean(text string) string {
	for _, f := range cleanFilters {
		text = f.re.ReplaceAllString(text, f.repl)
	}
	return text
}
