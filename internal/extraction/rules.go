package extraction

import (
	"fmt"
	"regexp"
)

// Field names the result field a Rule fills.
type Field string

const (
	FieldTags   Field = "tags"
	FieldWeight Field = "weight"
)

// Rule is one extraction heuristic. Pattern must have one capture group
// holding the value. Strip is removed from the reflection when the rule
// wins; empty means Pattern itself.
type Rule struct {
	Name    string
	Field   Field
	Pattern string
	Strip   string
}

type compiledRule struct {
	Rule
	find  *regexp.Regexp
	strip *regexp.Regexp
}

// DefaultRules returns the built-in rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "tags_marker",
			Field:   FieldTags,
			Pattern: `(?i)TAGS:\s*(.+)`,
		},
		{
			Name:    "weight_label",
			Field:   FieldWeight,
			Pattern: `(?i)\*?\*?Weight:\*?\*?\s*(\d+)\*?\*?`,
		},
		{
			Name:    "weight_sentence",
			Field:   FieldWeight,
			Pattern: `(?i)This memory holds a weight of (\d+)`,
			Strip:   `(?i)This memory holds a weight of \d+\.?`,
		},
		{
			Name:    "weight_phrase",
			Field:   FieldWeight,
			Pattern: `(?i)\bweight\s+(?:is|of)\s+(\d+)(?:\s*(?:/|out of)\s*10)?`,
		},
		{
			// One or two digits so that "moment 11" is seen and rejected
			// by the range check instead of left in the text.
			Name:    "trailing_number",
			Field:   FieldWeight,
			Pattern: `\b(\d{1,2})\s*$`,
		},
	}
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Field != FieldTags && r.Field != FieldWeight {
			return nil, fmt.Errorf("rule %q: unknown field %q", r.Name, r.Field)
		}
		find, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if find.NumSubexp() < 1 {
			return nil, fmt.Errorf("rule %q: pattern needs a capture group", r.Name)
		}
		strip := find
		if r.Strip != "" {
			if strip, err = regexp.Compile(r.Strip); err != nil {
				return nil, fmt.Errorf("rule %q strip: %w", r.Name, err)
			}
		}
		out = append(out, compiledRule{Rule: r, find: find, strip: strip})
	}
	return out, nil
}
