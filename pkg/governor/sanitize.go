package governor

import (
	"sort"
	"strings"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
)

type sanitizer struct {
	denied     map[string]struct{}
	keepDenied bool
	strip      string
	maxLen     int
}

func newSanitizer(p Policy, tier string) sanitizer {
	denied := make(map[string]struct{}, len(p.DeniedKeys))
	for _, key := range p.DeniedKeys {
		denied[key] = struct{}{}
	}
	return sanitizer{
		denied:     denied,
		keepDenied: tier == p.Highest(),
		strip:      p.StripChars,
		maxLen:     p.MaxStringLength,
	}
}

// definition returns a sanitized copy of def and the deny-listed keys removed
// per node id.
func (s sanitizer) definition(def *domain.Definition) (*domain.Definition, map[string][]string) {
	out := def.Clone()
	removed := map[string][]string{}
	for i := range out.Nodes {
		node := &out.Nodes[i]
		var stripped []string
		node.Config = s.config(node.Config, true, &stripped)
		if len(stripped) > 0 {
			sort.Strings(stripped)
			removed[node.ID] = stripped
		}
	}
	return out, removed
}

func (s sanitizer) config(in map[string]any, top bool, removed *[]string) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		if _, deny := s.denied[key]; deny && !s.keepDenied {
			*removed = append(*removed, key)
			continue
		}
		if top && key == domain.ConfigCondition {
			if cond, ok := value.(string); ok {
				out[key] = truncate(cond, s.maxLen)
				continue
			}
		}
		out[key] = s.value(value, removed)
	}
	return out
}

func (s sanitizer) value(v any, removed *[]string) any {
	switch typed := v.(type) {
	case string:
		return s.String(typed)
	case map[string]any:
		return s.config(typed, false, removed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = s.value(item, removed)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		for i, item := range typed {
			out[i] = s.String(item)
		}
		return out
	default:
		return v
	}
}

// String removes the strip characters and truncates to the maximum length.
func (s sanitizer) String(in string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(s.strip, r) {
			return -1
		}
		return r
	}, in)
	return truncate(cleaned, s.maxLen)
}

func truncate(in string, maxLen int) string {
	if maxLen <= 0 || len(in) <= maxLen {
		return in
	}
	runes := []rune(in)
	if len(runes) <= maxLen {
		return in
	}
	return string(runes[:maxLen])
}

// SanitizeString applies p's string rules to in.
func SanitizeString(p Policy, in string) string {
	return newSanitizer(p, "").String(in)
}
