package governor

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
)

// scanSuspicious serializes def and returns every pattern that occurs in the
// lowercased text. Patterns are expected in lower case.
func scanSuspicious(def *domain.Definition, patterns []string) ([]string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("serialize workflow for scanning: %w", err)
	}
	text := bytes.ToLower(buf.Bytes())

	var found []string
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if bytes.Contains(text, []byte(pattern)) {
			found = append(found, pattern)
		}
	}
	return found, nil
}
