package providers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fmonfasani/iopeer.com/pkg/capability"
)

// ErrBlocked is returned by the redact provider when a block rule matches.
var ErrBlocked = errors.New("input blocked by redaction rule")

type ruleAction string

const (
	actionRedact ruleAction = "redact"
	actionBlock  ruleAction = "block"
	actionAllow  ruleAction = "allow"
)

type redactRule struct {
	name        string
	expr        *regexp.Regexp
	action      ruleAction
	replacement string
}

// finding records one rule match at a dotted path inside the input.
type finding struct {
	Rule   string `json:"rule"`
	Path   string `json:"path"`
	Action string `json:"action"`
}

var defaultRules = []map[string]any{
	{"name": "email", "pattern": `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`},
	{"name": "ssn", "pattern": `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`},
}

// redact masks matches of config.rules (email and ssn by default) in every
// string of the node input.
func redact(ctx context.Context, msg capability.Message) (any, error) {
	rules, err := compileRules(msg.Config["rules"])
	if err != nil {
		return nil, err
	}

	var findings []finding
	out := redactValue(ctx, "", msg.Data, rules, &findings)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Path < findings[j].Path })

	for _, f := range findings {
		if f.Action == string(actionBlock) {
			return nil, fmt.Errorf("%w: rule %s matched at %s", ErrBlocked, f.Rule, f.Path)
		}
	}
	return map[string]any{
		"data":     out,
		"findings": findings,
		"redacted": len(findings) > 0,
	}, nil
}

func compileRules(raw any) ([]redactRule, error) {
	defs := defaultRules
	if raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("rules must be a list, got %T", raw)
		}
		defs = make([]map[string]any, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("rule must be a map, got %T", item)
			}
			defs = append(defs, m)
		}
	}

	rules := make([]redactRule, 0, len(defs))
	for _, def := range defs {
		name, _ := def["name"].(string)
		pattern, _ := def["pattern"].(string)
		name, pattern = strings.TrimSpace(name), strings.TrimSpace(pattern)
		if name == "" {
			return nil, errors.New("rule name is required")
		}
		if pattern == "" {
			return nil, fmt.Errorf("pattern is required for rule %s", name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", name, err)
		}

		action := actionRedact
		if a, _ := def["action"].(string); a != "" {
			action = ruleAction(strings.ToLower(a))
		}
		switch action {
		case actionRedact, actionBlock, actionAllow:
		default:
			return nil, fmt.Errorf("rule %s: unknown action %q", name, action)
		}

		replacement, _ := def["replacement"].(string)
		if replacement == "" {
			replacement = "[REDACTED:" + name + "]"
		}
		rules = append(rules, redactRule{name: name, expr: expr, action: action, replacement: replacement})
	}
	return rules, nil
}

func redactValue(ctx context.Context, path string, v any, rules []redactRule, findings *[]finding) any {
	if ctx.Err() != nil {
		return v
	}
	switch val := v.(type) {
	case string:
		out := val
		for _, r := range rules {
			if !r.expr.MatchString(val) {
				continue
			}
			*findings = append(*findings, finding{Rule: r.name, Path: path, Action: string(r.action)})
			if r.action == actionRedact {
				out = r.expr.ReplaceAllLiteralString(out, r.replacement)
			}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = redactValue(ctx, joinPath(path, k), item, rules, findings)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(ctx, joinPath(path, fmt.Sprint(i)), item, rules, findings)
		}
		return out
	default:
		return v
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
