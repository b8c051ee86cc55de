package governor

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/policy"
)

// Unlimited disables a quota.
const Unlimited = -1

// TierLimits are the resource limits of one tier. Zero values in a policy
// file inherit the default for that tier.
type TierLimits struct {
	MaxNodes            int `yaml:"max_nodes" json:"max_nodes"`
	MaxPerMonth         int `yaml:"max_per_month" json:"max_per_month"`
	MaxConcurrent       int `yaml:"max_concurrent" json:"max_concurrent"`
	MaxPerHour          int `yaml:"max_per_hour" json:"max_per_hour"`
	MaxExecutionSeconds int `yaml:"max_execution_seconds" json:"max_execution_seconds"`
}

// MaxExecutionTime is the run deadline for the tier. Zero means none.
func (l TierLimits) MaxExecutionTime() time.Duration {
	if l.MaxExecutionSeconds <= 0 {
		return 0
	}
	return time.Duration(l.MaxExecutionSeconds) * time.Second
}

// Policy is the governor's configuration: tier limits, sanitization rules,
// capability restrictions and the suspicious pattern list.
type Policy struct {
	Version string                `yaml:"version" json:"version"`
	Tiers   map[string]TierLimits `yaml:"tiers" json:"tiers"`
	// TierOrder lists tiers from lowest to highest. The last entry is the
	// tier that keeps deny-listed configuration keys.
	TierOrder []string `yaml:"tier_order" json:"tier_order"`
	// DefaultTier is applied to unknown tier names.
	DefaultTier            string            `yaml:"default_tier" json:"default_tier"`
	DeniedKeys             []string          `yaml:"denied_keys" json:"denied_keys"`
	RestrictedCapabilities map[string]string `yaml:"restricted_capabilities" json:"restricted_capabilities"`
	SuspiciousPatterns     []string          `yaml:"suspicious_patterns" json:"suspicious_patterns"`
	StripChars             string            `yaml:"strip_chars" json:"strip_chars"`
	MaxStringLength        int               `yaml:"max_string_length" json:"max_string_length"`
	// NearLimitRatio triggers a warning when a workflow uses this fraction
	// of the tier's node limit.
	NearLimitRatio    float64 `yaml:"near_limit_ratio" json:"near_limit_ratio"`
	PermissionPosture string  `yaml:"permission_posture" json:"permission_posture"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Version: "builtin",
		Tiers: map[string]TierLimits{
			string(domain.TierFree):       {MaxNodes: 5, MaxPerMonth: 3, MaxConcurrent: 1, MaxPerHour: 10, MaxExecutionSeconds: 300},
			string(domain.TierPro):        {MaxNodes: 20, MaxPerMonth: 25, MaxConcurrent: 3, MaxPerHour: 50, MaxExecutionSeconds: 1800},
			string(domain.TierBusiness):   {MaxNodes: 50, MaxPerMonth: Unlimited, MaxConcurrent: 10, MaxPerHour: 200, MaxExecutionSeconds: 3600},
			string(domain.TierEnterprise): {MaxNodes: 200, MaxPerMonth: Unlimited, MaxConcurrent: 50, MaxPerHour: 1000, MaxExecutionSeconds: 7200},
		},
		TierOrder: []string{
			string(domain.TierFree),
			string(domain.TierPro),
			string(domain.TierBusiness),
			string(domain.TierEnterprise),
		},
		DefaultTier: string(domain.TierFree),
		DeniedKeys: []string{
			"system_commands",
			"shell_access",
			"file_write_path",
			"database_credentials",
			"api_keys",
			"admin_access",
		},
		RestrictedCapabilities: map[string]string{
			"deployment_agent":     string(domain.TierBusiness),
			"database_admin_agent": string(domain.TierEnterprise),
			"system_admin_agent":   string(domain.TierEnterprise),
			"payment_agent":        string(domain.TierPro),
		},
		SuspiciousPatterns: []string{
			"rm -rf",
			"delete from",
			"drop table",
			"wget",
			"curl",
			"eval(",
			"exec(",
			"system(",
			"shell_exec",
			"__import__",
			"subprocess",
			"os.system",
			"command injection",
		},
		StripChars:        "<>&\"';|$`",
		MaxStringLength:   1000,
		NearLimitRatio:    0.8,
		PermissionPosture: string(policy.ModeFailClosed),
	}
}

// ParsePolicy decodes a YAML policy and fills everything it leaves out from
// DefaultPolicy. Without tier_order the file's tiers overlay the built-in
// ones. With tier_order the file declares the complete tier set, and the
// built-in capability restrictions no longer apply. A restricted_capabilities
// map in the file always replaces the built-in one.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode governor policy: %w", err)
	}
	p.normalize()

	defaults := DefaultPolicy()
	for name, limits := range p.Tiers {
		if base, ok := defaults.Tiers[name]; ok {
			if err := mergo.Merge(&limits, base); err != nil {
				return Policy{}, fmt.Errorf("merge tier %q: %w", name, err)
			}
			p.Tiers[name] = limits
		}
	}
	if len(p.TierOrder) > 0 {
		defaults.Tiers = nil
		defaults.TierOrder = nil
		defaults.RestrictedCapabilities = nil
		if _, ok := p.Tiers[defaults.DefaultTier]; !ok {
			defaults.DefaultTier = p.TierOrder[0]
		}
	}
	if p.RestrictedCapabilities != nil {
		defaults.RestrictedCapabilities = nil
	}
	if err := mergo.Merge(&p, defaults); err != nil {
		return Policy{}, fmt.Errorf("merge governor policy defaults: %w", err)
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read governor policy %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	var errs []error
	if len(p.Tiers) == 0 {
		errs = append(errs, errors.New("at least one tier is required"))
	}
	if len(p.TierOrder) == 0 {
		errs = append(errs, errors.New("tier_order is required"))
	}
	seen := make(map[string]struct{}, len(p.TierOrder))
	for _, name := range p.TierOrder {
		if _, ok := p.Tiers[name]; !ok {
			errs = append(errs, fmt.Errorf("tier_order references unknown tier %q", name))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("tier_order lists %q twice", name))
		}
		seen[name] = struct{}{}
	}
	for name, limits := range p.Tiers {
		if _, ok := seen[name]; !ok {
			errs = append(errs, fmt.Errorf("tier %q is missing from tier_order", name))
		}
		if limits.MaxNodes <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: max_nodes must be positive", name))
		}
	}
	if _, ok := p.Tiers[p.DefaultTier]; !ok {
		errs = append(errs, fmt.Errorf("default_tier %q is not a configured tier", p.DefaultTier))
	}
	for capability, tier := range p.RestrictedCapabilities {
		if _, ok := p.Tiers[tier]; !ok {
			errs = append(errs, fmt.Errorf("restricted capability %q requires unknown tier %q", capability, tier))
		}
	}
	if p.MaxStringLength <= 0 {
		errs = append(errs, errors.New("max_string_length must be positive"))
	}
	if _, err := policy.ParseMode(p.PermissionPosture); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid governor policy: %w", errors.Join(errs...))
	}
	return nil
}

// Resolve maps a tier name to its configured limits. Unknown names resolve to
// DefaultTier and report false.
func (p Policy) Resolve(tier string) (string, TierLimits, bool) {
	name := strings.ToLower(strings.TrimSpace(tier))
	if limits, ok := p.Tiers[name]; ok {
		return name, limits, true
	}
	return p.DefaultTier, p.Tiers[p.DefaultTier], false
}

// Highest returns the top tier.
func (p Policy) Highest() string {
	if len(p.TierOrder) == 0 {
		return ""
	}
	return p.TierOrder[len(p.TierOrder)-1]
}

// Ranks returns each tier's position in TierOrder.
func (p Policy) Ranks() map[string]int {
	ranks := make(map[string]int, len(p.TierOrder))
	for i, name := range p.TierOrder {
		ranks[name] = i
	}
	return ranks
}

func (p *Policy) normalize() {
	if len(p.Tiers) > 0 {
		tiers := make(map[string]TierLimits, len(p.Tiers))
		for name, limits := range p.Tiers {
			tiers[strings.ToLower(strings.TrimSpace(name))] = limits
		}
		p.Tiers = tiers
	}
	for i, name := range p.TierOrder {
		p.TierOrder[i] = strings.ToLower(strings.TrimSpace(name))
	}
	p.DefaultTier = strings.ToLower(strings.TrimSpace(p.DefaultTier))
	for capability, tier := range p.RestrictedCapabilities {
		p.RestrictedCapabilities[capability] = strings.ToLower(strings.TrimSpace(tier))
	}
	for i, pattern := range p.SuspiciousPatterns {
		p.SuspiciousPatterns[i] = strings.ToLower(pattern)
	}
}
