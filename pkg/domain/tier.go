package domain

import "strings"

// Tier is a tenant service level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierBusiness:   2,
	TierEnterprise: 3,
}

// ParseTier normalises a tier name. The boolean is false for unknown tiers,
// which are reported as TierFree.
func ParseTier(raw string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := tierRank[t]; ok {
		return t, true
	}
	return TierFree, false
}

// Rank orders tiers from free (0) to enterprise. Unknown tiers rank as free.
func (t Tier) Rank() int {
	return tierRank[t]
}

// AtLeast reports whether t is the same as or above min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

// Highest reports whether t is the top tier.
func (t Tier) Highest() bool {
	return t == TierEnterprise
}
