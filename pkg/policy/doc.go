// Package policy embeds the Open Policy Agent engine and evaluates Rego
// decisions on which tiers may invoke which capabilities.
//
// Modules are parsed once, queries are prepared lazily per entrypoint and
// decisions are memoized in a bounded LRU keyed by the full input. A Mode
// decides what happens when evaluation itself fails.
package policy
