// Package redirects generates routing rules for serverless URLs and merges
// them into a hosting provider's TOML configuration without disturbing rules
// it did not generate.
package redirects

import (
	"cmp"
	"slices"
)

// Rule is one entry of the "redirects" array.
type Rule struct {
	From   string
	To     string
	Status int
	Force  bool

	// GeneratedBy names the serverless function whose batch produced this
	// rule. Empty for hand-written rules.
	GeneratedBy string

	// Extra holds keys ferry does not interpret (headers, conditions, ...).
	Extra map[string]any

	// keys present in the source document, so foreign rules keep their shape
	present map[string]bool
}

// TOML keys
const (
	keyRedirects   = "redirects"
	keyFrom        = "from"
	keyTo          = "to"
	keyStatus      = "status"
	keyForce       = "force"
	keyGeneratedBy = "_generated_by_ferry"
)

func (r Rule) samePair(o Rule) bool {
	return r.From == o.From && r.To == o.To
}

// Merge combines the rules of an existing document with a freshly generated
// batch for functionName.
//
// Rules previously generated by functionName are dropped. New rules are
// sorted by From and kept only when no remaining rule already routes the same
// From to the same To. Kept new rules come first, followed by the remaining
// existing rules in their original order. Merge never fails.
func Merge(existing []Rule, functionName string, newRules []Rule) []Rule {
	retained := make([]Rule, 0, len(existing))
	for _, r := range existing {
		if functionName != "" && r.GeneratedBy == functionName {
			continue
		}
		retained = append(retained, r)
	}

	sorted := slices.Clone(newRules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return cmp.Compare(a.From, b.From)
	})

	accepted := make([]Rule, 0, len(sorted))
	for _, r := range sorted {
		dup := slices.ContainsFunc(retained, r.samePair) || slices.ContainsFunc(accepted, r.samePair)
		if !dup {
			accepted = append(accepted, r)
		}
	}

	return append(accepted, retained...)
}
