// Package reconcile decides what a run has to change for one IP, given its
// stored listing state and the zones observed to list it right now.
package reconcile

import (
	"sort"
	"strings"
)

// Kind tags a transition decision.
type Kind uint8

// Decision kinds.
const (
	NoOp Kind = iota
	NewListing
	ZoneChange
	Cleared
)

func (k Kind) String() string {
	switch k {
	case NewListing:
		return "new_listing"
	case ZoneChange:
		return "zone_change"
	case Cleared:
		return "cleared"
	default:
		return "no_op"
	}
}

// Decision is the single write decision for one IP.
// Zones is the canonical observed listing set; Added and Removed carry the
// delta against the stored set for tracker comments.
type Decision struct {
	Kind    Kind
	Zones   []string
	Added   []string
	Removed []string
}

// Decide compares the stored blockingLists value against the observed
// LISTED zone set. It is a pure function: deterministic, independent of the
// order in which zones were observed, and total over all inputs.
func Decide(storedLists string, observed []string) Decision {
	stored := Tokenize(storedLists)
	current := sortedDistinct(observed)

	switch {
	case len(stored) == 0 && len(current) == 0:
		return Decision{Kind: NoOp}
	case len(stored) == 0:
		return Decision{Kind: NewListing, Zones: current, Added: current}
	case len(current) == 0:
		return Decision{Kind: Cleared, Removed: stored}
	}

	added, removed := delta(stored, current)
	if len(added) == 0 && len(removed) == 0 {
		return Decision{Kind: NoOp}
	}
	return Decision{Kind: ZoneChange, Zones: current, Added: added, Removed: removed}
}

// Canonical returns the byte-deterministic blockingLists form of a zone set:
// distinct names, ascending, comma-joined, no whitespace.
func Canonical(zones []string) string {
	return strings.Join(sortedDistinct(zones), ",")
}

// Tokenize splits a stored blockingLists value back into a sorted zone list.
func Tokenize(blockingLists string) []string {
	if blockingLists == "" {
		return nil
	}
	return sortedDistinct(strings.Split(blockingLists, ","))
}

func sortedDistinct(zones []string) []string {
	seen := make(map[string]struct{}, len(zones))
	out := make([]string, 0, len(zones))
	for _, zone := range zones {
		zone = strings.TrimSpace(zone)
		if zone == "" {
			continue
		}
		if _, dup := seen[zone]; dup {
			continue
		}
		seen[zone] = struct{}{}
		out = append(out, zone)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func delta(stored, current []string) (added, removed []string) {
	storedSet := make(map[string]struct{}, len(stored))
	for _, zone := range stored {
		storedSet[zone] = struct{}{}
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, zone := range current {
		currentSet[zone] = struct{}{}
		if _, ok := storedSet[zone]; !ok {
			added = append(added, zone)
		}
	}
	for _, zone := range stored {
		if _, ok := currentSet[zone]; !ok {
			removed = append(removed, zone)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
