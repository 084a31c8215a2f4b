package dnscheck

import "sort"

// Classification is the outcome class of one DNSBL zone query.
type Classification string

// Classifications.
const (
	Listed    Classification = "LISTED"
	NotListed Classification = "NOT_LISTED"
	Unknown   Classification = "UNKNOWN"
)

// FailureKind describes why a query ended Unknown.
type FailureKind string

// Failure kinds.
const (
	FailureTimeout      FailureKind = "timeout"
	FailureNXDomainZone FailureKind = "nxdomain_zone"
	FailureInvalidRange FailureKind = "invalid_response_range"
	FailureInvalidType  FailureKind = "invalid_response_type"
	FailureResolver     FailureKind = "resolver_error"
)

// Result is the classified outcome of one (ip, zone) query.
type Result struct {
	IP             string
	Zone           string
	Classification Classification
	// Detail carries the returned A record for Listed results and the
	// failure kind token for Unknown results.
	Detail string
	Kind   FailureKind // set iff Classification == Unknown
}

// IsListed reports whether the IP is listed on this zone.
func (r Result) IsListed() bool {
	return r.Classification == Listed
}

// IsUnknown reports whether the query ended without a definitive answer.
func (r Result) IsUnknown() bool {
	return r.Classification == Unknown
}

// ListedZones returns the zones that reported the IP as listed, sorted.
func ListedZones(results map[string]Result) []string {
	return zonesWhere(results, func(r Result) bool { return r.IsListed() })
}

// UnknownZones returns the zones that failed to answer definitively, sorted.
func UnknownZones(results map[string]Result) []string {
	return zonesWhere(results, func(r Result) bool { return r.IsUnknown() })
}

func zonesWhere(results map[string]Result, match func(Result) bool) []string {
	zones := make([]string, 0, len(results))
	for zone, r := range results {
		if match(r) {
			zones = append(zones, zone)
		}
	}
	sort.Strings(zones)
	return zones
}
