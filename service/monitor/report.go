package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/postalops/dnsblmon/service/dnscheck"
	"github.com/postalops/dnsblmon/service/health"
	"github.com/postalops/dnsblmon/service/reconcile"
)

// buildListingDescription renders the full per-zone report that goes into a
// freshly created listing ticket.
func buildListingDescription(ip string, results map[string]dnscheck.Result) string {
	zones := make([]string, 0, len(results))
	for zone := range results {
		zones = append(zones, zone)
	}
	sort.Strings(zones)

	var listed, clean, unknown []string
	for _, zone := range zones {
		r := results[zone]
		switch r.Classification {
		case dnscheck.Listed:
			listed = append(listed, fmt.Sprintf("- %s (%s)", zone, r.Detail))
		case dnscheck.NotListed:
			clean = append(clean, "- "+zone)
		default:
			unknown = append(unknown, fmt.Sprintf("- %s (%s)", zone, r.Kind))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IP %s has been listed on %d DNSBL zone(s):\n", ip, len(listed))
	b.WriteString(strings.Join(listed, "\n"))
	if len(clean) > 0 {
		b.WriteString("\n\nNot listed on:\n")
		b.WriteString(strings.Join(clean, "\n"))
	}
	if len(unknown) > 0 {
		b.WriteString("\n\nNo definitive answer from:\n")
		b.WriteString(strings.Join(unknown, "\n"))
	}
	return b.String()
}

func buildNewListingComment(ip, canonicalZones string) string {
	return fmt.Sprintf("IP %s listed again, now blocked by: %s", ip, canonicalZones)
}

// buildZoneChangeComment describes the zone-set delta on an open ticket.
func buildZoneChangeComment(decision reconcile.Decision) string {
	var b strings.Builder
	b.WriteString("Zone membership changed:\n")
	if len(decision.Added) > 0 {
		fmt.Fprintf(&b, "Added: %s\n", strings.Join(decision.Added, ", "))
	}
	if len(decision.Removed) > 0 {
		fmt.Fprintf(&b, "Removed: %s\n", strings.Join(decision.Removed, ", "))
	}
	fmt.Fprintf(&b, "Currently listed on: %s", reconcile.Canonical(decision.Zones))
	return b.String()
}

// buildDNSFailureDescription renders the zone/failure-kind report carried by
// the mass-malfunction alert.
func buildDNSFailureDescription(brokenFraction float64, summary *health.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MAJOR MALFUNCTION: %.1f%% of DNSBL zones returned only failures this run.\n\nBroken zones:\n",
		brokenFraction*100)

	for _, zone := range summary.ZoneHealth {
		if zone.Status != health.StatusBroken {
			continue
		}
		kinds := make([]string, 0, len(zone.FailureTypes))
		for kind, n := range zone.FailureTypes {
			kinds = append(kinds, fmt.Sprintf("%s=%d", kind, n))
		}
		sort.Strings(kinds)
		fmt.Fprintf(&b, "- %s (%s)\n", zone.Zone, strings.Join(kinds, ", "))
	}

	if probe := summary.NetworkConnectivity; probe != nil && probe.CheckEnabled {
		fmt.Fprintf(&b, "\nSupplemental probes: cloudflare_reachable=%t google_reachable=%t\n",
			probe.CloudflareReachable != nil && *probe.CloudflareReachable,
			probe.GoogleReachable != nil && *probe.GoogleReachable)
	}
	return b.String()
}
