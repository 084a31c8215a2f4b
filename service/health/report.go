package health

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Summary is the end-of-run health report.
// Field order mirrors alphabetically sorted keys for deterministic output.
type Summary struct {
	ZoneHealth          []ZoneHealth     `json:"dnsbl_health"`
	ExecutionSummary    ExecutionSummary `json:"execution_summary"`
	NetworkConnectivity *ProbeResult     `json:"network_connectivity"`
}

// ExecutionSummary is the run-level rollup of the health report.
type ExecutionSummary struct {
	BrokenDNSBLs         int    `json:"broken_dnsbls"`
	ExecutionDurationMS  int64  `json:"execution_duration_ms"`
	NetworkIssueDetected bool   `json:"network_issue_detected"`
	Timestamp            string `json:"timestamp"`
	TotalDNSBLs          int    `json:"total_dnsbls"`
	TotalIPChecks        int    `json:"total_ip_checks"`
}

// ZoneHealth is the per-zone section of the health report.
type ZoneHealth struct {
	ChecksPerformed  int            `json:"checks_performed"`
	FailedChecks     int            `json:"failed_checks"`
	FailureRate      float64        `json:"failure_rate"`
	FailureTypes     map[string]int `json:"failure_types"`
	Status           string         `json:"status"`
	SuccessfulChecks int            `json:"successful_checks"`
	Zone             string         `json:"zone"`
}

// Summary builds the health report, zones sorted by name.
// The network-outage flag requires at least half the zones broken AND both
// supplemental probes unreachable.
func (t *Tracker) Summary(probe *ProbeResult) *Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	zones := make([]ZoneHealth, 0, len(t.records))
	broken := 0
	for _, r := range t.records {
		if r.Broken() {
			broken++
		}
		kinds := make(map[string]int, len(r.FailureKinds))
		for kind, n := range r.FailureKinds {
			kinds[string(kind)] = n
		}
		zones = append(zones, ZoneHealth{
			ChecksPerformed:  r.Checks,
			FailedChecks:     r.Failures,
			FailureRate:      r.FailureRate(),
			FailureTypes:     kinds,
			Status:           r.Status(),
			SuccessfulChecks: r.Successes,
			Zone:             r.Zone,
		})
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].Zone < zones[j].Zone })

	networkIssue := false
	if len(t.records) > 0 && float64(broken)/float64(len(t.records)) >= 0.5 {
		networkIssue = probe.BothUnreachable()
	}

	var durationMS int64
	if !t.started.IsZero() {
		durationMS = time.Since(t.started).Milliseconds()
	}

	return &Summary{
		ZoneHealth: zones,
		ExecutionSummary: ExecutionSummary{
			BrokenDNSBLs:         broken,
			ExecutionDurationMS:  durationMS,
			NetworkIssueDetected: networkIssue,
			Timestamp:            time.Now().UTC().Format(time.RFC3339),
			TotalDNSBLs:          len(t.records),
			TotalIPChecks:        t.ipChecks,
		},
		NetworkConnectivity: probe,
	}
}

// PrunedList is the suggested zone configuration with broken zones removed.
type PrunedList struct {
	Healthy     []string
	Removed     []string
	GeneratedAt time.Time
}

// Pruned returns the suggested pruned zone list for this run.
func (t *Tracker) Pruned() *PrunedList {
	return &PrunedList{
		Healthy:     t.HealthyZones(),
		Removed:     t.BrokenZones(),
		GeneratedAt: time.Now().UTC(),
	}
}

// YAML renders the pruned list as a ready-to-paste zone configuration with a
// header naming the removed zones. Output is stable for identical inputs.
func (p *PrunedList) YAML() (string, error) {
	removed := "None"
	if len(p.Removed) > 0 {
		removed = strings.Join(p.Removed, ", ")
	}

	body, err := yaml.Marshal(map[string][]string{"dnsbl_zones": p.Healthy})
	if err != nil {
		return "", fmt.Errorf("failed to render pruned zone list: %w", err)
	}

	header := fmt.Sprintf(
		"# Suggested DNSBL Configuration (Broken endpoints removed)\n# Generated: %s\n# Removed: %s\n",
		p.GeneratedAt.Format(time.RFC3339), removed,
	)
	return header + string(body), nil
}
