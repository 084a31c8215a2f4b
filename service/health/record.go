package health

import (
	"github.com/postalops/dnsblmon/service/dnscheck"
)

// Zone statuses.
const (
	StatusHealthy = "healthy"
	StatusBroken  = "broken"
)

// Record holds the check counters for one DNSBL zone.
// Counters only ever increase; checks == successes + failures at all times.
type Record struct {
	Zone         string
	Checks       int
	Successes    int
	Failures     int
	FailureKinds map[dnscheck.FailureKind]int
}

func newRecord(zone string) *Record {
	return &Record{
		Zone:         zone,
		FailureKinds: make(map[dnscheck.FailureKind]int),
	}
}

func (r *Record) record(success bool, kind dnscheck.FailureKind) {
	r.Checks++
	if success {
		r.Successes++
		return
	}
	r.Failures++
	r.FailureKinds[kind]++
}

// FailureRate returns failures/checks, or 0 before the first check.
func (r *Record) FailureRate() float64 {
	if r.Checks == 0 {
		return 0
	}
	return float64(r.Failures) / float64(r.Checks)
}

// Broken reports whether every single query against this zone failed.
func (r *Record) Broken() bool {
	return r.Checks > 0 && r.Failures == r.Checks
}

// Status returns the zone status string for reports.
func (r *Record) Status() string {
	if r.Broken() {
		return StatusBroken
	}
	return StatusHealthy
}
