package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/postalops/dnsblmon/service/dnscheck"
)

// Tracker aggregates per-zone health over one run.
//
// It is the only mutable structure shared between in-flight queries; all
// counter updates go through one lock. The updates are commutative, so the
// final counters do not depend on query completion order.
type Tracker struct {
	mu       sync.Mutex
	records  map[string]*Record
	ipChecks int
	started  time.Time
}

// NewTracker returns a tracker covering the given configured zones.
func NewTracker(zones []string) *Tracker {
	t := &Tracker{
		records: make(map[string]*Record, len(zones)),
	}
	for _, zone := range zones {
		t.records[zone] = newRecord(zone)
	}
	return t
}

// RecordIPCheck marks the start of a new per-IP check round.
func (t *Tracker) RecordIPCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started.IsZero() {
		t.started = time.Now()
	}
	t.ipChecks++
}

// RecordCheck records the outcome of one zone query.
// Unknown zones are ignored rather than auto-registered: the configured zone
// set is read-only after start-up.
func (t *Tracker) RecordCheck(zone string, success bool, kind dnscheck.FailureKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[zone]
	if !ok {
		return
	}
	r.record(success, kind)

	metrics.GetOrCreateCounter(fmt.Sprintf(`dnsblmon_checks_total{zone=%q}`, zone)).Inc()
	if !success {
		metrics.GetOrCreateCounter(fmt.Sprintf(`dnsblmon_check_failures_total{zone=%q,kind=%q}`, zone, kind)).Inc()
	}
}

// BrokenZones returns the zones for which every query failed, sorted.
func (t *Tracker) BrokenZones() []string {
	return t.zonesWhere(func(r *Record) bool { return r.Broken() })
}

// HealthyZones returns all zones that are not broken, sorted.
func (t *Tracker) HealthyZones() []string {
	return t.zonesWhere(func(r *Record) bool { return !r.Broken() })
}

// BrokenFraction returns |broken| / |configured|.
func (t *Tracker) BrokenFraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) == 0 {
		return 0
	}
	broken := 0
	for _, r := range t.records {
		if r.Broken() {
			broken++
		}
	}
	return float64(broken) / float64(len(t.records))
}

// TotalFailures returns the number of queries that ended Unknown.
func (t *Tracker) TotalFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, r := range t.records {
		total += r.Failures
	}
	return total
}

func (t *Tracker) zonesWhere(match func(*Record) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	zones := make([]string, 0, len(t.records))
	for zone, r := range t.records {
		if match(r) {
			zones = append(zones, zone)
		}
	}
	sort.Strings(zones)
	return zones
}
