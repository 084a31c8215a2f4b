// Package monitor owns the top-level reconciliation loop: one pass over the
// IP fleet, one decision per IP, applied to the throttle store and the issue
// tracker, followed by the run and health summaries.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalops/dnsblmon/base/logging"
	"github.com/postalops/dnsblmon/service/config"
	"github.com/postalops/dnsblmon/service/dnscheck"
	"github.com/postalops/dnsblmon/service/health"
	"github.com/postalops/dnsblmon/service/jira"
	"github.com/postalops/dnsblmon/service/reconcile"
	"github.com/postalops/dnsblmon/service/store"
)

// ErrDeadline means the run exceeded MAX_EXECUTION_TIME.
var ErrDeadline = errors.New("run deadline exceeded")

// Tracker actions reported on the per-IP record.
const (
	ActionCreate  = "create"
	ActionComment = "comment"
	ActionNone    = "none"
)

// Store is the slice of the throttle store the monitor needs.
type Store interface {
	GetAllIPs(ctx context.Context) ([]store.IPRecord, error)
	MarkListed(ctx context.Context, id int64, capturedPriority int, zones []string, listedPriority int) (bool, error)
	UpdateZones(ctx context.Context, id int64, zones []string) (bool, error)
	MarkClean(ctx context.Context, id int64, fallbackPriority int) (bool, error)
}

// TrackerClient is the slice of the issue tracker the monitor needs.
type TrackerClient interface {
	FindOpenIssueForIP(ctx context.Context, ip string) (*jira.Issue, error)
	CreateIssue(ctx context.Context, summary, description string) (string, error)
	AddComment(ctx context.Context, issueKey, comment string) error
	EnsureDNSFailureIssue(ctx context.Context, brokenFraction float64, description string) (string, bool, error)
}

// Checker runs all zone queries for one IP.
type Checker interface {
	CheckIP(ctx context.Context, ip string) (map[string]dnscheck.Result, error)
}

// Prober runs the supplemental public-resolver probe.
type Prober interface {
	Check(ctx context.Context) *health.ProbeResult
}

// Monitor wires the per-run dependencies together.
type Monitor struct {
	cfg     *config.Config
	store   Store
	tracker TrackerClient
	checker Checker
	health  *health.Tracker
	prober  Prober
	records *slog.Logger
}

type runStats struct {
	totalIPs       int
	listed         int
	cleared        int
	unchanged      int
	trackerCreated int
	trackerUpdated int
}

// New returns a monitor over explicit dependencies.
func New(cfg *config.Config, st Store, tracker TrackerClient, checker Checker, healthTracker *health.Tracker, prober Prober) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   st,
		tracker: tracker,
		checker: checker,
		health:  healthTracker,
		prober:  prober,
		records: logging.Records(),
	}
}

// Run executes one full reconciliation pass.
// Fatal conditions return an error; per-zone DNS failures and guarded no-op
// writes never do.
func (m *Monitor) Run(ctx context.Context) error {
	start := time.Now()

	ipRecords, err := m.store.GetAllIPs(ctx)
	if err != nil {
		return err
	}
	slog.Info("monitor: starting run",
		"ips", len(ipRecords), "zones", len(m.cfg.Zones), "dry_run", m.cfg.DryRun)

	stats := runStats{totalIPs: len(ipRecords)}
	for i := range ipRecords {
		if ctx.Err() != nil {
			m.emitFinalSummary(&stats, start)
			return fmt.Errorf("%w after %d of %d IPs", ErrDeadline, i, len(ipRecords))
		}
		if err := m.processIP(ctx, &ipRecords[i], &stats); err != nil {
			m.emitFinalSummary(&stats, start)
			return err
		}
	}

	if err := m.finishRun(ctx, &stats, start); err != nil {
		m.emitFinalSummary(&stats, start)
		return err
	}
	m.emitFinalSummary(&stats, start)
	return nil
}

// processIP runs the checker, decides the transition and applies it.
func (m *Monitor) processIP(ctx context.Context, rec *store.IPRecord, stats *runStats) error {
	ipStart := time.Now()

	results, err := m.checker.CheckIP(ctx, rec.IP)
	if err != nil {
		// A malformed stored address must not kill the whole fleet run.
		slog.Error("monitor: skipping unqueryable IP", "ip", rec.IP, "error", err)
		return nil
	}

	listedZones := dnscheck.ListedZones(results)
	unknownZones := dnscheck.UnknownZones(results)
	decision := reconcile.Decide(rec.BlockingLists, listedZones)

	dbChanged := false
	action := ActionNone

	switch {
	case decision.Kind == reconcile.NoOp:
		stats.unchanged++

	case m.cfg.DryRun:
		action = intendedAction(decision)
		slog.Info("monitor: DRY_RUN, suppressing writes",
			"ip", rec.IP, "decision", decision.Kind.String(),
			"zones", reconcile.Canonical(decision.Zones), "tracker_action", action)

	default:
		dbChanged, err = m.applyStore(ctx, rec, decision)
		if err != nil {
			return err
		}
		action, err = m.applyTracker(ctx, rec.IP, decision, results)
		if err != nil {
			return err
		}
		switch decision.Kind {
		case reconcile.NewListing, reconcile.ZoneChange:
			stats.listed++
		case reconcile.Cleared:
			stats.cleared++
		}
		switch action {
		case ActionCreate:
			stats.trackerCreated++
		case ActionComment:
			stats.trackerUpdated++
		}
	}

	decisionClass := "CLEAN"
	if len(listedZones) > 0 {
		decisionClass = "LISTED"
	}
	m.records.Info("ip_check",
		"ip", rec.IP,
		"listed_zones", listedZones,
		"unknown_zones", unknownZones,
		"decision", decisionClass,
		"db_changes", dbChanged,
		"tracker_action", action,
		"duration_ms", time.Since(ipStart).Milliseconds(),
	)
	return nil
}

func (m *Monitor) applyStore(ctx context.Context, rec *store.IPRecord, decision reconcile.Decision) (bool, error) {
	switch decision.Kind {
	case reconcile.NewListing:
		return m.store.MarkListed(ctx, rec.ID, rec.Priority, decision.Zones, m.cfg.ListedPriority)
	case reconcile.ZoneChange:
		return m.store.UpdateZones(ctx, rec.ID, decision.Zones)
	case reconcile.Cleared:
		return m.store.MarkClean(ctx, rec.ID, m.cfg.CleanFallbackPriority)
	default:
		return false, nil
	}
}

// applyTracker reconciles the decision with the issue tracker. Deduplication
// is always query-based; the single recovery path for a missing ticket on a
// zone change is creating a fresh one.
func (m *Monitor) applyTracker(ctx context.Context, ip string, decision reconcile.Decision, results map[string]dnscheck.Result) (string, error) {
	existing, err := m.tracker.FindOpenIssueForIP(ctx, ip)
	if err != nil {
		return ActionNone, err
	}
	canonical := reconcile.Canonical(decision.Zones)

	switch decision.Kind {
	case reconcile.NewListing:
		if existing == nil {
			summary := jira.ListingSummary(ip, canonical)
			if _, err := m.tracker.CreateIssue(ctx, summary, buildListingDescription(ip, results)); err != nil {
				return ActionNone, err
			}
			return ActionCreate, nil
		}
		if err := m.tracker.AddComment(ctx, existing.Key, buildNewListingComment(ip, canonical)); err != nil {
			return ActionNone, err
		}
		return ActionComment, nil

	case reconcile.ZoneChange:
		if existing == nil {
			// Operator closed the previous ticket by hand; open a new one.
			slog.Warn("monitor: no open ticket for listed IP, creating one", "ip", ip)
			summary := jira.ListingSummary(ip, canonical)
			if _, err := m.tracker.CreateIssue(ctx, summary, buildListingDescription(ip, results)); err != nil {
				return ActionNone, err
			}
			return ActionCreate, nil
		}
		if err := m.tracker.AddComment(ctx, existing.Key, buildZoneChangeComment(decision)); err != nil {
			return ActionNone, err
		}
		return ActionComment, nil

	case reconcile.Cleared:
		if existing == nil {
			slog.Warn("monitor: cleared IP has no open ticket to comment on", "ip", ip)
			return ActionNone, nil
		}
		// Closing the ticket stays a human decision.
		if err := m.tracker.AddComment(ctx, existing.Key, fmt.Sprintf("IP %s is now clean (no longer listed)", ip)); err != nil {
			return ActionNone, err
		}
		return ActionComment, nil
	}
	return ActionNone, nil
}

// finishRun emits the health artefacts and, on mass DNS failure, the alert.
func (m *Monitor) finishRun(ctx context.Context, stats *runStats, start time.Time) error {
	brokenFraction := m.health.BrokenFraction()

	probeResult := health.ProbeDisabled()
	if brokenFraction >= 0.5 && m.cfg.EnableSupplementalProbe {
		probeResult = m.prober.Check(ctx)
	}
	summary := m.health.Summary(probeResult)

	if brokenFraction >= 0.5 {
		slog.Error("monitor: mass DNS failure",
			"broken_fraction", brokenFraction,
			"broken_zones", m.health.BrokenZones(),
			"network_issue", summary.ExecutionSummary.NetworkIssueDetected)
		if m.cfg.DryRun {
			slog.Info("monitor: DRY_RUN, suppressing DNS failure alert")
		} else {
			key, created, err := m.tracker.EnsureDNSFailureIssue(ctx, brokenFraction, buildDNSFailureDescription(brokenFraction, summary))
			if err != nil {
				return err
			}
			if created {
				stats.trackerCreated++
				slog.Info("monitor: raised DNS failure alert", "key", key)
			}
		}
	}

	m.records.Info("health_summary",
		"dnsbl_health", summary.ZoneHealth,
		"execution_summary", summary.ExecutionSummary,
		"network_connectivity", summary.NetworkConnectivity,
	)
	m.emitPrunedZones(time.Since(start))
	return nil
}

// emitPrunedZones publishes the suggested zone list with broken zones
// removed. When everything is broken there is nothing sane to suggest, so a
// warning is emitted instead of an empty replacement.
func (m *Monitor) emitPrunedZones(elapsed time.Duration) {
	pruned := m.health.Pruned()
	if len(pruned.Healthy) == 0 {
		slog.Warn("monitor: all zones broken, not suggesting a pruned zone list", "elapsed", elapsed)
		return
	}
	artefact, err := pruned.YAML()
	if err != nil {
		slog.Error("monitor: failed to render pruned zone list", "error", err)
		return
	}
	m.records.Info("pruned_zones",
		"healthy_zones", pruned.Healthy,
		"removed_zones", pruned.Removed,
		"yaml", artefact,
	)
}

func (m *Monitor) emitFinalSummary(stats *runStats, start time.Time) {
	m.records.Info("job_summary",
		"total_ips", stats.totalIPs,
		"listed", stats.listed,
		"cleared", stats.cleared,
		"unchanged", stats.unchanged,
		"tracker_created", stats.trackerCreated,
		"tracker_updated", stats.trackerUpdated,
		"dns_failures", m.health.TotalFailures(),
		"duration_sec", int64(time.Since(start).Seconds()),
	)
}

func intendedAction(decision reconcile.Decision) string {
	switch decision.Kind {
	case reconcile.NewListing:
		return ActionCreate
	case reconcile.ZoneChange, reconcile.Cleared:
		return ActionComment
	default:
		return ActionNone
	}
}
