package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalops/dnsblmon/service/config"
	"github.com/postalops/dnsblmon/service/dnscheck"
	"github.com/postalops/dnsblmon/service/health"
	"github.com/postalops/dnsblmon/service/jira"
	"github.com/postalops/dnsblmon/service/reconcile"
	"github.com/postalops/dnsblmon/service/store"
)

type storeCall struct {
	op       string
	id       int64
	priority int
	zones    []string
}

type fakeStore struct {
	records []store.IPRecord
	getErr  error
	calls   []storeCall
}

func (s *fakeStore) GetAllIPs(context.Context) ([]store.IPRecord, error) {
	return s.records, s.getErr
}

func (s *fakeStore) MarkListed(_ context.Context, id int64, capturedPriority int, zones []string, _ int) (bool, error) {
	s.calls = append(s.calls, storeCall{op: "mark_listed", id: id, priority: capturedPriority, zones: zones})
	return true, nil
}

func (s *fakeStore) UpdateZones(_ context.Context, id int64, zones []string) (bool, error) {
	s.calls = append(s.calls, storeCall{op: "update_zones", id: id, zones: zones})
	return true, nil
}

func (s *fakeStore) MarkClean(_ context.Context, id int64, fallbackPriority int) (bool, error) {
	s.calls = append(s.calls, storeCall{op: "mark_clean", id: id, priority: fallbackPriority})
	return true, nil
}

type fakeTracker struct {
	openIssues map[string]*jira.Issue
	findErr    error

	created  []string // summaries
	comments []string
	alerts   int
}

func (f *fakeTracker) FindOpenIssueForIP(_ context.Context, ip string) (*jira.Issue, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.openIssues[ip], nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, summary, _ string) (string, error) {
	f.created = append(f.created, summary)
	return "MAIL-1", nil
}

func (f *fakeTracker) AddComment(_ context.Context, _, comment string) error {
	f.comments = append(f.comments, comment)
	return nil
}

func (f *fakeTracker) EnsureDNSFailureIssue(context.Context, float64, string) (string, bool, error) {
	f.alerts++
	return "MAIL-66", true, nil
}

type fakeChecker struct {
	results map[string]map[string]dnscheck.Result
	errs    map[string]error
}

func (f *fakeChecker) CheckIP(_ context.Context, ip string) (map[string]dnscheck.Result, error) {
	if err := f.errs[ip]; err != nil {
		return nil, err
	}
	return f.results[ip], nil
}

type fakeProber struct {
	result *health.ProbeResult
	calls  int
}

func (f *fakeProber) Check(context.Context) *health.ProbeResult {
	f.calls++
	return f.result
}

func testConfig() *config.Config {
	return &config.Config{
		Zones:                   []string{"bl.y.org", "zen.x.org"},
		ListedPriority:          0,
		CleanFallbackPriority:   50,
		EnableSupplementalProbe: true,
	}
}

func listedResult(zone string) dnscheck.Result {
	return dnscheck.Result{Zone: zone, Classification: dnscheck.Listed, Detail: "127.0.0.2"}
}

func cleanResult(zone string) dnscheck.Result {
	return dnscheck.Result{Zone: zone, Classification: dnscheck.NotListed}
}

func newTestMonitor(cfg *config.Config, st *fakeStore, tracker *fakeTracker, checker *fakeChecker, prober *fakeProber) (*Monitor, *health.Tracker) {
	ht := health.NewTracker(cfg.Zones)
	return New(cfg, st, tracker, checker, ht, prober), ht
}

func TestRunNewListing(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", Priority: 50},
	}}
	tracker := &fakeTracker{}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {
			"zen.x.org": listedResult("zen.x.org"),
			"bl.y.org":  cleanResult("bl.y.org"),
		},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, st.calls, 1)
	assert.Equal(t, storeCall{op: "mark_listed", id: 7, priority: 50, zones: []string{"zen.x.org"}}, st.calls[0])

	require.Len(t, tracker.created, 1)
	assert.Equal(t, "IP 203.0.113.45 blacklisted by zen.x.org", tracker.created[0])
	assert.Empty(t, tracker.comments)
}

func TestRunNewListingWithOpenTicketComments(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", Priority: 50},
	}}
	tracker := &fakeTracker{openIssues: map[string]*jira.Issue{
		"203.0.113.45": {Key: "MAIL-12", Status: "Open"},
	}}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": listedResult("zen.x.org"), "bl.y.org": cleanResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	assert.Empty(t, tracker.created)
	require.Len(t, tracker.comments, 1)
	assert.Equal(t, "IP 203.0.113.45 listed again, now blocked by: zen.x.org", tracker.comments[0])
}

func TestRunUnchangedListingIsNoOp(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", Priority: 0, BlockingLists: "zen.x.org"},
	}}
	tracker := &fakeTracker{}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": listedResult("zen.x.org"), "bl.y.org": cleanResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	assert.Empty(t, st.calls)
	assert.Empty(t, tracker.created)
	assert.Empty(t, tracker.comments)
}

func TestRunZoneChange(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", BlockingLists: "zen.x.org"},
	}}
	tracker := &fakeTracker{openIssues: map[string]*jira.Issue{
		"203.0.113.45": {Key: "MAIL-12", Status: "Open"},
	}}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": cleanResult("zen.x.org"), "bl.y.org": listedResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, st.calls, 1)
	assert.Equal(t, storeCall{op: "update_zones", id: 7, zones: []string{"bl.y.org"}}, st.calls[0])

	require.Len(t, tracker.comments, 1)
	assert.Contains(t, tracker.comments[0], "Added: bl.y.org")
	assert.Contains(t, tracker.comments[0], "Removed: zen.x.org")
	assert.Contains(t, tracker.comments[0], "Currently listed on: bl.y.org")
}

func TestRunZoneChangeWithoutTicketCreatesOne(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", BlockingLists: "zen.x.org"},
	}}
	tracker := &fakeTracker{}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": listedResult("zen.x.org"), "bl.y.org": listedResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, tracker.created, 1)
	assert.Equal(t, "IP 203.0.113.45 blacklisted by bl.y.org,zen.x.org", tracker.created[0])
}

func TestRunCleared(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", BlockingLists: "zen.x.org"},
	}}
	tracker := &fakeTracker{openIssues: map[string]*jira.Issue{
		"203.0.113.45": {Key: "MAIL-12", Status: "Open"},
	}}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": cleanResult("zen.x.org"), "bl.y.org": cleanResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, st.calls, 1)
	assert.Equal(t, storeCall{op: "mark_clean", id: 7, priority: 50}, st.calls[0])

	require.Len(t, tracker.comments, 1)
	assert.Equal(t, "IP 203.0.113.45 is now clean (no longer listed)", tracker.comments[0])
	assert.Empty(t, tracker.created)
}

func TestRunClearedWithoutTicket(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", BlockingLists: "zen.x.org"},
	}}
	tracker := &fakeTracker{}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": cleanResult("zen.x.org"), "bl.y.org": cleanResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	// The throttle row is still cleaned even with nothing to comment on.
	require.Len(t, st.calls, 1)
	assert.Equal(t, "mark_clean", st.calls[0].op)
	assert.Empty(t, tracker.comments)
	assert.Empty(t, tracker.created)
}

func TestRunDryRunSuppressesWrites(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true

	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", Priority: 50},
	}}
	tracker := &fakeTracker{}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": listedResult("zen.x.org"), "bl.y.org": cleanResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(cfg, st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	assert.Empty(t, st.calls)
	assert.Empty(t, tracker.created)
	assert.Empty(t, tracker.comments)
}

func TestRunSkipsUnqueryableIP(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 1, IP: "not-an-ip"},
		{ID: 2, IP: "203.0.113.45", Priority: 50},
	}}
	tracker := &fakeTracker{}
	checker := &fakeChecker{
		errs: map[string]error{"not-an-ip": errors.New("invalid IPv4 address")},
		results: map[string]map[string]dnscheck.Result{
			"203.0.113.45": {"zen.x.org": listedResult("zen.x.org"), "bl.y.org": cleanResult("bl.y.org")},
		},
	}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	require.NoError(t, m.Run(context.Background()))

	// The bad row is skipped, the rest of the fleet is still processed.
	require.Len(t, st.calls, 1)
	assert.Equal(t, int64(2), st.calls[0].id)
}

func TestRunStoreFetchFatal(t *testing.T) {
	st := &fakeStore{getErr: store.ErrUnreachable}
	m, _ := newTestMonitor(testConfig(), st, &fakeTracker{}, &fakeChecker{}, &fakeProber{})

	err := m.Run(context.Background())
	require.ErrorIs(t, err, store.ErrUnreachable)
}

func TestRunTrackerFailureFatal(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45", Priority: 50},
	}}
	tracker := &fakeTracker{findErr: jira.ErrAuth}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {"zen.x.org": listedResult("zen.x.org"), "bl.y.org": cleanResult("bl.y.org")},
	}}

	m, _ := newTestMonitor(testConfig(), st, tracker, checker, &fakeProber{})
	err := m.Run(context.Background())
	require.ErrorIs(t, err, jira.ErrAuth)
}

func TestRunDeadlineAbortsLoop(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 1, IP: "203.0.113.45"},
		{ID: 2, IP: "203.0.113.46"},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, _ := newTestMonitor(testConfig(), st, &fakeTracker{}, &fakeChecker{}, &fakeProber{})
	err := m.Run(ctx)
	require.ErrorIs(t, err, ErrDeadline)
}

func TestRunMassDNSFailureRaisesAlert(t *testing.T) {
	st := &fakeStore{records: []store.IPRecord{
		{ID: 7, IP: "203.0.113.45"},
	}}
	tracker := &fakeTracker{}
	checker := &fakeChecker{results: map[string]map[string]dnscheck.Result{
		"203.0.113.45": {
			"zen.x.org": {Zone: "zen.x.org", Classification: dnscheck.Unknown, Kind: dnscheck.FailureTimeout},
			"bl.y.org":  {Zone: "bl.y.org", Classification: dnscheck.Unknown, Kind: dnscheck.FailureTimeout},
		},
	}}
	unreachable := false
	prober := &fakeProber{result: &health.ProbeResult{
		CheckEnabled:        true,
		CloudflareReachable: &unreachable,
		GoogleReachable:     &unreachable,
	}}

	m, ht := newTestMonitor(testConfig(), st, tracker, checker, prober)
	ht.RecordCheck("zen.x.org", false, dnscheck.FailureTimeout)
	ht.RecordCheck("bl.y.org", false, dnscheck.FailureTimeout)

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 1, prober.calls)
	assert.Equal(t, 1, tracker.alerts)
}

func TestRunMassDNSFailureDryRun(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true

	st := &fakeStore{}
	tracker := &fakeTracker{}
	prober := &fakeProber{result: health.ProbeDisabled()}

	m, ht := newTestMonitor(cfg, st, tracker, &fakeChecker{}, prober)
	ht.RecordCheck("zen.x.org", false, dnscheck.FailureTimeout)
	ht.RecordCheck("bl.y.org", false, dnscheck.FailureTimeout)

	require.NoError(t, m.Run(context.Background()))
	assert.Zero(t, tracker.alerts)
}

func TestRunHealthyFleetSkipsProbe(t *testing.T) {
	st := &fakeStore{}
	prober := &fakeProber{}

	m, ht := newTestMonitor(testConfig(), st, &fakeTracker{}, &fakeChecker{}, prober)
	ht.RecordCheck("zen.x.org", true, "")
	ht.RecordCheck("bl.y.org", true, "")

	require.NoError(t, m.Run(context.Background()))
	assert.Zero(t, prober.calls)
}

func TestIntendedAction(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ActionCreate, intendedAction(reconcile.Decide("", []string{"zen.x.org"})))
	assert.Equal(t, ActionComment, intendedAction(reconcile.Decide("zen.x.org", []string{"bl.y.org"})))
	assert.Equal(t, ActionComment, intendedAction(reconcile.Decide("zen.x.org", nil)))
	assert.Equal(t, ActionNone, intendedAction(reconcile.Decide("", nil)))
}
