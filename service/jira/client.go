// Package jira reconciles listing state with the issue tracker. Deduplication
// is query-based: the tracker itself is searched before every write, the job
// never keeps a local issue mapping.
package jira

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Errors fatal to the run.
var (
	// ErrAuth means the tracker rejected the credentials. Never retried.
	ErrAuth = errors.New("tracker authentication failed")
	// ErrRetriesExhausted means a transient tracker failure persisted
	// through the whole backoff schedule.
	ErrRetriesExhausted = errors.New("tracker retries exhausted")
)

// retrySchedule is the bounded backoff for transient tracker failures.
var retrySchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

const (
	searchPath  = "/rest/api/2/search"
	issuePath   = "/rest/api/2/issue"
	maxFindHits = 10

	dnsFailureLabel = "major-malfunction"
)

// Issue is the slice of a tracker issue this job cares about.
type Issue struct {
	Key     string
	Summary string
	Status  string
	Created string
}

// Client is a thin tracker REST client with bounded retry.
type Client struct {
	baseURL          string
	user             string
	token            string
	project          string
	issueType        string
	dnsFailureType   string
	excludedStatuses []string

	httpClient *http.Client
	now        func() time.Time
}

// NewClient returns a tracker client for the given project.
func NewClient(baseURL, user, token, project, issueType, dnsFailureType string, excludedStatuses []string) *Client {
	return &Client{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		user:             user,
		token:            token,
		project:          project,
		issueType:        issueType,
		dnsFailureType:   dnsFailureType,
		excludedStatuses: excludedStatuses,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		now:              time.Now,
	}
}

// ListingSummary returns the canonical summary line for a listed IP.
func ListingSummary(ip, canonicalZones string) string {
	return fmt.Sprintf("IP %s blacklisted by %s", ip, canonicalZones)
}

// FindOpenIssueForIP searches the tracker for an open issue about the IP.
// Returns nil when there is none. With more than one match the most recently
// created issue wins and a warning is logged.
func (c *Client) FindOpenIssueForIP(ctx context.Context, ip string) (*Issue, error) {
	return c.findOpen(ctx, fmt.Sprintf("IP %s", ip))
}

func (c *Client) findOpen(ctx context.Context, summaryContains string) (*Issue, error) {
	statuses := make([]string, 0, len(c.excludedStatuses))
	for _, s := range c.excludedStatuses {
		statuses = append(statuses, strconv.Quote(s))
	}
	jql := fmt.Sprintf(
		"project = %q AND status NOT IN (%s) AND summary ~ %q",
		c.project, strings.Join(statuses, ","), summaryContains,
	)

	query := url.Values{}
	query.Set("jql", jql)
	query.Set("maxResults", strconv.Itoa(maxFindHits))
	query.Set("fields", "summary,status,created")

	var issues []Issue
	err := c.withRetry(ctx, "search", func() error {
		body, err := c.do(ctx, http.MethodGet, searchPath+"?"+query.Encode(), nil)
		if err != nil {
			return err
		}
		issues = issues[:0]
		for _, hit := range gjson.GetBytes(body, "issues").Array() {
			issues = append(issues, Issue{
				Key:     hit.Get("key").String(),
				Summary: hit.Get("fields.summary").String(),
				Status:  hit.Get("fields.status.name").String(),
				Created: hit.Get("fields.created").String(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch len(issues) {
	case 0:
		return nil, nil
	case 1:
		return &issues[0], nil
	default:
		sort.Slice(issues, func(i, j int) bool { return issues[i].Created > issues[j].Created })
		slog.Warn("jira: multiple open issues match, using most recent",
			"summary_contains", summaryContains, "matches", len(issues), "picked", issues[0].Key)
		return &issues[0], nil
	}
}

// CreateIssue creates an issue of the configured listing type.
func (c *Client) CreateIssue(ctx context.Context, summary, description string) (string, error) {
	return c.createIssue(ctx, summary, description, c.issueType, nil)
}

// AddComment appends a comment to an existing issue.
func (c *Client) AddComment(ctx context.Context, issueKey, comment string) error {
	payload, _ := sjson.SetBytes([]byte(`{}`), "body", comment)

	return c.withRetry(ctx, "comment", func() error {
		_, err := c.do(ctx, http.MethodPost, issuePath+"/"+url.PathEscape(issueKey)+"/comment", payload)
		return err
	})
}

// EnsureDNSFailureIssue raises the mass-malfunction alert, deduplicated per
// calendar day: if today's alert already exists, nothing is created.
// It reports the issue key and whether a new issue was created.
func (c *Client) EnsureDNSFailureIssue(ctx context.Context, brokenFraction float64, description string) (string, bool, error) {
	day := c.now().UTC().Format("2006-01-02")
	marker := fmt.Sprintf("DNS infrastructure failure %s", day)

	existing, err := c.findOpen(ctx, marker)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		slog.Info("jira: DNS failure alert for today already open", "key", existing.Key)
		return existing.Key, false, nil
	}

	summary := fmt.Sprintf("%s: %.1f%% of DNSBL zones unreachable", marker, brokenFraction*100)
	key, err := c.createIssue(ctx, summary, description, c.dnsFailureType, []string{dnsFailureLabel})
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (c *Client) createIssue(ctx context.Context, summary, description, issueType string, labels []string) (string, error) {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "fields.project.key", c.project)
	payload, _ = sjson.SetBytes(payload, "fields.summary", summary)
	payload, _ = sjson.SetBytes(payload, "fields.description", description)
	payload, _ = sjson.SetBytes(payload, "fields.issuetype.name", issueType)
	for _, label := range labels {
		payload, _ = sjson.SetBytes(payload, "fields.labels.-1", label)
	}

	var key string
	err := c.withRetry(ctx, "create", func() error {
		body, err := c.do(ctx, http.MethodPost, issuePath, payload)
		if err != nil {
			return err
		}
		key = gjson.GetBytes(body, "key").String()
		return nil
	})
	if err != nil {
		return "", err
	}
	slog.Info("jira: created issue", "key", key, "summary", summary)
	return key, nil
}

// statusError carries a non-2xx tracker response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tracker returned status %d: %s", e.status, e.body)
}

func (e *statusError) transient() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &statusError{status: resp.StatusCode, body: truncate(respBody, 200)}
	}
	return respBody, nil
}

// withRetry wraps one tracker call in the bounded backoff schedule.
// Authentication failures and non-transient client errors pass through
// untouched; a transient failure that survives the whole schedule is
// promoted to ErrRetriesExhausted. The run deadline aborts any backoff wait.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(uint(len(retrySchedule)+1)),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if int(n) < len(retrySchedule) {
				return retrySchedule[n]
			}
			return retrySchedule[len(retrySchedule)-1]
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("jira: transient failure, retrying", "op", op, "attempt", n+1, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %s: %s", ErrRetriesExhausted, op, err)
	}
	return fmt.Errorf("tracker %s failed: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, ErrAuth) {
		return false
	}
	var sErr *statusError
	if errors.As(err, &sErr) {
		return sErr.transient()
	}
	// Network blips without a status are worth retrying, unless the run
	// deadline itself expired.
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
