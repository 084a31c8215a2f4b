package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-envconfig"
)

// ErrInvalid is wrapped by every configuration failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the validated runtime configuration, loaded once at start-up.
type Config struct {
	// Throttle store. Either DSN or the individual fields must be set.
	DBDSN      string `env:"DB_DSN"`
	DBHost     string `env:"DB_HOST"`
	DBPort     int    `env:"DB_PORT,default=3306"`
	DBName     string `env:"DB_NAME"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`

	// DNSBL checking.
	Zones          []string `env:"DNSBL_ZONES"`
	DNSTimeout     int      `env:"DNS_TIMEOUT,default=5"`     // seconds
	DNSConcurrency int      `env:"DNS_CONCURRENCY,default=10"`
	DNSResolver    string   `env:"DNS_RESOLVER"` // host:port, resolv.conf when empty

	// Throttle priorities.
	ListedPriority        int `env:"LISTED_PRIORITY,default=0"`
	CleanFallbackPriority int `env:"CLEAN_FALLBACK_PRIORITY,default=50"`

	// Issue tracker.
	TrackerURL              string   `env:"TRACKER_URL"`
	TrackerUser             string   `env:"TRACKER_USER"`
	TrackerToken            string   `env:"TRACKER_TOKEN"`
	TrackerProject          string   `env:"TRACKER_PROJECT"`
	TrackerIssueType        string   `env:"TRACKER_ISSUE_TYPE"`
	TrackerDNSFailureType   string   `env:"TRACKER_DNS_FAILURE_TYPE"`
	TrackerExcludedStatuses []string `env:"TRACKER_EXCLUDED_STATUSES"`

	// Operational switches.
	EnableSupplementalProbe bool `env:"ENABLE_SUPPLEMENTAL_PROBE,default=true"`
	DryRun                  bool `env:"DRY_RUN,default=false"`
	MaxExecutionTime        int  `env:"MAX_EXECUTION_TIME,default=300"` // seconds
	Verbose                 bool `env:"VERBOSE,default=false"`
}

// Load reads the configuration from the environment and validates it.
func Load(ctx context.Context) (*Config, error) {
	c := &Config{}
	if err := envconfig.Process(ctx, c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate normalizes the loaded values and reports all findings at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	c.Zones = splitList(c.Zones)
	if len(c.Zones) == 0 {
		result = multierror.Append(result, errors.New("DNSBL_ZONES must contain at least one zone"))
	}
	if c.DNSTimeout < 1 || c.DNSTimeout > 60 {
		result = multierror.Append(result, errors.New("DNS_TIMEOUT must be between 1 and 60 seconds"))
	}
	if c.DNSConcurrency < 1 || c.DNSConcurrency > 100 {
		result = multierror.Append(result, errors.New("DNS_CONCURRENCY must be between 1 and 100"))
	}

	if c.ListedPriority < 0 || c.ListedPriority > 100 {
		result = multierror.Append(result, errors.New("LISTED_PRIORITY must be between 0 and 100"))
	}
	if c.CleanFallbackPriority < 0 || c.CleanFallbackPriority > 100 {
		result = multierror.Append(result, errors.New("CLEAN_FALLBACK_PRIORITY must be between 0 and 100"))
	}
	if c.ListedPriority >= c.CleanFallbackPriority {
		result = multierror.Append(result, fmt.Errorf(
			"LISTED_PRIORITY (%d) must be lower than CLEAN_FALLBACK_PRIORITY (%d)",
			c.ListedPriority, c.CleanFallbackPriority,
		))
	}

	if c.DBDSN == "" {
		for _, required := range []struct {
			name  string
			value string
		}{
			{"DB_HOST", c.DBHost},
			{"DB_NAME", c.DBName},
			{"DB_USER", c.DBUser},
			{"DB_PASSWORD", c.DBPassword},
		} {
			if required.value == "" {
				result = multierror.Append(result, fmt.Errorf("%s is required when DB_DSN is not set", required.name))
			}
		}
	}

	if !strings.HasPrefix(c.TrackerURL, "https://") {
		result = multierror.Append(result, errors.New("TRACKER_URL must be an HTTPS URL"))
	}
	for _, required := range []struct {
		name  string
		value string
	}{
		{"TRACKER_USER", c.TrackerUser},
		{"TRACKER_TOKEN", c.TrackerToken},
		{"TRACKER_PROJECT", c.TrackerProject},
		{"TRACKER_ISSUE_TYPE", c.TrackerIssueType},
		{"TRACKER_DNS_FAILURE_TYPE", c.TrackerDNSFailureType},
	} {
		if required.value == "" {
			result = multierror.Append(result, fmt.Errorf("%s is required", required.name))
		}
	}

	c.TrackerExcludedStatuses = splitList(c.TrackerExcludedStatuses)
	if len(c.TrackerExcludedStatuses) == 0 {
		c.TrackerExcludedStatuses = []string{"Done", "Closed", "Resolved"}
	}

	if c.MaxExecutionTime < 1 {
		result = multierror.Append(result, errors.New("MAX_EXECUTION_TIME must be at least 1 second"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}

// DSN returns the store connection string.
// An explicit DB_DSN is used verbatim; otherwise the DSN is assembled from
// the individual fields and pins READ-COMMITTED isolation.
func (c *Config) DSN() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?parseTime=true&transaction_isolation=%%27READ-COMMITTED%%27",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName,
	)
}

// QueryTimeout returns the per-query DNS deadline.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.DNSTimeout) * time.Second
}

// RunDeadline returns the top-level execution deadline.
func (c *Config) RunDeadline() time.Duration {
	return time.Duration(c.MaxExecutionTime) * time.Second
}

func splitList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return cleaned
}
