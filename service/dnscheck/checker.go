package dnscheck

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
)

// HealthSink receives one event per completed zone query.
type HealthSink interface {
	// RecordIPCheck marks the start of a new per-IP check round.
	RecordIPCheck()
	// RecordCheck records the outcome of one zone query.
	RecordCheck(zone string, success bool, kind FailureKind)
}

// ExchangeFunc performs one DNS exchange against the given server.
// It exists as a seam for tests.
type ExchangeFunc func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)

// Checker fans one IP out over all configured DNSBL zones.
//
// The semaphore bounds in-flight queries across the whole run, not per IP, so
// that overlapping IP checks can never exceed the configured budget against
// the resolver.
type Checker struct {
	zones    []string
	server   string
	timeout  time.Duration
	slots    *semaphore.Weighted
	health   HealthSink
	exchange ExchangeFunc
}

// NewChecker returns a checker querying the given resolver for all zones.
func NewChecker(zones []string, server string, timeout time.Duration, concurrency int, health HealthSink) *Checker {
	c := &Checker{
		zones:   zones,
		server:  server,
		timeout: timeout,
		slots:   semaphore.NewWeighted(int64(concurrency)),
		health:  health,
	}
	c.exchange = c.plainExchange
	return c
}

// SetExchange replaces the DNS exchange implementation. Tests only.
func (c *Checker) SetExchange(fn ExchangeFunc) {
	c.exchange = fn
}

// CheckIP queries every configured zone for the given IP and returns the
// classified results keyed by zone. Each zone is queried exactly once; there
// are no in-run retries, the next scheduled run is the retry.
func (c *Checker) CheckIP(ctx context.Context, ip string) (map[string]Result, error) {
	c.health.RecordIPCheck()

	queries := make(map[string]string, len(c.zones))
	for _, zone := range c.zones {
		name, err := BuildQuery(ip, zone)
		if err != nil {
			return nil, err
		}
		queries[zone] = name
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Result, len(c.zones))
	)
	for zone, name := range queries {
		wg.Add(1)
		go func(zone, name string) {
			defer wg.Done()
			res := c.checkZone(ctx, ip, zone, name)
			mu.Lock()
			results[zone] = res
			mu.Unlock()
		}(zone, name)
	}
	wg.Wait()

	return results, nil
}

func (c *Checker) checkZone(ctx context.Context, ip, zone, name string) Result {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		// Run deadline hit while waiting for a slot.
		res := Result{IP: ip, Zone: zone, Classification: Unknown, Kind: FailureTimeout, Detail: string(FailureTimeout)}
		c.health.RecordCheck(zone, false, res.Kind)
		return res
	}
	defer c.slots.Release(1)

	queryCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	reply, err := c.exchange(queryCtx, msg, c.server)
	res := Classify(ip, zone, reply, err)

	// Publish to the health aggregator before freeing the slot.
	c.health.RecordCheck(zone, !res.IsUnknown(), res.Kind)

	if res.IsUnknown() {
		slog.Debug("dnscheck: query ended without definitive answer",
			"ip", ip, "zone", zone, "kind", res.Kind)
	}
	return res
}

func (c *Checker) plainExchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	client := &dns.Client{
		Net:     "udp",
		UDPSize: 1024,
		Timeout: c.timeout,
		Dialer: &net.Dialer{
			Timeout: c.timeout,
		},
	}
	reply, _, err := client.ExchangeContext(ctx, msg, server)
	return reply, err
}
