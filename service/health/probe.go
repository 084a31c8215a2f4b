package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/tevino/abool"

	"github.com/postalops/dnsblmon/service/dnscheck"
)

// Supplemental probe targets. Hard-wired on purpose: the probe exists to
// bypass whatever resolver path the checker is configured with.
var (
	cloudflareResolver = "1.1.1.1:53"
	googleResolver     = "8.8.8.8:53"

	probeDomain  = "google.com."
	probeTimeout = 3 * time.Second
)

// ProbeResult reports reachability of the two public resolvers.
// The reachability fields are nil when the probe was disabled.
type ProbeResult struct {
	CheckEnabled        bool  `json:"check_enabled"`
	CloudflareReachable *bool `json:"cloudflare_reachable"`
	GoogleReachable     *bool `json:"google_reachable"`
}

// BothUnreachable reports whether the probe ran and both resolvers failed.
func (r *ProbeResult) BothUnreachable() bool {
	if r == nil || !r.CheckEnabled {
		return false
	}
	return r.CloudflareReachable != nil && !*r.CloudflareReachable &&
		r.GoogleReachable != nil && !*r.GoogleReachable
}

// ProbeDisabled returns the result placeholder for a disabled probe.
func ProbeDisabled() *ProbeResult {
	return &ProbeResult{CheckEnabled: false}
}

// Prober distinguishes a local resolver outage from broken DNSBL zones by
// querying two independent public resolvers directly.
type Prober struct {
	exchange dnscheck.ExchangeFunc
}

// NewProber returns a prober using plain UDP exchanges.
func NewProber() *Prober {
	p := &Prober{}
	p.exchange = p.plainExchange
	return p
}

// SetExchange replaces the DNS exchange implementation. Tests only.
func (p *Prober) SetExchange(fn dnscheck.ExchangeFunc) {
	p.exchange = fn
}

// Check probes both public resolvers in parallel.
func (p *Prober) Check(ctx context.Context) *ProbeResult {
	cloudflare := abool.New()
	google := abool.New()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cloudflare.SetTo(p.reachable(ctx, cloudflareResolver))
	}()
	go func() {
		defer wg.Done()
		google.SetTo(p.reachable(ctx, googleResolver))
	}()
	wg.Wait()

	cf, g := cloudflare.IsSet(), google.IsSet()
	if !cf && !g {
		slog.Warn("health: both public resolvers unreachable, local DNS path is suspect")
	}

	return &ProbeResult{
		CheckEnabled:        true,
		CloudflareReachable: &cf,
		GoogleReachable:     &g,
	}
}

// reachable reports whether the resolver answered the probe query with at
// least one A record within the probe deadline.
func (p *Prober) reachable(ctx context.Context, server string) bool {
	queryCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(probeDomain, dns.TypeA)

	reply, err := p.exchange(queryCtx, msg, server)
	if err != nil || reply.Rcode != dns.RcodeSuccess {
		return false
	}
	for _, rr := range reply.Answer {
		if _, ok := rr.(*dns.A); ok {
			return true
		}
	}
	return false
}

func (p *Prober) plainExchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	client := &dns.Client{
		Net:     "udp",
		UDPSize: 1024,
		Timeout: probeTimeout,
	}
	reply, _, err := client.ExchangeContext(ctx, msg, server)
	return reply, err
}
