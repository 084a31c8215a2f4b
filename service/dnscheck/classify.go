package dnscheck

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

// DNSBLs answer within this range for listed entries (RFC 5782).
var listedRange = netip.MustParsePrefix("127.0.0.0/8")

// Classify maps the outcome of one A-record exchange to a Result.
// It is total over everything a resolver can produce: every reply and every
// transport error yields exactly one classification.
func Classify(ip, zone string, reply *dns.Msg, err error) Result {
	res := Result{IP: ip, Zone: zone}

	if err != nil {
		res.Classification = Unknown
		res.Kind = FailureResolver
		var nErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nErr) && nErr.Timeout()) {
			res.Kind = FailureTimeout
		}
		res.Detail = string(res.Kind)
		return res
	}

	switch reply.Rcode {
	case dns.RcodeSuccess:
		return classifyAnswer(res, reply)

	case dns.RcodeNameError:
		// NXDOMAIN for the query name is the definitive "not listed"
		// answer. NXDOMAIN because the zone apex itself does not exist
		// means the list is unusable, not that the IP is clean.
		if zoneApexExists(reply, zone) {
			res.Classification = NotListed
			return res
		}
		res.Classification = Unknown
		res.Kind = FailureNXDomainZone
		res.Detail = string(res.Kind)
		return res

	default:
		// SERVFAIL, REFUSED and friends.
		res.Classification = Unknown
		res.Kind = FailureResolver
		res.Detail = string(res.Kind)
		return res
	}
}

func classifyAnswer(res Result, reply *dns.Msg) Result {
	var aRecords []*dns.A
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			aRecords = append(aRecords, a)
		}
	}

	if len(aRecords) == 0 {
		// CNAME chains or empty NOERROR answers where an A was expected.
		res.Classification = Unknown
		res.Kind = FailureInvalidType
		res.Detail = string(res.Kind)
		return res
	}

	for _, a := range aRecords {
		addr, ok := netip.AddrFromSlice(a.A.To4())
		if !ok || !listedRange.Contains(addr) {
			res.Classification = Unknown
			res.Kind = FailureInvalidRange
			res.Detail = string(res.Kind)
			return res
		}
	}

	res.Classification = Listed
	res.Detail = aRecords[0].A.String()
	return res
}

// zoneApexExists inspects the SOA in the authority section of an NXDOMAIN
// reply. A denial signed off at or below the configured zone apex comes from
// the list itself; a SOA above the apex means the zone does not exist.
func zoneApexExists(reply *dns.Msg, zone string) bool {
	apex := dns.Fqdn(zone)
	for _, rr := range reply.Ns {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		return dns.IsSubDomain(apex, soa.Header().Name)
	}
	// No SOA to judge by; trust the rcode.
	return true
}
