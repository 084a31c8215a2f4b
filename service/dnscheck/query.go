package dnscheck

import (
	"fmt"
	"net/netip"
	"strings"
)

// ReverseIP returns the octet-reversed form of an IPv4 address, as used in
// DNSBL query names: 203.0.113.45 becomes 45.113.0.203.
// Anything that is not a plain dotted-quad IPv4 address is rejected.
func ReverseIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("not a valid IPv4 address: %q", ip)
	}
	a4 := addr.As4()
	return fmt.Sprintf("%d.%d.%d.%d", a4[3], a4[2], a4[1], a4[0]), nil
}

// BuildQuery returns the DNSBL lookup name for ip in the given zone, e.g.
// 45.113.0.203.zen.example.org for 203.0.113.45 and zen.example.org.
func BuildQuery(ip, zone string) (string, error) {
	zone = strings.TrimSuffix(zone, ".")
	if zone == "" {
		return "", fmt.Errorf("empty DNSBL zone")
	}
	reversed, err := ReverseIP(ip)
	if err != nil {
		return "", err
	}
	return reversed + "." + zone, nil
}
