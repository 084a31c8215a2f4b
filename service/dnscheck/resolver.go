package dnscheck

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// SystemResolver returns the address of the first system nameserver.
func SystemResolver() (string, error) {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", resolvConf, err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no nameservers configured in %s", resolvConf)
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
