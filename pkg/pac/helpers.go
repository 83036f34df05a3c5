// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pac

import (
	"fmt"
	"net"
	"path"
	"strings"
)

// callHelper dispatches a call expression to one of the native predicates
// a PAC script is allowed to use. Unknown calls are rejected rather than
// silently returning undefined, since a typo here should surface as an
// evaluation error (Host-ignored failure policy then falls back to
// DIRECT, per the resolver).
func (e *evalState) callHelper(c *call, sc *env) (Value, error) {
	args, err := e.evalArgs(c.args, sc)
	if err != nil {
		return Value{}, err
	}
	h := e.helpers

	str := func(i int) string {
		if i < len(args) {
			return args[i].String()
		}
		return ""
	}

	switch c.callee {
	case "isPlainHostName":
		return boolValue(h.IsPlainHostName(str(0))), nil
	case "dnsDomainIs":
		return boolValue(h.DNSDomainIs(str(0), str(1))), nil
	case "localHostOrDomainIs":
		return boolValue(h.LocalHostOrDomainIs(str(0), str(1))), nil
	case "isInNet":
		return boolValue(h.IsInNet(str(0), str(1), str(2))), nil
	case "myIpAddress":
		return stringValue(h.MyIPAddress()), nil
	case "dnsResolve":
		return stringValue(h.DNSResolve(str(0))), nil
	case "isResolvable":
		return boolValue(h.IsResolvable(str(0))), nil
	case "dnsDomainLevels":
		return numberValue(float64(h.DNSDomainLevels(str(0)))), nil
	case "shExpMatch":
		return boolValue(h.ShExpMatch(str(0), str(1))), nil
	case "weekdayRange", "dateRange", "timeRange":
		// Time-gated rules are accepted but always evaluate false: Px has
		// no use for schedule-dependent PAC branches (the proxy has no
		// notion of "business hours"), and a script author who relies on
		// one expects the "else" branch — usually a safer default — to
		// run, not for resolution to fail.
		return boolValue(false), nil
	case "alert":
		return undefinedValue, nil
	default:
		return Value{}, fmt.Errorf("pac: unsupported helper function %q", c.callee)
	}
}

// NetHelpers is the production Helpers implementation: real DNS lookups,
// real local-interface introspection, shell-glob matching for
// shExpMatch. DNS resolution may block, and the lookups take no context,
// so they are not bounded by the evaluation's context.
type NetHelpers struct {
	// LookupHost is overridable for tests; net.LookupHost is used when
	// nil.
	LookupHost func(host string) ([]string, error)
	// LocalIPs holds this host's non-loopback IPv4 addresses, used by
	// myIpAddress() (127.0.0.1 when empty). Computed once at startup by
	// the caller.
	LocalIPs []string
}

func (n *NetHelpers) lookup(host string) ([]string, error) {
	if n.LookupHost != nil {
		return n.LookupHost(host)
	}
	return net.LookupHost(host)
}

func (n *NetHelpers) IsPlainHostName(host string) bool {
	return !strings.Contains(host, ".") && net.ParseIP(host) == nil
}

func (n *NetHelpers) DNSDomainIs(host, domain string) bool {
	return strings.HasSuffix(host, domain)
}

func (n *NetHelpers) LocalHostOrDomainIs(host, fqdn string) bool {
	if host == fqdn {
		return true
	}
	dot := strings.Index(fqdn, ".")
	if dot < 0 {
		return false
	}
	return host == fqdn[:dot] || host == ""
}

func (n *NetHelpers) IsInNet(host, pattern, mask string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := n.lookup(host)
		if err != nil || len(resolved) == 0 {
			return false
		}
		ip = net.ParseIP(resolved[0])
		if ip == nil {
			return false
		}
	}

	patIP := net.ParseIP(pattern).To4()
	maskIP := net.ParseIP(mask).To4()
	ip4 := ip.To4()
	if patIP == nil || maskIP == nil || ip4 == nil {
		return false
	}

	for i := 0; i < 4; i++ {
		if ip4[i]&maskIP[i] != patIP[i]&maskIP[i] {
			return false
		}
	}
	return true
}

func (n *NetHelpers) MyIPAddress() string {
	if len(n.LocalIPs) > 0 {
		return n.LocalIPs[0]
	}
	return "127.0.0.1"
}

func (n *NetHelpers) DNSResolve(host string) string {
	addrs, err := n.lookup(host)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

func (n *NetHelpers) IsResolvable(host string) bool {
	addrs, err := n.lookup(host)
	return err == nil && len(addrs) > 0
}

func (n *NetHelpers) DNSDomainLevels(host string) int {
	return strings.Count(host, ".")
}

func (n *NetHelpers) ShExpMatch(str, pattern string) bool {
	ok, err := path.Match(pattern, str)
	if err != nil {
		return false
	}
	return ok
}
