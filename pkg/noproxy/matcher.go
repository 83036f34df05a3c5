// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package noproxy decides whether a given host or IP address should
// bypass the upstream proxy entirely.
package noproxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Matcher holds a parsed set of noproxy rules: hostname patterns and IP
// ranges, matched independently (Matches returns true if either hits).
type Matcher struct {
	hostPatterns []string
	ipRanges     []ipRange
}

// ipRange is any of: a single IP, a CIDR block, a dotted wildcard
// (192.168.*.*), or a hyphenated range (10.0.0.1-10.0.0.64).
type ipRange struct {
	// cidr is set for CIDR/single-IP entries.
	cidr *net.IPNet
	// lo/hi are set for wildcard/hyphenated entries, compared as 4-byte
	// big-endian integers for IPv4.
	lo, hi uint32
	ranged bool
}

// Parse builds a Matcher from a comma-separated rule string. Malformed
// entries are skipped (and reported via the returned warnings slice) so
// one bad rule doesn't take down the whole set.
func Parse(rules string) (*Matcher, []string) {
	m := &Matcher{}
	var warnings []string

	for _, raw := range strings.Split(rules, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		if rng, ok := parseIPEntry(entry); ok {
			m.ipRanges = append(m.ipRanges, rng)
			continue
		}

		if looksLikeIPEntry(entry) {
			warnings = append(warnings, fmt.Sprintf("noproxy: malformed IP rule %q", entry))
			continue
		}

		m.hostPatterns = append(m.hostPatterns, strings.ToLower(entry))
	}

	return m, warnings
}

// looksLikeIPEntry reports whether entry was clearly intended as an IP
// rule (contains digits-and-dots/wildcards/CIDR/hyphen shape) so we can
// tell "malformed IP rule" apart from "this is a hostname".
func looksLikeIPEntry(entry string) bool {
	return strings.ContainsAny(entry, "*/") ||
		strings.Contains(entry, "-") && strings.Count(entry, ".") >= 2 ||
		net.ParseIP(entry) != nil
}

func parseIPEntry(entry string) (ipRange, bool) {
	if strings.Contains(entry, "/") {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return ipRange{}, false
		}
		return ipRange{cidr: ipnet}, true
	}

	if strings.Contains(entry, "*") {
		return parseWildcard(entry)
	}

	if strings.Contains(entry, "-") && strings.Count(entry, ".") >= 2 {
		return parseHyphenRange(entry)
	}

	if ip := net.ParseIP(entry); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			mask := net.CIDRMask(32, 32)
			return ipRange{cidr: &net.IPNet{IP: ip4, Mask: mask}}, true
		}
		mask := net.CIDRMask(128, 128)
		return ipRange{cidr: &net.IPNet{IP: ip, Mask: mask}}, true
	}

	return ipRange{}, false
}

func parseWildcard(entry string) (ipRange, bool) {
	parts := strings.Split(entry, ".")
	if len(parts) != 4 {
		return ipRange{}, false
	}

	var lo, hi uint32
	for _, p := range parts {
		lo <<= 8
		hi <<= 8
		if p == "*" {
			hi |= 0xff
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return ipRange{}, false
		}
		lo |= uint32(v)
		hi |= uint32(v)
	}

	return ipRange{lo: lo, hi: hi, ranged: true}, true
}

func parseHyphenRange(entry string) (ipRange, bool) {
	bounds := strings.SplitN(entry, "-", 2)
	if len(bounds) != 2 {
		return ipRange{}, false
	}

	loIP := net.ParseIP(strings.TrimSpace(bounds[0])).To4()
	hiIP := net.ParseIP(strings.TrimSpace(bounds[1])).To4()
	if loIP == nil || hiIP == nil {
		return ipRange{}, false
	}

	lo := ipToUint32(loIP)
	hi := ipToUint32(hiIP)
	if hi < lo {
		return ipRange{}, false
	}

	return ipRange{lo: lo, hi: hi, ranged: true}, true
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// Matches reports whether hostOrIP should bypass the upstream proxy.
func (m *Matcher) Matches(hostOrIP string) bool {
	if m == nil {
		return false
	}

	host := strings.ToLower(strings.TrimSpace(hostOrIP))
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")

	if ip := net.ParseIP(host); ip != nil {
		return m.matchesIP(ip)
	}

	return m.matchesHost(host)
}

func (m *Matcher) matchesIP(ip net.IP) bool {
	ip4 := ip.To4()
	for _, r := range m.ipRanges {
		if r.ranged {
			if ip4 == nil {
				continue
			}
			v := ipToUint32(ip4)
			if v >= r.lo && v <= r.hi {
				return true
			}
			continue
		}
		if r.cidr != nil && r.cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchesHost(host string) bool {
	for _, pattern := range m.hostPatterns {
		suffix := pattern
		switch {
		case strings.HasPrefix(pattern, "*."):
			suffix = pattern[2:]
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
		case strings.HasPrefix(pattern, "."):
			suffix = pattern[1:]
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		default:
			if host == pattern || strings.HasSuffix(host, "."+pattern) {
				return true
			}
		}
	}
	return false
}

// HostPatterns returns a copy of the parsed hostname-pattern rules. The
// upstream driver does not consult it: every noproxy decision, for hosts
// and IPs alike, is made by Matches in the resolver.
func (m *Matcher) HostPatterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.hostPatterns...)
}
