// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxylist parses upstream proxy lists: the static
// "host:port,host:port" config syntax and the PAC return-value syntax
// ("PROXY host:port; PROXY host2:port2; DIRECT").
package proxylist

import (
	"strconv"
	"strings"
)

// DirectHost is the sentinel host value meaning "no upstream; connect to
// the target directly".
const DirectHost = ""

// Entry is one candidate upstream: either a (host, port) pair, or the
// Direct sentinel.
type Entry struct {
	Host   string
	Port   int
	Direct bool
}

func (e Entry) String() string {
	if e.Direct {
		return "DIRECT"
	}
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// ParseStatic parses the config-file "host:port,host:port" syntax into an
// ordered, de-duplicated list of candidates. A bare host defaults to port
// 80.
func ParseStatic(s string) []Entry {
	var entries []Entry
	seen := map[string]bool{}

	for _, raw := range strings.Split(s, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}

		e, ok := parseHostPort(tok)
		if !ok {
			continue
		}

		if key := e.String(); !seen[key] {
			seen[key] = true
			entries = append(entries, e)
		}
	}

	return entries
}

// ParsePAC parses a PAC FindProxyForURL return value, e.g.
// "PROXY a:1; PROXY b:2; DIRECT", into an ordered, de-duplicated list.
func ParsePAC(s string) []Entry {
	var entries []Entry
	seen := map[string]bool{}

	for _, raw := range strings.Split(s, ";") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}

		fields := strings.Fields(tok)
		if len(fields) == 0 {
			continue
		}

		kind := strings.ToUpper(fields[0])
		switch kind {
		case "DIRECT":
			e := Entry{Direct: true}
			if key := e.String(); !seen[key] {
				seen[key] = true
				entries = append(entries, e)
			}
		case "PROXY", "HTTP", "HTTPS":
			if len(fields) < 2 {
				continue
			}
			e, ok := parseHostPort(fields[1])
			if !ok {
				continue
			}
			if key := e.String(); !seen[key] {
				seen[key] = true
				entries = append(entries, e)
			}
		default:
			// SOCKS and other scheme keywords are out of scope for an
			// HTTP(S) forward proxy; skip unrecognized entries.
		}
	}

	return entries
}

func parseHostPort(tok string) (Entry, bool) {
	host, portStr, found := strings.Cut(tok, ":")
	if host == "" {
		return Entry{}, false
	}

	port := 80
	if found {
		p, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || p <= 0 || p > 65535 {
			return Entry{}, false
		}
		port = p
	}

	return Entry{Host: strings.TrimSpace(host), Port: port}, true
}
