// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package pac evaluates Proxy Auto-Config scripts: FindProxyForURL(url,
// host) plus the standard helper predicates (isPlainHostName,
// dnsDomainIs, isInNet, myIpAddress, dnsResolve, shExpMatch, and a few
// others), sandboxed so the script can do no I/O except through those
// helpers.
//
// There is no JavaScript VM in this module's dependency graph. Real PAC
// scripts that exercise the documented helper set are expressible in a
// small, C-like subset of JS (function declarations, var, if/else,
// return, the common operators) and that subset is what this package
// parses and interprets natively. A general-purpose JS engine would pull
// in either a cgo V8 binding or a much larger pure-Go interpreter for
// language features (prototypes, closures over mutable state, regex
// literals, array/object literals) that FindProxyForURL scripts never
// use in practice.
package pac
