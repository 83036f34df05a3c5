// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package noproxy

import "testing"

func TestMatchesWildcard(t *testing.T) {
	m, warnings := Parse("10.0.*.*")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	if !m.Matches("10.0.255.1") {
		t.Error("expected 10.0.255.1 to match 10.0.*.*")
	}
	if m.Matches("10.1.0.1") {
		t.Error("expected 10.1.0.1 to not match 10.0.*.*")
	}
}

func TestMatchesHostSuffix(t *testing.T) {
	m, _ := Parse(".example.com")

	cases := map[string]bool{
		"a.example.com":   true,
		"example.com":     true,
		"notexample.com":  false,
		"xexample.com":    false,
		"sub.example.com": true,
	}

	for host, want := range cases {
		if got := m.Matches(host); got != want {
			t.Errorf("Matches(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestMatchesCIDR(t *testing.T) {
	m, _ := Parse("192.168.1.0/24")

	if !m.Matches("192.168.1.42") {
		t.Error("expected 192.168.1.42 to be in range")
	}
	if m.Matches("192.168.2.1") {
		t.Error("expected 192.168.2.1 to not be in range")
	}
}

func TestMatchesHyphenRange(t *testing.T) {
	m, _ := Parse("10.0.0.1-10.0.0.64")

	if !m.Matches("10.0.0.32") {
		t.Error("expected 10.0.0.32 in hyphen range")
	}
	if m.Matches("10.0.0.65") {
		t.Error("expected 10.0.0.65 out of hyphen range")
	}
}

func TestMalformedEntrySkippedWithWarning(t *testing.T) {
	m, warnings := Parse("10.0.0.0/abc,example.com")
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	if !m.Matches("example.com") {
		t.Error("remaining valid rule should still be parsed")
	}
}

func TestIPv6BracketStrip(t *testing.T) {
	m, _ := Parse("::1")
	if !m.Matches("[::1]") {
		t.Error("expected bracketed IPv6 literal to match")
	}
}
