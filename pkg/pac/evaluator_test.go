// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package pac

import (
	"context"
	"testing"
)

func testHelpers() *NetHelpers {
	return &NetHelpers{
		LookupHost: func(host string) ([]string, error) {
			if host == "example.com" {
				return []string{"203.0.113.10"}, nil
			}
			return []string{"10.0.0.5"}, nil
		},
		LocalIPs: []string{"192.168.1.10"},
	}
}

func TestFindProxyForURLDirectForLocalNet(t *testing.T) {
	script := `
	function FindProxyForURL(url, host) {
		if (isPlainHostName(host)) {
			return "DIRECT";
		}
		if (isInNet(host, "10.0.0.0", "255.255.255.0")) {
			return "DIRECT";
		}
		return "PROXY a.corp:8080; PROXY b.corp:8081; DIRECT";
	}`

	s, err := Compile(script)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got, err := s.FindProxyForURL(context.Background(), "https://intranet/", "intranet", testHelpers())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "DIRECT" {
		t.Errorf("got %q, want DIRECT", got)
	}

	got, err = s.FindProxyForURL(context.Background(), "https://example.com/", "example.com", testHelpers())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "PROXY a.corp:8080; PROXY b.corp:8081; DIRECT" {
		t.Errorf("got %q", got)
	}
}

func TestShExpMatchAndLogical(t *testing.T) {
	script := `
	function FindProxyForURL(url, host) {
		if (shExpMatch(host, "*.internal.example.com") && !isPlainHostName(host)) {
			return "DIRECT";
		}
		return "PROXY up.corp:3128";
	}`

	s, err := Compile(script)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got, err := s.FindProxyForURL(context.Background(), "https://svc.internal.example.com/", "svc.internal.example.com", testHelpers())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "DIRECT" {
		t.Errorf("got %q, want DIRECT", got)
	}
}

func TestMissingFindProxyForURLRejected(t *testing.T) {
	_, err := Compile(`function notTheRightName() { return "DIRECT"; }`)
	if err == nil {
		t.Fatal("expected error for script without FindProxyForURL")
	}
}

func TestUnsupportedHelperErrors(t *testing.T) {
	script := `function FindProxyForURL(url, host) { return someUnknownHelper(host); }`
	s, err := Compile(script)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, err = s.FindProxyForURL(context.Background(), "https://x/", "x", testHelpers())
	if err == nil {
		t.Fatal("expected error for unsupported helper")
	}
}
