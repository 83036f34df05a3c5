// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package upstream

import (
	"net"
	"testing"
	"time"
)

func TestParseSchemeMask(t *testing.T) {
	cases := map[string]Scheme{
		"":          SchemeAny,
		"any":       SchemeAny,
		"Basic":     SchemeBasic,
		"DIGEST":    SchemeDigest,
		"ntlm":      SchemeNTLM,
		"Negotiate": SchemeNegotiate,
		"kerberos":  SchemeNegotiate,
	}
	for in, want := range cases {
		got, err := ParseSchemeMask(in)
		if err != nil {
			t.Fatalf("ParseSchemeMask(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSchemeMask(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseSchemeMask("bogus"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestPickChallengePrefersStrongestOffered(t *testing.T) {
	values := []string{`Basic realm="x"`, `Digest realm="x", nonce="n"`}
	scheme, challenge := pickChallenge(values, SchemeAny)
	if scheme != "Digest" {
		t.Fatalf("scheme = %q, want Digest", scheme)
	}
	if challenge == "" {
		t.Fatal("expected non-empty challenge")
	}
}

func TestPickChallengeRespectsMask(t *testing.T) {
	values := []string{`Negotiate`, `NTLM`, `Digest realm="x", nonce="n"`, `Basic realm="x"`}
	scheme, _ := pickChallenge(values, SchemeBasic)
	if scheme != "Basic" {
		t.Fatalf("scheme = %q, want Basic (mask excludes stronger schemes)", scheme)
	}
}

func TestParseDigestParams(t *testing.T) {
	challenge := `Digest realm="test realm", nonce="abc123", qop="auth", opaque="xyz"`
	params := parseDigestParams(challenge)
	if params["realm"] != "test realm" || params["nonce"] != "abc123" || params["qop"] != "auth" || params["opaque"] != "xyz" {
		t.Fatalf("unexpected params: %#v", params)
	}
}

func TestSplitDomainUser(t *testing.T) {
	domain, user := splitDomainUser(`CORP\jdoe`)
	if domain != "CORP" || user != "jdoe" {
		t.Fatalf("got (%q, %q)", domain, user)
	}

	domain, user = splitDomainUser("jdoe")
	if domain != "" || user != "jdoe" {
		t.Fatalf("got (%q, %q)", domain, user)
	}
}

func TestRealmAndUserFromPrincipal(t *testing.T) {
	if r := realmFromPrincipal("jdoe@EXAMPLE.COM"); r != "EXAMPLE.COM" {
		t.Errorf("realm = %q", r)
	}
	if u := userFromPrincipal("jdoe@EXAMPLE.COM"); u != "jdoe" {
		t.Errorf("user = %q", u)
	}
	if r := realmFromPrincipal(`CORP\jdoe`); r != "CORP" {
		t.Errorf("realm = %q", r)
	}
}

func TestSpliceCopiesBothDirections(t *testing.T) {
	clientConn, clientPeer := net.Pipe()
	upstreamConn, upstreamPeer := net.Pipe()

	done := make(chan struct{})
	var cu, uc int64
	go func() {
		cu, uc = Splice(clientConn, upstreamConn, time.Second)
		close(done)
	}()

	go func() {
		clientPeer.Write([]byte("hello"))
		clientPeer.Close()
	}()
	buf := make([]byte, 5)
	n, _ := upstreamPeer.Read(buf)
	if string(buf[:n]) != "hello" {
		t.Fatalf("upstream got %q", buf[:n])
	}
	upstreamPeer.Close()

	<-done
	if cu == 0 && uc == 0 {
		t.Fatal("expected at least one direction to carry bytes")
	}
}
