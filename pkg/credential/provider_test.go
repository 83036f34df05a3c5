// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package credential

import "testing"

func TestGetUsesEnvPasswordOverride(t *testing.T) {
	p := &Provider{EnvPassword: "s3cret"}

	user, secret, err := p.Get("DOMAIN\\u")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if user != "DOMAIN\\u" || secret != "s3cret" {
		t.Fatalf("got (%q, %q)", user, secret)
	}
}

func TestGetEmptyPrincipalWithoutSSPIFails(t *testing.T) {
	if sspiAvailable() {
		t.Skip("SSPI available on this platform build")
	}

	p := &Provider{}
	_, _, err := p.Get("")
	if err != ErrNoCredential {
		t.Fatalf("got err=%v, want ErrNoCredential", err)
	}
}
