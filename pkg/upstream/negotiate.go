// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package upstream

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// negotiateToken obtains a SPNEGO token for the "HTTP/<host>" service
// principal using the configured Kerberos principal and password, the
// same credential the keychain/env would otherwise hand to Basic/NTLM.
// It loads krb5.conf from the path krb5ConfPath picks: KRB5_CONFIG if
// set, else /etc/krb5.conf.
func negotiateToken(cred Credential, upstreamHost string) (string, error) {
	realm := realmFromPrincipal(cred.Principal)
	if realm == "" {
		return "", fmt.Errorf("negotiate: principal %q has no realm (expected user@REALM or DOMAIN\\user)", cred.Principal)
	}
	user := userFromPrincipal(cred.Principal)

	cfg, err := config.Load(krb5ConfPath())
	if err != nil {
		return "", fmt.Errorf("negotiate: load krb5 config: %w", err)
	}

	cl := client.NewWithPassword(user, realm, cred.Secret, cfg, client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return "", fmt.Errorf("negotiate: kerberos login: %w", err)
	}
	defer cl.Destroy()

	host, _ := parseHostPort(upstreamHost)
	spn := "HTTP/" + host

	req, _ := http.NewRequest(http.MethodGet, "http://"+upstreamHost+"/", nil)
	if err := spnego.SetSPNEGOHeader(cl, req, spn); err != nil {
		return "", fmt.Errorf("negotiate: build SPNEGO token: %w", err)
	}

	auth := req.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Negotiate ")
	if token == auth {
		return "", fmt.Errorf("negotiate: unexpected Authorization header shape")
	}
	return token, nil
}

func realmFromPrincipal(principal string) string {
	if i := strings.Index(principal, "@"); i >= 0 {
		return strings.ToUpper(principal[i+1:])
	}
	if i := strings.Index(principal, "\\"); i >= 0 {
		return strings.ToUpper(principal[:i])
	}
	return ""
}

func userFromPrincipal(principal string) string {
	if i := strings.Index(principal, "@"); i >= 0 {
		return principal[:i]
	}
	if i := strings.Index(principal, "\\"); i >= 0 {
		return principal[i+1:]
	}
	return principal
}

func krb5ConfPath() string {
	if p := os.Getenv("KRB5_CONFIG"); p != "" {
		return p
	}
	return "/etc/krb5.conf"
}
