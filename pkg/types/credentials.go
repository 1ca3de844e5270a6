package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	xsrfCookie   = "XSRF-TOKEN"
	bearerCookie = "enlighten_manager_token_production"
)

// Credentials for the cloud account of a site.
type Credentials struct {
	AuthToken string `json:"authToken"`
	Cookie    string `json:"cookie"`
	// BearerToken overrides the bearer token found in the cookie jar.
	BearerToken string `json:"bearerToken,omitempty"`
}

// Empty returns true if there is nothing to authenticate with.
func (c Credentials) Empty() bool {
	return c.AuthToken == "" && c.Cookie == ""
}

// CookieValue returns the value of the named cookie from the cookie header.
func (c Credentials) CookieValue(name string) string {
	for _, part := range strings.Split(c.Cookie, ";") {
		part = strings.TrimSpace(part)
		if k, v, ok := strings.Cut(part, "="); ok && k == name {
			return v
		}
	}
	return ""
}

// XSRFToken returns the CSRF token some endpoints expect echoed as a header.
func (c Credentials) XSRFToken() string {
	return c.CookieValue(xsrfCookie)
}

// Bearer returns the scheduler bearer token.
func (c Credentials) Bearer() string {
	if c.BearerToken != "" {
		return c.BearerToken
	}
	return c.CookieValue(bearerCookie)
}

// Fingerprint identifies a set of credentials without exposing them.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.AuthToken))
	h.Write([]byte{0})
	h.Write([]byte(c.Cookie))
	h.Write([]byte{0})
	h.Write([]byte(c.BearerToken))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
