package http

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthMode selects how a data request authenticates.
type AuthMode int

const (
	// AuthNone sends no Authorization header.
	AuthNone AuthMode = iota
	// AuthBasic sends a Basic (or other static) credential.
	AuthBasic
	// AuthBearer sends an OAuth2 bearer token.
	AuthBearer
)

func (m AuthMode) String() string {
	switch m {
	case AuthBasic:
		return "basic"
	case AuthBearer:
		return "bearer"
	default:
		return "none"
	}
}

// Credentials is a single pre-formed Authorization header value.
type Credentials struct {
	Mode  AuthMode
	Value string
}

// Basic returns Basic credentials for "user:password". A value that already
// starts with "Basic " is used as is.
func Basic(userPass string) Credentials {
	if userPass == "" {
		return Credentials{}
	}
	if hasScheme(userPass, "basic") {
		return Credentials{Mode: AuthBasic, Value: userPass}
	}
	return Credentials{
		Mode:  AuthBasic,
		Value: "Basic " + base64.StdEncoding.EncodeToString([]byte(userPass)),
	}
}

// Bearer returns bearer credentials for token.
func Bearer(token string) Credentials {
	if token == "" {
		return Credentials{}
	}
	return Credentials{Mode: AuthBearer, Value: "Bearer " + token}
}

// CredentialsFromHeaders selects credentials from the Authorization header
// a ticket supplied for a URL. A value without a scheme is taken to be a
// bearer token. The lookup is case-insensitive.
func CredentialsFromHeaders(h http.Header) Credentials {
	v := strings.TrimSpace(h.Get("Authorization"))
	switch {
	case v == "":
		return Credentials{}
	case hasScheme(v, "bearer"):
		return Credentials{Mode: AuthBearer, Value: v}
	case hasScheme(v, "basic"):
		return Credentials{Mode: AuthBasic, Value: v}
	case strings.Contains(v, " "):
		// Some other scheme; pass it through untouched.
		return Credentials{Mode: AuthBasic, Value: v}
	default:
		return Bearer(v)
	}
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c.Mode == AuthNone || c.Value == ""
}

// Or returns c, or fallback when c is empty.
func (c Credentials) Or(fallback Credentials) Credentials {
	if c.IsZero() {
		return fallback
	}
	return c
}

// Apply sets the Authorization header on h.
func (c Credentials) Apply(h http.Header) {
	if c.IsZero() {
		return
	}
	h.Set("Authorization", c.Value)
}

// RequestHeaders builds the headers for a data request: the ticket's headers
// minus Range and Authorization, plus the credentials.
func RequestHeaders(ticket http.Header, creds Credentials) http.Header {
	h := make(http.Header, len(ticket)+1)
	for key, values := range ticket {
		switch http.CanonicalHeaderKey(key) {
		case "Range", "Authorization", "Host":
			continue
		}
		for _, v := range values {
			h.Add(key, v)
		}
	}
	creds.Apply(h)
	return h
}

func hasScheme(v, scheme string) bool {
	return len(v) > len(scheme) && strings.EqualFold(v[:len(scheme)], scheme) && v[len(scheme)] == ' '
}
