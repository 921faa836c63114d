// Package authz is the opaque authorization boundary consumed by the
// WS and HTTP transports. It answers exactly one question — is this
// request allowed to touch session state — without knowing anything
// about credential stores, OAuth flows, or device pairing; those
// concerns stay out of scope and out of this package.
package authz

import (
	"net/http"
	"strings"
)

// Decision is the opaque result of an authorization check.
type Decision struct {
	Allowed   bool
	Principal string
}

// Authorizer decides whether an incoming HTTP/WS upgrade request is
// allowed to proceed.
type Authorizer interface {
	Authorize(r *http.Request) Decision
}

// AllowAll grants every request, attributing it to "anonymous". Used
// for local development and by default when no token is configured.
type AllowAll struct{}

func (AllowAll) Authorize(*http.Request) Decision {
	return Decision{Allowed: true, Principal: "anonymous"}
}

// BearerToken authorizes requests carrying an "Authorization: Bearer
// <token>" header matching a single configured shared secret. Callers
// needing per-user principals or revocation build something richer
// behind the same Authorizer interface; this is the minimal shared-
// secret case a single-operator server needs.
type BearerToken struct {
	Token string
}

func (b BearerToken) Authorize(r *http.Request) Decision {
	if b.Token == "" {
		return Decision{Allowed: true, Principal: "anonymous"}
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Decision{Allowed: false}
	}
	presented := strings.TrimPrefix(header, prefix)
	if presented != b.Token {
		return Decision{Allowed: false}
	}
	return Decision{Allowed: true, Principal: "token"}
}
