// Package auth resolves the identity of an uploader from a bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Anonymous is the identity used when no tokens are configured.
const Anonymous = "anonymous"

// ErrUnauthenticated means the token is missing or matches no identity.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Verifier is the identity collaborator.
type Verifier interface {
	Identify(ctx context.Context, token string) (string, error)
}

// Credential binds an identity to the bcrypt hash of its token.
type Credential struct {
	Identity  string
	TokenHash string
}

// Static verifies tokens against a fixed credential list. With no
// credentials it admits everyone as Anonymous.
type Static struct {
	creds []Credential
}

// NewStatic validates every hash up front.
func NewStatic(creds []Credential) (*Static, error) {
	for _, c := range creds {
		if c.Identity == "" {
			return nil, errors.New("auth: credential with empty identity")
		}
		if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
			return nil, fmt.Errorf("auth: token hash for %q: %w", c.Identity, err)
		}
	}
	return &Static{creds: creds}, nil
}

// Anonymous reports whether the verifier admits unauthenticated callers.
func (s *Static) Anonymous() bool { return len(s.creds) == 0 }

func (s *Static) Identify(ctx context.Context, token string) (string, error) {
	if s.Anonymous() {
		return Anonymous, nil
	}
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	for _, c := range s.creds {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) == nil {
			return c.Identity, nil
		}
	}
	return "", ErrUnauthenticated
}

// HashToken returns the bcrypt hash of token for use in configuration.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", errors.New("auth: empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash token: %w", err)
	}
	return string(h), nil
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the "token" form field.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return r.FormValue("token")
}
