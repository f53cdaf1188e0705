package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"storefront/internal/config"
)

// Verifier decides whether a presented admin token is acceptable.
type Verifier interface {
	Verify(token string) bool
}

// SecretVerifier compares against a plaintext shared secret.
type SecretVerifier struct {
	secret []byte
}

func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: []byte(secret)}
}

func (v *SecretVerifier) Verify(token string) bool {
	if token == "" || len(v.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), v.secret) == 1
}

// BcryptVerifier checks the token against a bcrypt hash, so the secret itself
// never has to be stored.
type BcryptVerifier struct {
	hash []byte
}

func NewBcryptVerifier(hash string) (*BcryptVerifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, err
	}
	return &BcryptVerifier{hash: []byte(hash)}, nil
}

func (v *BcryptVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(token)) == nil
}

type denyAll struct{}

func (denyAll) Verify(string) bool { return false }

// DenyAll is used when no admin credential is configured.
var DenyAll Verifier = denyAll{}

// FromConfig picks the strongest configured verifier. With nothing configured
// every admin request is denied.
func FromConfig(cfg config.Admin) (Verifier, error) {
	switch {
	case cfg.SecretBcrypt != "":
		return NewBcryptVerifier(cfg.SecretBcrypt)
	case cfg.Secret != "":
		return NewSecretVerifier(cfg.Secret), nil
	default:
		return DenyAll, nil
	}
}

// Gate extracts the admin credential from a request and checks it.
type Gate struct {
	verifier   Verifier
	cookieName string
	headerName string
}

func NewGate(v Verifier, cfg config.Admin) *Gate {
	if v == nil {
		v = DenyAll
	}
	return &Gate{verifier: v, cookieName: cfg.CookieName, headerName: cfg.HeaderName}
}

// Authorize reports whether any credential on r (cookie, header or bearer
// token) is valid. A stale cookie does not mask a good header.
func (g *Gate) Authorize(r *http.Request) bool {
	for _, tok := range g.tokens(r) {
		if g.verifier.Verify(tok) {
			return true
		}
	}
	return false
}

func (g *Gate) tokens(r *http.Request) []string {
	var out []string
	if g.cookieName != "" {
		if c, err := r.Cookie(g.cookieName); err == nil && c.Value != "" {
			out = append(out, c.Value)
		}
	}
	if g.headerName != "" {
		if v := strings.TrimSpace(r.Header.Get(g.headerName)); v != "" {
			out = append(out, v)
		}
	}
	const prefix = "Bearer "
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, prefix) {
		if tok := strings.TrimSpace(strings.TrimPrefix(v, prefix)); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// RequireAdmin rejects requests without a valid credential with 403.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Authorize(r) {
			deny(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"forbidden","kind":"forbidden"}` + "\n"))
}
