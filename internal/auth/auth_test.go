package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"storefront/internal/config"
)

func adminCfg() config.Admin {
	return config.Admin{CookieName: "admin_token", HeaderName: "X-Admin-Token"}
}

func TestSecretVerifier(t *testing.T) {
	v := NewSecretVerifier("hunter2")
	if !v.Verify("hunter2") {
		t.Error("correct secret rejected")
	}
	for _, bad := range []string{"", "hunter", "hunter22", "HUNTER2"} {
		if v.Verify(bad) {
			t.Errorf("Verify(%q) = true", bad)
		}
	}
	if NewSecretVerifier("").Verify("") {
		t.Error("empty secret must never verify")
	}
}

func TestBcryptVerifier(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewBcryptVerifier(string(h))
	if err != nil {
		t.Fatalf("NewBcryptVerifier: %v", err)
	}
	if !v.Verify("hunter2") {
		t.Error("correct secret rejected")
	}
	if v.Verify("nope") || v.Verify("") {
		t.Error("wrong secret accepted")
	}
	if _, err := NewBcryptVerifier("not-a-hash"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestFromConfigFailsClosed(t *testing.T) {
	v, err := FromConfig(config.Admin{})
	if err != nil {
		t.Fatal(err)
	}
	if v.Verify("") || v.Verify("anything") {
		t.Error("unconfigured verifier must deny")
	}
}

func TestGateCredentialSources(t *testing.T) {
	g := NewGate(NewSecretVerifier("tok"), adminCfg())

	tests := []struct {
		name string
		mod  func(r *http.Request)
		want bool
	}{
		{"none", func(r *http.Request) {}, false},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "admin_token", Value: "tok"}) }, true},
		{"header", func(r *http.Request) { r.Header.Set("X-Admin-Token", "tok") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, true},
		{"wrong header", func(r *http.Request) { r.Header.Set("X-Admin-Token", "bad") }, false},
		{"basic is ignored", func(r *http.Request) { r.SetBasicAuth("admin", "tok") }, false},
		{"stale cookie, good header", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "admin_token", Value: "old"})
			r.Header.Set("X-Admin-Token", "tok")
		}, true},
		{"wrong header, good bearer", func(r *http.Request) {
			r.Header.Set("X-Admin-Token", "bad")
			r.Header.Set("Authorization", "Bearer tok")
		}, true},
		{"all wrong", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "admin_token", Value: "old"})
			r.Header.Set("X-Admin-Token", "bad")
			r.Header.Set("Authorization", "Bearer nope")
		}, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		tt.mod(r)
		if got := g.Authorize(r); got != tt.want {
			t.Errorf("%s: Authorize = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	g := NewGate(NewSecretVerifier("tok"), adminCfg())
	var calls int
	h := g.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusForbidden || calls != 0 {
		t.Fatalf("status = %d calls = %d, want 403 and no call", rec.Code, calls)
	}

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-Admin-Token", "tok")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}
