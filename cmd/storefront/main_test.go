package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithHeaders(t *testing.T) {
	var calls int
	h := withHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))
	for _, target := range []string{"/healthz", "/api/images"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d", target, w.Code)
		}
		want := map[string]string{
			"X-Content-Type-Options": "nosniff",
			"X-Frame-Options":        "DENY",
			"Referrer-Policy":        "no-referrer",
			"Cache-Control":          "no-store",
		}
		for k, v := range want {
			if got := w.Header().Get(k); got != v {
				t.Errorf("%s: %s = %q, want %q", target, k, got, v)
			}
		}
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
