package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"storefront/internal/errs"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"photo.jpg", "photo.jpg", true},
		{"  cake.png ", "cake.png", true},
		{"../etc/passwd", "", false},
		{"a/b.jpg", "", false},
		{`a\b.jpg`, "", false},
		{"/abs.jpg", "", false},
		{"..", "", false},
		{".", "", false},
		{"my..photo.jpg", "", false},
		{"", "", false},
		{"   ", "", false},
		{"nul\x00.jpg", "", false},
	}
	for _, tt := range tests {
		got, err := SanitizeName(tt.in)
		if tt.ok {
			if err != nil {
				t.Errorf("SanitizeName(%q) error: %v", tt.in, err)
				continue
			}
			if got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
			continue
		}
		if err == nil {
			t.Errorf("SanitizeName(%q) = %q, want rejection", tt.in, got)
			continue
		}
		if errs.KindOf(err) != errs.KindValidation {
			t.Errorf("SanitizeName(%q) kind = %v, want validation", tt.in, errs.KindOf(err))
		}
	}
}

func TestResolveContained(t *testing.T) {
	root := t.TempDir()

	p, err := ResolveContained(root, "a.jpg")
	if err != nil {
		t.Fatalf("ResolveContained: %v", err)
	}
	if p != filepath.Join(root, "a.jpg") {
		t.Errorf("got %q", p)
	}

	for _, bad := range []string{"../a.jpg", "..", ".", "x/../../y", ""} {
		if _, err := ResolveContained(root, bad); err == nil {
			t.Errorf("ResolveContained(%q) should fail", bad)
		}
	}
}

func TestCleanRelPath(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"/":          "",
		"a//b":       "a/b",
		"/../x":      "x",
		`products\a`: "products/a",
	}
	for in, want := range cases {
		if got := CleanRelPath(in); got != want {
			t.Errorf("CleanRelPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "sub", "doc.json")

	if err := WriteFileAtomic(dst, []byte("first"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(dst, []byte("second"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}

	ents, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 1 {
		t.Errorf("leftover temp files: %d entries", len(ents))
	}
}
