package repourl

import (
	"errors"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	accept := []struct {
		in   string
		want string
	}{
		{"https://github.com/owner/repo", "https://github.com/owner/repo"},
		{"https://github.com/owner/repo.git", "https://github.com/owner/repo"},
		{"https://github.com/owner/repo/", "https://github.com/owner/repo"},
		{"https://github.com/owner/repo.git/", "https://github.com/owner/repo"},
		{"http://github.com/owner/repo", "https://github.com/owner/repo"},
		{"https://www.github.com/owner/repo", "https://github.com/owner/repo"},
		{"github.com/owner/repo", "https://github.com/owner/repo"},
		{"https://github.com/OWNER/Repo", "https://github.com/owner/repo"},
		{"https://github.com/own-er/re_po.name", "https://github.com/own-er/re_po.name"},
	}
	for _, tc := range accept {
		got, err := Canonicalize(tc.in)
		if err != nil {
			t.Errorf("Canonicalize(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	reject := []string{
		"",
		"   ",
		"https://gitlab.com/owner/repo",
		"https://github.com/owner",
		"https://github.com/owner/",
		"https://github.com/",
		"https://github.com",
		"https://github.com/owner/repo/extra",
		"https://github.com/owner//repo",
		"https://github.com/owner%2Frepo/name",
		"https://github.com/owner/repo%20name",
		"https://github.com/ow ner/repo",
		"ftp://github.com/owner/repo",
		"https://github.com/owner/répo",
	}
	for _, in := range reject {
		if _, err := Canonicalize(in); err == nil {
			t.Errorf("Canonicalize(%q) accepted, want rejection", in)
		} else if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Canonicalize(%q) error = %v, want ErrInvalidURL", in, err)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"https://github.com/owner/repo",
		"http://WWW.GitHub.com/Owner/Repo.git/",
		"github.com/a/b",
		"https://github.com/own-er/re_po.name.git",
	}
	for _, in := range inputs {
		once, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("Canonicalize(%q) error = %v", in, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("Canonicalize(Canonicalize(%q)) error = %v", in, err)
		}
		if once != twice {
			t.Errorf("Canonicalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestSplitOwnerName(t *testing.T) {
	owner, name, err := SplitOwnerName("https://github.com/torvalds/linux")
	if err != nil {
		t.Fatalf("SplitOwnerName error = %v", err)
	}
	if owner != "torvalds" || name != "linux" {
		t.Errorf("SplitOwnerName = (%q, %q), want (torvalds, linux)", owner, name)
	}

	if _, _, err := SplitOwnerName("not-a-url"); err == nil {
		t.Error("SplitOwnerName accepted a non-canonical string")
	}
}

func TestValidNamePart(t *testing.T) {
	for _, ok := range []string{"repo", "Repo-1", "a_b.c", "0"} {
		if !ValidNamePart(ok) {
			t.Errorf("ValidNamePart(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "a/b", "a b", "a%2f", "ré", "a\"b", "a{b}"} {
		if ValidNamePart(bad) {
			t.Errorf("ValidNamePart(%q) = true, want false", bad)
		}
	}
}
