// Package repourl validates and canonicalizes forge repository URLs.
//
// A canonical URL has the form https://<host>/<owner>/<name> with a
// lowercase host and path, no trailing slash, and no .git suffix.
package repourl

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidURL is returned for any string that is not a valid forge
// repository URL.
var ErrInvalidURL = errors.New("invalid repository URL")

// DefaultHost is the forge host accepted by Canonicalize.
const DefaultHost = "github.com"

// Canonicalize normalizes raw and validates the result. It returns the
// canonical URL, or ErrInvalidURL (wrapped with a reason) if raw does not
// denote a repository.
//
// Canonicalization is a fixed point: Canonicalize(Canonicalize(s)) always
// equals Canonicalize(s) for accepted inputs.
func Canonicalize(raw string) (string, error) {
	norm := normalize(raw)
	if err := validate(norm); err != nil {
		return "", err
	}
	// Normalization then validation must reach a fixed point; anything the
	// first pass could still change is a disguised variant and is rejected.
	if normalize(norm) != norm {
		return "", fmt.Errorf("%w: %q does not normalize to a stable form", ErrInvalidURL, raw)
	}
	return norm, nil
}

// SplitOwnerName extracts the (owner, name) segments from a canonical URL.
// The URL must already have passed Canonicalize.
func SplitOwnerName(canonical string) (owner, name string, err error) {
	rest, ok := strings.CutPrefix(canonical, "https://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not canonical", ErrInvalidURL, canonical)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("%w: %q is not canonical", ErrInvalidURL, canonical)
	}
	return parts[1], parts[2], nil
}

// normalize lowercases the URL, upgrades http to https, and strips the
// "www." host prefix, trailing slashes, and a trailing ".git" suffix.
// It performs no validation.
func normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))

	if rest, ok := strings.CutPrefix(s, "http://"); ok {
		s = "https://" + rest
	} else if !strings.HasPrefix(s, "https://") && s != "" {
		// Implicit scheme.
		s = "https://" + s
	}

	if rest, ok := strings.CutPrefix(s, "https://www."); ok {
		s = "https://" + rest
	}

	s = strings.TrimRight(s, "/")
	s = strings.TrimSuffix(s, ".git")
	s = strings.TrimRight(s, "/")
	return s
}

// validate checks a normalized URL for scheme, host, segment count, and
// segment character class.
func validate(u string) error {
	if u == "" || u == "https:/" || u == "https://" {
		return fmt.Errorf("%w: URL is empty", ErrInvalidURL)
	}
	if strings.ContainsAny(u, " \t\r\n") {
		return fmt.Errorf("%w: URL contains whitespace", ErrInvalidURL)
	}
	// Percent-encoding could smuggle separators past segment parsing.
	if strings.Contains(u, "%") {
		return fmt.Errorf("%w: URL must not contain percent-encoded characters", ErrInvalidURL)
	}

	rest, ok := strings.CutPrefix(u, "https://")
	if !ok {
		return fmt.Errorf("%w: URL must use http or https", ErrInvalidURL)
	}

	host, path, ok := strings.Cut(rest, "/")
	if !ok || host == "" {
		return fmt.Errorf("%w: expected https://%s/owner/name", ErrInvalidURL, DefaultHost)
	}
	if host != DefaultHost {
		return fmt.Errorf("%w: host %q is not supported", ErrInvalidURL, host)
	}

	segments := strings.Split(path, "/")
	if len(segments) != 2 {
		return fmt.Errorf("%w: expected exactly two path segments, got %d", ErrInvalidURL, len(segments))
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: owner and name must be non-empty", ErrInvalidURL)
		}
		if !ValidNamePart(seg) {
			return fmt.Errorf("%w: segment %q contains invalid characters", ErrInvalidURL, seg)
		}
	}
	return nil
}

// ValidNamePart reports whether s contains only characters permitted in an
// owner or repository name segment: ASCII letters, digits, hyphen,
// underscore, and period.
func ValidNamePart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
