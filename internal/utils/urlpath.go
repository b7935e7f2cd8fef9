package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// URLFilename returns the last path segment of a URL, or "" when the URL
// has no usable file name.
// Example: https://example.com/a/b/file.zip?x=1 -> file.zip
func URLFilename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return SanitizeFilename(name)
}

// SanitizeFilename strips path separators and traversal sequences.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	return strings.TrimSpace(name)
}

// DeriveURLID builds a stable identifier for hosts that only have a URL
// (CLI add, clipboard paste). A "v" query parameter wins when present so
// that watch links map to the same id a browser client would send.
func DeriveURLID(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if parsed, err := url.Parse(rawURL); err == nil {
		if v := parsed.Query().Get("v"); v != "" {
			return v
		}
	}
	h := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(h[:8])
}

// EnsureAbsPath converts a path to absolute, returning it unchanged on error.
func EnsureAbsPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
