package validator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"codeforge/internal/types"
)

// DefaultMaxFileBytes caps the content size of a single file change.
const DefaultMaxFileBytes = 1 << 20

// =============================================================================
// PATH CHECKER
// =============================================================================

// PathChecker rejects empty, absolute, and traversal paths.
type PathChecker struct{}

// NewPathChecker creates a PathChecker.
func NewPathChecker() *PathChecker {
	return &PathChecker{}
}

// Name returns the checker name.
func (c *PathChecker) Name() string { return "path" }

// Check validates that each change targets a clean project-relative path.
func (c *PathChecker) Check(_ context.Context, changes []types.FileChange) []string {
	var errs []string
	for _, ch := range changes {
		if msg := checkPath(ch.Path); msg != "" {
			errs = append(errs, msg)
		}
	}
	return errs
}

func checkPath(path string) string {
	if path == "" {
		return "file with empty path"
	}
	slashed := filepath.ToSlash(path)
	if strings.HasPrefix(slashed, "/") {
		return fmt.Sprintf("%s: absolute path not allowed", path)
	}
	if len(slashed) >= 2 && slashed[1] == ':' {
		return fmt.Sprintf("%s: absolute path not allowed", path)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return fmt.Sprintf("%s: path traversal not allowed", path)
		}
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Sprintf("%s: path contains NUL byte", path)
	}
	return ""
}

// =============================================================================
// CONTENT CHECKER
// =============================================================================

// ContentChecker rejects invalid UTF-8 and oversized content.
type ContentChecker struct {
	maxBytes int
}

// NewContentChecker creates a ContentChecker with the given size cap.
func NewContentChecker(maxBytes int) *ContentChecker {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	return &ContentChecker{maxBytes: maxBytes}
}

// Name returns the checker name.
func (c *ContentChecker) Name() string { return "content" }

// Check validates content encoding and size.
func (c *ContentChecker) Check(_ context.Context, changes []types.FileChange) []string {
	var errs []string
	for _, ch := range changes {
		if !utf8.ValidString(ch.Content) {
			errs = append(errs, fmt.Sprintf("%s: content is not valid UTF-8", ch.Path))
			continue
		}
		if len(ch.Content) > c.maxBytes {
			errs = append(errs, fmt.Sprintf("%s: file too large: %d bytes exceeds limit %d",
				ch.Path, len(ch.Content), c.maxBytes))
		}
	}
	return errs
}
