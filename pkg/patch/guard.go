package patch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/alphafactory/hive/pkg/errdefs"
)

// denyPatterns is the fixed safety scan: destructive removal, outbound
// URLs and network helpers have no place in a self-improvement patch.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf`),
	regexp.MustCompile(`https?://`),
	regexp.MustCompile(`\bcurl\b`),
	regexp.MustCompile(`\bwget\b`),
	regexp.MustCompile(`requests\.get`),
	regexp.MustCompile(`urllib\.request`),
	regexp.MustCompile(`socket\.`),
}

// isTestFile matches the conventional test layouts.
func isTestFile(path string) bool {
	base := strings.ToLower(path)
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		if strings.HasPrefix(base, "tests/") || strings.Contains(base, "/tests/") {
			return true
		}
		base = base[i+1:]
	}
	return strings.HasPrefix(base, "test_") || strings.Contains(base, "_test.")
}

// allowed reports whether path matches any allow-list glob. An empty
// allow-list refuses everything.
func allowed(path string, allow []string) bool {
	for _, g := range allow {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Scan runs the safety checks over a normalised diff: non-empty, at
// least one non-test file, every file inside the allow-list, no deny
// pattern anywhere in the diff text.
func Scan(raw string, files []*FileDiff, allow []string) error {
	if strings.TrimSpace(raw) == "" {
		return errdefs.NewPatchRejected(errdefs.StageSafety, "empty diff", nil)
	}
	if len(files) == 0 {
		return errdefs.NewPatchRejected(errdefs.StageSafety, "diff touches no files", nil)
	}

	testOnly := true
	for _, f := range files {
		if !allowed(f.Path, allow) {
			return errdefs.NewPatchRejected(errdefs.StageSafety,
				fmt.Sprintf("file %s outside the allow-list", f.Path), nil)
		}
		if !isTestFile(f.Path) {
			testOnly = false
		}
	}
	if testOnly {
		return errdefs.NewPatchRejected(errdefs.StageSafety, "diff touches only test files", nil)
	}

	for _, re := range denyPatterns {
		if loc := re.FindString(raw); loc != "" {
			return errdefs.NewPatchRejected(errdefs.StageSafety,
				fmt.Sprintf("deny pattern matched: %q", loc), nil)
		}
	}
	return nil
}
