package patch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/alphafactory/hive/pkg/errdefs"
)

// Normalize rewrites a unified diff into the canonical admissible form:
// a/ and b/ prefixes stripped, every hunk carrying an explicit range,
// and a trailing newline. Ranges missing from the input are inferred by
// locating the hunk's first context or removal line in the target file
// under root; when the file or the line cannot be found the hunk
// anchors at line 1. Normalize is deterministic and idempotent.
func Normalize(diff, root string) (string, error) {
	files, err := Parse(diff)
	if err != nil {
		return "", errdefs.NewPatchRejected(errdefs.StageNormalize, err.Error(), err)
	}
	for _, f := range files {
		var target []string
		loaded := false
		for _, h := range f.Hunks {
			// Explicit ranges pass through untouched.
			if h.HasRange {
				continue
			}
			h.OldCount, h.NewCount = h.counts()
			if !loaded {
				target = readLines(filepath.Join(root, f.Path))
				loaded = true
			}
			h.Start = searchStart(target, h.oldLines())
			h.NewStart = h.Start
			h.HasRange = true
		}
	}
	return Emit(files), nil
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

// searchStart finds the 1-based position of needle in target, falling
// back to line 1.
func searchStart(target, needle []string) int {
	if len(needle) == 0 || len(target) == 0 {
		return 1
	}
outer:
	for i := 0; i+len(needle) <= len(target); i++ {
		for j := range needle {
			if target[i+j] != needle[j] {
				continue outer
			}
		}
		return i + 1
	}
	return 1
}
