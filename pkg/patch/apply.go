package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alphafactory/hive/pkg/errdefs"
)

// computeResults materialises the post-patch content of every touched
// file without writing anything. Hunks are matched needle-style: the
// context plus removal lines are searched from the declared start, then
// from the top of the file; an unmatched hunk fails the whole patch.
func computeResults(root string, files []*FileDiff) (map[string]string, error) {
	out := make(map[string]string, len(files))
	for _, f := range files {
		path := filepath.Join(root, f.Path)
		var lines []string
		if f.IsCreate() {
			lines = []string{}
		} else {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errdefs.NewPatchRejected(errdefs.StageApply,
					fmt.Sprintf("target %s unreadable: %v", f.Path, err), err)
			}
			lines = splitKeepingEmpty(string(data))
		}

		for i, h := range f.Hunks {
			var err error
			lines, err = applyHunk(lines, h)
			if err != nil {
				return nil, errdefs.NewPatchRejected(errdefs.StageApply,
					fmt.Sprintf("%s hunk %d: %v", f.Path, i+1, err), err)
			}
		}
		out[f.Path] = joinWithNewline(lines)
	}
	return out, nil
}

func splitKeepingEmpty(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func joinWithNewline(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func applyHunk(lines []string, h *Hunk) ([]string, error) {
	needle := h.oldLines()
	repl := h.newLines()

	if len(needle) == 0 {
		// Pure insertion: splice at the declared start.
		at := h.Start - 1
		if at < 0 || at > len(lines) {
			at = len(lines)
		}
		out := make([]string, 0, len(lines)+len(repl))
		out = append(out, lines[:at]...)
		out = append(out, repl...)
		out = append(out, lines[at:]...)
		return out, nil
	}

	at := matchAt(lines, needle, h.Start-1)
	if at < 0 {
		return nil, fmt.Errorf("context not found near line %d", h.Start)
	}
	out := make([]string, 0, len(lines)-len(needle)+len(repl))
	out = append(out, lines[:at]...)
	out = append(out, repl...)
	out = append(out, lines[at+len(needle):]...)
	return out, nil
}

// matchAt prefers the declared position, then falls back to the first
// occurrence anywhere in the file.
func matchAt(lines, needle []string, hint int) int {
	if hint >= 0 && matches(lines, needle, hint) {
		return hint
	}
	for i := 0; i+len(needle) <= len(lines); i++ {
		if matches(lines, needle, i) {
			return i
		}
	}
	return -1
}

func matches(lines, needle []string, at int) bool {
	if at+len(needle) > len(lines) {
		return false
	}
	for j := range needle {
		if lines[at+j] != needle[j] {
			return false
		}
	}
	return true
}

// writeResults commits computed file contents atomically per file, with
// rollback of every already-written file on any error. The allow-list
// is re-checked here as a second line of defence.
func writeResults(root string, results map[string]string, allow []string) error {
	type undo struct {
		path    string
		content []byte
		existed bool
	}
	var undos []undo

	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			u := undos[i]
			if u.existed {
				os.WriteFile(u.path, u.content, 0o644)
			} else {
				os.Remove(u.path)
			}
		}
	}

	for rel, content := range results {
		if !allowed(rel, allow) {
			rollback()
			return errdefs.NewPatchRejected(errdefs.StageApply,
				fmt.Sprintf("file %s outside the allow-list at apply time", rel), nil)
		}
		path := filepath.Join(root, rel)
		prev, err := os.ReadFile(path)
		existed := err == nil
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			rollback()
			return errdefs.NewPatchRejected(errdefs.StageApply, err.Error(), err)
		}

		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
			rollback()
			return errdefs.NewPatchRejected(errdefs.StageApply, err.Error(), err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			rollback()
			return errdefs.NewPatchRejected(errdefs.StageApply, err.Error(), err)
		}
		undos = append(undos, undo{path: path, content: prev, existed: existed})
	}
	return nil
}
