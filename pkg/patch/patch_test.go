package patch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/ledger"
)

type memArchive struct {
	mu      sync.Mutex
	entries map[string][2]string // hash -> {diff, parent}
}

func newMemArchive() *memArchive {
	return &memArchive{entries: make(map[string][2]string)}
}

func (m *memArchive) AddPatch(hash, diff, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[hash] = [2]string{diff, parent}
	return nil
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

const fooPy = "def add(a, b):\n    return a + b\n\ndef sub(a, b):\n    return a - b\n"

const fooDiff = `--- a/foo.py
+++ b/foo.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a + b
+    return a + b  # checked
`

func TestAdmitHappyPath(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	arch := newMemArchive()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "audit.ldg"), nil)
	require.NoError(t, err)
	defer led.Close()

	adm := NewAdmission(root, []string{"**.py"}, WithArchive(arch), WithLedger(led))
	hash, err := adm.Admit(context.Background(), fooDiff, "genesis")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	// The tree reflects the patch.
	got, err := os.ReadFile(filepath.Join(root, "foo.py"))
	require.NoError(t, err)
	assert.Contains(t, string(got), "# checked")

	// Exactly one archive entry, keyed by the normalised-diff hash.
	arch.mu.Lock()
	require.Len(t, arch.entries, 1)
	entry := arch.entries[hash]
	arch.mu.Unlock()
	assert.Equal(t, "genesis", entry[1])

	// Exactly one admitted event in the ledger.
	admitted := 0
	for _, e := range led.Entries() {
		var body struct {
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(e.Body, &body))
		if body.Payload["event"] == "patch.admitted" {
			admitted++
			assert.Equal(t, hash, body.Payload["hash"])
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestAdmitRejectsOutboundURL(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	arch := newMemArchive()
	adm := NewAdmission(root, []string{"**.py"}, WithArchive(arch))

	diff := `--- a/foo.py
+++ b/foo.py
@@ -1,2 +1,3 @@
 def add(a, b):
+    fetch("https://example.com")
     return a + b
`
	_, err := adm.Admit(context.Background(), diff, "genesis")
	pe, ok := errdefs.IsPatchRejected(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.StageSafety, pe.Stage)

	// Nothing changed.
	got, rerr := os.ReadFile(filepath.Join(root, "foo.py"))
	require.NoError(t, rerr)
	assert.Equal(t, fooPy, string(got))
	assert.Empty(t, arch.entries)
}

func TestAdmitSafetyRejections(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"foo.py":       fooPy,
		"test_foo.py":  "def test_add():\n    pass\n",
		"notes/log.md": "notes\n",
	})
	adm := NewAdmission(root, []string{"**.py"})

	tests := []struct {
		name   string
		diff   string
		detail string
	}{
		{"empty", "   \n", "empty diff"},
		{
			"outside allow-list",
			"--- a/notes/log.md\n+++ b/notes/log.md\n@@ -1 +1 @@\n-notes\n+more notes\n",
			"allow-list",
		},
		{
			"test-only",
			"--- a/test_foo.py\n+++ b/test_foo.py\n@@ -1,2 +1,2 @@\n def test_add():\n-    pass\n+    assert True\n",
			"only test files",
		},
		{
			"destructive removal",
			"--- a/foo.py\n+++ b/foo.py\n@@ -1,2 +1,3 @@\n def add(a, b):\n+    os.system('rm -rf /tmp/x')\n     return a + b\n",
			"deny pattern",
		},
		{
			"socket use",
			"--- a/foo.py\n+++ b/foo.py\n@@ -1,2 +1,3 @@\n def add(a, b):\n+    socket.create_connection(addr)\n     return a + b\n",
			"deny pattern",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adm.Admit(context.Background(), tt.diff, "p")
			pe, ok := errdefs.IsPatchRejected(err)
			require.True(t, ok)
			assert.Equal(t, errdefs.StageSafety, pe.Stage)
			assert.Contains(t, pe.Detail, tt.detail)
		})
	}
}

func TestAdmitPreflightFailure(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	adm := NewAdmission(root, []string{"**.py"},
		WithPreflight([][]string{{"sh", "-c", "echo broken >&2; exit 1"}}))

	_, err := adm.Admit(context.Background(), fooDiff, "p")
	pe, ok := errdefs.IsPatchRejected(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.StagePreflight, pe.Stage)
	assert.Contains(t, pe.Detail, "broken")

	got, rerr := os.ReadFile(filepath.Join(root, "foo.py"))
	require.NoError(t, rerr)
	assert.Equal(t, fooPy, string(got), "failed preflight must not touch the tree")
}

func TestAdmitPreflightTimeout(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	adm := NewAdmission(root, []string{"**.py"},
		WithPreflight([][]string{{"sleep", "10"}}),
		WithPreflightTimeout(100*time.Millisecond))

	_, err := adm.Admit(context.Background(), fooDiff, "p")
	pe, ok := errdefs.IsPatchRejected(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.StagePreflight, pe.Stage)
	assert.ErrorIs(t, err, errdefs.ErrPreflightTimeout)
}

func TestAdmitPreflightRunsInClone(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	adm := NewAdmission(root, []string{"**.py"},
		WithPreflight([][]string{{"sh", "-c", "grep -q checked foo.py"}}))

	// The preflight command sees the patched clone even though the real
	// tree is still clean at that point.
	_, err := adm.Admit(context.Background(), fooDiff, "p")
	require.NoError(t, err)
}

func TestNormalizeIdempotent(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})

	once, err := Normalize(fooDiff, root)
	require.NoError(t, err)
	twice, err := Normalize(once, root)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.True(t, strings.HasSuffix(once, "\n"))
}

func TestNormalizeInfersHunkRange(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})

	bare := `--- a/foo.py
+++ b/foo.py
@@ @@
 def sub(a, b):
-    return a - b
+    return a - b  # noted
`
	got, err := Normalize(bare, root)
	require.NoError(t, err)
	// "def sub" is line 4 of foo.py.
	assert.Contains(t, got, "@@ -4,2 +4,2 @@")

	// Context that exists nowhere anchors at line 1.
	missing := `--- a/foo.py
+++ b/foo.py
@@ @@
 def mul(a, b):
-    return a * b
+    return a * b  # noted
`
	got, err = Normalize(missing, root)
	require.NoError(t, err)
	assert.Contains(t, got, "@@ -1,2 +1,2 @@")
}

func TestParseStopsAtTrailingNewline(t *testing.T) {
	files, err := Parse(fooDiff)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Len(t, files[0].Hunks, 1)
	// Three body lines; the final newline is not a phantom context line.
	assert.Len(t, files[0].Hunks[0].Lines, 3)

	// An interior blank line is still stripped context.
	blank := "--- a/foo.py\n+++ b/foo.py\n@@ -1,3 +1,3 @@\n def add(a, b):\n\n-x\n+y\n"
	files, err = Parse(blank)
	require.NoError(t, err)
	assert.Equal(t, []string{" def add(a, b):", " ", "-x", "+y"}, files[0].Hunks[0].Lines)
}

func TestNormalizeKeepsExplicitRanges(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})

	// Distinct old and new starts survive normalisation untouched.
	shifted := `--- a/foo.py
+++ b/foo.py
@@ -4,2 +6,3 @@
 def sub(a, b):
-    return a - b
+    return a - b  # noted
+    # extra
`
	got, err := Normalize(shifted, root)
	require.NoError(t, err)
	assert.Contains(t, got, "@@ -4,2 +6,3 @@")
	assert.Equal(t, shifted, got)
}

func TestParseEmitRoundTrip(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	normalized, err := Normalize(fooDiff, root)
	require.NoError(t, err)

	files, err := Parse(normalized)
	require.NoError(t, err)
	assert.Equal(t, normalized, Emit(files))
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("+++ b/foo.py\n@@ -1 +1 @@\n")
	assert.Error(t, err)
	_, err = Parse("--- a/foo.py\n+++ b/foo.py\n@@ -x +y @@\n")
	assert.Error(t, err)
}

func TestApplyCreatesFile(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	diff := `--- /dev/null
+++ b/util.py
@@ -1,0 +1,2 @@
+def mul(a, b):
+    return a * b
`
	files, err := Parse(diff)
	require.NoError(t, err)
	results, err := computeResults(root, files)
	require.NoError(t, err)
	assert.Equal(t, "def mul(a, b):\n    return a * b\n", results["util.py"])
}

func TestApplyUnmatchedHunk(t *testing.T) {
	root := writeRepo(t, map[string]string{"foo.py": fooPy})
	diff := `--- a/foo.py
+++ b/foo.py
@@ -1,2 +1,2 @@
 def div(a, b):
-    return a / b
+    return a // b
`
	files, err := Parse(diff)
	require.NoError(t, err)
	_, err = computeResults(root, files)
	pe, ok := errdefs.IsPatchRejected(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.StageApply, pe.Stage)
}

func TestWriteResultsRollsBack(t *testing.T) {
	root := writeRepo(t, map[string]string{"a.py": "a\n", "b.md": "b\n"})

	// b.md fails the apply-time allow-list; a.py, if written first, must
	// be restored.
	err := writeResults(root, map[string]string{
		"a.py": "patched\n",
		"b.md": "patched\n",
	}, []string{"**.py"})
	pe, ok := errdefs.IsPatchRejected(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.StageApply, pe.Stage)

	got, rerr := os.ReadFile(filepath.Join(root, "a.py"))
	require.NoError(t, rerr)
	assert.Equal(t, "a\n", string(got))
}

func TestIsTestFile(t *testing.T) {
	assert.True(t, isTestFile("test_foo.py"))
	assert.True(t, isTestFile("pkg/tests/helper.py"))
	assert.True(t, isTestFile("foo_test.go"))
	assert.False(t, isTestFile("foo.py"))
	assert.False(t, isTestFile("contest.py"))
}
