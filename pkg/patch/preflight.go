package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/log"
)

// outputTailBytes bounds the stderr/stdout tail carried in rejections.
const outputTailBytes = 2048

// Preflight applies the parsed diff to a throwaway copy of the repo and
// runs the configured command set there. Any non-zero exit or a blown
// wall clock rejects the patch; the real tree is never touched.
func Preflight(ctx context.Context, root string, files []*FileDiff, cmds [][]string, timeout time.Duration) error {
	scratch, err := os.MkdirTemp("", "hive-preflight-*")
	if err != nil {
		return errdefs.NewPatchRejected(errdefs.StagePreflight, err.Error(), err)
	}
	defer os.RemoveAll(scratch)

	if err := copyTree(root, scratch); err != nil {
		return errdefs.NewPatchRejected(errdefs.StagePreflight,
			fmt.Sprintf("clone failed: %v", err), err)
	}

	results, err := computeResults(scratch, files)
	if err != nil {
		return err
	}
	for rel, content := range results {
		path := filepath.Join(scratch, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errdefs.NewPatchRejected(errdefs.StagePreflight, err.Error(), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return errdefs.NewPatchRejected(errdefs.StagePreflight, err.Error(), err)
		}
	}

	deadline := time.Now().Add(timeout)
	for _, argv := range cmds {
		if len(argv) == 0 {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errdefs.NewPatchRejected(errdefs.StagePreflight,
				"wall clock exhausted", errdefs.ErrPreflightTimeout)
		}
		if err := runChecked(ctx, scratch, argv, remaining); err != nil {
			return err
		}
	}
	return nil
}

// runChecked runs one preflight command in the scratch dir with a
// restricted environment. On timeout the whole process group is killed.
func runChecked(ctx context.Context, dir string, argv []string, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = restrictedEnv(dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid: signal the whole group so preflight children
		// cannot outlive the timeout.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		log.WithComponent("patch").Warn().Strs("cmd", argv).Msg("preflight timed out, process group killed")
		return errdefs.NewPatchRejected(errdefs.StagePreflight,
			fmt.Sprintf("%v timed out", argv), errdefs.ErrPreflightTimeout)
	}
	return errdefs.NewPatchRejected(errdefs.StagePreflight,
		fmt.Sprintf("%v: %v: %s", argv, err, tail(out)), err)
}

// restrictedEnv keeps only PATH, points HOME at the scratch dir and
// strips proxy variables so preflight cannot reach out.
func restrictedEnv(dir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"NO_PROXY=*",
	}
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > outputTailBytes {
		s = s[len(s)-outputTailBytes:]
	}
	return s
}

// copyTree clones src into dst, skipping VCS metadata and anything that
// is not a regular file or directory.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(filepath.Join(dst, rel))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
