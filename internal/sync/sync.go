// Package sync mirrors each active module's content into the
// daemon-controlled workspace, so the planner and executor operate on a
// stable tree the core fully owns. Magic-mode modules are exempt —
// magic-mount composes directly from the module's source directory.
package sync

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sys/unix"

	"github.com/pkczc/meta-hybrid/internal/modules"
	"github.com/pkczc/meta-hybrid/internal/security"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// keptDirNames are never pruned from the workspace even if they aren't
// an active module id.
var keptDirNames = map[string]struct{}{
	"lost+found":  {},
	"meta-hybrid": {},
}

// Sync prunes orphaned workspace entries, then mirrors every non-Magic
// active module into targetBase/<id>. Per-module failures are logged
// and do not abort the sync of other modules. Equivalent to
// SyncWithProgress(mods, targetBase, nil) — the daemon's unattended
// runs never want a terminal progress bar.
func Sync(mods []modules.Module, targetBase string) error {
	return SyncWithProgress(mods, targetBase, nil)
}

// SyncWithProgress is Sync with an optional mpb.Progress to report
// per-module completion against, for interactive invocations from a
// terminal (mirrors the teacher's push.go progress-callback pattern,
// scaled to a per-module rather than a per-byte bar since module sizes
// aren't known up front). progress may be nil.
func SyncWithProgress(mods []modules.Module, targetBase string, progress *mpb.Progress) error {
	if err := os.MkdirAll(targetBase, 0o755); err != nil {
		return err
	}

	active := make(map[string]struct{}, len(mods))
	for _, m := range mods {
		active[m.ID] = struct{}{}
	}
	pruneOrphans(targetBase, active)

	var bar *mpb.Bar
	if progress != nil {
		bar = progress.AddBar(int64(len(mods)),
			mpb.PrependDecorators(decor.Name("sync")),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)
	}

	for _, m := range mods {
		if m.Rules.DefaultMode == modules.Magic {
			if bar != nil {
				bar.Increment()
			}
			continue
		}
		if err := syncModule(m, targetBase); err != nil {
			hylog.Errorf("sync: module %s failed: %v", m.ID, err)
		}
		if bar != nil {
			bar.Increment()
		}
	}
	return nil
}

func pruneOrphans(targetBase string, active map[string]struct{}) {
	entries, err := os.ReadDir(targetBase)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if _, kept := keptDirNames[name]; kept {
			continue
		}
		if _, isActive := active[name]; isActive {
			continue
		}
		path := filepath.Join(targetBase, name)
		if err := os.RemoveAll(path); err != nil {
			hylog.Warningf("sync: failed to prune orphan %s: %v", path, err)
		}
	}
}

func syncModule(m modules.Module, targetBase string) error {
	if !hasAnyPartitionContent(m.SourcePath) {
		return nil
	}

	dst, err := securejoin.SecureJoin(targetBase, m.ID)
	if err != nil {
		return err
	}

	if !shouldSync(m.SourcePath, dst) {
		return nil
	}

	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := copyTree(m.SourcePath, dst); err != nil {
		return err
	}
	repairContexts(dst, dst)
	return nil
}

func hasAnyPartitionContent(moduleDir string) bool {
	for _, part := range modules.BuiltinPartitions {
		entries, err := os.ReadDir(filepath.Join(moduleDir, part))
		if err == nil && len(entries) > 0 {
			return true
		}
	}
	return false
}

// shouldSync re-syncs when the destination is missing, or when the
// byte content of module.prop differs between source and destination —
// per DESIGN.md open-question 1, byte content (not mtime) is authoritative.
func shouldSync(src, dst string) bool {
	if _, err := os.Stat(dst); err != nil {
		return true
	}
	srcProp, srcErr := os.ReadFile(filepath.Join(src, "module.prop"))
	dstProp, dstErr := os.ReadFile(filepath.Join(dst, "module.prop"))
	if srcErr != nil || dstErr != nil {
		return true
	}
	return string(srcProp) != string(dstProp)
}

func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)

	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				hylog.Warningf("sync: copying %s: %v", filepath.Join(src, e.Name()), err)
			}
		}
		return nil

	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

// copyFile attempts a reflink clone (FICLONE) and falls back to a byte
// copy when the filesystem doesn't support it (EOPNOTSUPP/EXDEV/EINVAL)
// or the source and destination aren't on the same filesystem.
func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	ficloneErr := unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
	if ficloneErr == nil {
		return nil
	}
	if !errors.Is(ficloneErr, unix.EOPNOTSUPP) && !errors.Is(ficloneErr, unix.EXDEV) && !errors.Is(ficloneErr, unix.EINVAL) {
		hylog.Debugf("sync: reflink %s failed, falling back to byte copy: %v", dst, ficloneErr)
	}

	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := out.Truncate(0); err != nil {
		return err
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}

// repairContexts walks dst applying the security-label policy: copy the
// host label if a corresponding host path exists, else inherit from the
// host parent, else assign the default label. moduleRoot is dst's own
// root within the walk, used to re-derive each path's real system
// location by stripping the workspace prefix and re-joining onto "/" —
// mirrors the original's recursive_context_repair computing
// system_path = Path::new("/").join(relative).
func repairContexts(dst, moduleRoot string) {
	filepath.Walk(dst, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		hostPath := systemPathFor(path, moduleRoot)
		security.Repair(path, hostPath, filepath.Dir(hostPath))
		return nil
	})
}

// systemPathFor re-roots a workspace-copy path onto "/", the way
// recursive_context_repair derives the real system partition path a
// synced file corresponds to.
func systemPathFor(path, moduleRoot string) string {
	rel := strings.TrimPrefix(path, moduleRoot)
	return filepath.Join("/", rel)
}
