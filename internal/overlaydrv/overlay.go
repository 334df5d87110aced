// Package overlaydrv implements the overlay driver: stacking overlayfs
// over a live partition, preferring the modern fsopen/fsconfig/fsmount
// mount API and falling back to the legacy string-data mount() syscall,
// plus enumeration and per-child handling of existing sub-mountpoints
// within the target. Ported function-for-function from the original
// implementation's mount/overlay.rs (rustix) to golang.org/x/sys/unix.
package overlaydrv

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// mountSource is the cosmetic string shown in /proc/mounts, matching
// the original's OVERLAY_SOURCE constant.
const mountSource = "meta-hybrid"

// MountOverlayfs composes lowerDirs (plus lowest, typically ".") into a
// single lowerdir string and mounts an overlayfs at dest, optionally
// with upperdir/workdir for read-write composition. It tries the
// modern mount API first and falls back to the legacy mount() call on
// any failure.
func MountOverlayfs(lowerDirs []string, lowest, upperdir, workdir, dest string) error {
	all := append(append([]string(nil), lowerDirs...), lowest)
	lowerOpt := strings.Join(all, ":")

	if err := mountOverlayModern(lowerOpt, upperdir, workdir, dest); err == nil {
		return nil
	} else {
		hylog.Debugf("overlaydrv: modern mount API failed for %s, falling back to legacy mount(): %v", dest, err)
	}

	return mountOverlayLegacy(lowerOpt, upperdir, workdir, dest)
}

func mountOverlayModern(lowerOpt, upperdir, workdir, dest string) error {
	fsfd, err := unix.Fsopen("overlay", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("fsopen: %w", err)
	}
	defer unix.Close(fsfd)

	if err := unix.FsconfigSetString(fsfd, "source", mountSource); err != nil {
		return fmt.Errorf("fsconfig source: %w", err)
	}
	if err := unix.FsconfigSetString(fsfd, "lowerdir", lowerOpt); err != nil {
		return fmt.Errorf("fsconfig lowerdir: %w", err)
	}
	if upperdir != "" {
		if err := unix.FsconfigSetString(fsfd, "upperdir", upperdir); err != nil {
			return fmt.Errorf("fsconfig upperdir: %w", err)
		}
	}
	if workdir != "" {
		if err := unix.FsconfigSetString(fsfd, "workdir", workdir); err != nil {
			return fmt.Errorf("fsconfig workdir: %w", err)
		}
	}
	if err := unix.FsconfigCreate(fsfd); err != nil {
		return fmt.Errorf("fsconfig create: %w", err)
	}

	mountfd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("fsmount: %w", err)
	}
	defer unix.Close(mountfd)

	if err := unix.MoveMount(mountfd, "", unix.AT_FDCWD, dest, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return fmt.Errorf("move_mount: %w", err)
	}
	return nil
}

func mountOverlayLegacy(lowerOpt, upperdir, workdir, dest string) error {
	opts := "lowerdir=" + lowerOpt
	if upperdir != "" {
		opts += ",upperdir=" + upperdir
	}
	if workdir != "" {
		opts += ",workdir=" + workdir
	}
	if err := unix.Mount(mountSource, dest, "overlay", 0, opts); err != nil {
		return fmt.Errorf("legacy overlay mount on %s: %w", dest, err)
	}
	return nil
}

// BindMount recursively bind-mounts from onto to using open_tree+move_mount.
func BindMount(from, to string) error {
	treeFd, err := unix.OpenTree(unix.AT_FDCWD, from, unix.OPEN_TREE_CLOEXEC|unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE)
	if err != nil {
		return fmt.Errorf("open_tree %s: %w", from, err)
	}
	defer unix.Close(treeFd)

	if err := unix.MoveMount(treeFd, "", unix.AT_FDCWD, to, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return fmt.Errorf("move_mount %s -> %s: %w", from, to, err)
	}
	return nil
}

// MountOverlayChild handles one existing sub-mountpoint within an
// already-mounted overlay target. If no lower contains the relative
// path, the host's stock subtree is bound back over it. If a lower has
// a non-directory at that path, the child is silently skipped (abort
// this child, do not mount) — matching the original's early-return
// semantics.
func MountOverlayChild(mountPoint, relative string, lowerRoots []string, stockRoot string) error {
	if info, err := os.Stat(stockRoot); err != nil || !info.IsDir() {
		return nil
	}

	var lowerDirs []string
	anyLowerHasPath := false
	for _, root := range lowerRoots {
		candidate := joinPath(root, relative)
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		anyLowerHasPath = true
		if !info.IsDir() {
			// a non-directory collision aborts this child entirely
			return nil
		}
		lowerDirs = append(lowerDirs, candidate)
	}

	if !anyLowerHasPath {
		return BindMount(stockRoot, mountPoint)
	}
	if len(lowerDirs) == 0 {
		return nil
	}

	return MountOverlayfs(lowerDirs, ".", "", "", mountPoint)
}

// MountOverlay mounts the root overlay at target, then walks the
// process's own mount table for pre-existing sub-mountpoints beneath
// target and re-composes each one. On any child failure, unless
// disableUmount is set, the parent overlay is unmounted before the
// error is returned — matching §4.4 step 5.
func MountOverlay(target string, lowerRoots []string, workdir, upperdir string, disableUmount bool) error {
	if err := os.Chdir(target); err != nil {
		return fmt.Errorf("chdir %s: %w", target, err)
	}

	if err := MountOverlayfs(lowerRoots, ".", upperdir, workdir, target); err != nil {
		return fmt.Errorf("mounting root overlay at %s: %w", target, err)
	}

	childMounts, err := childMountpointsUnder(target)
	if err != nil {
		hylog.Warningf("overlaydrv: could not enumerate child mountpoints of %s: %v", target, err)
		return nil
	}

	for _, mp := range childMounts {
		relative := strings.TrimPrefix(strings.TrimPrefix(mp, target), "/")
		stockRoot := joinPath(target, relative)

		if _, err := os.Stat(stockRoot); err != nil {
			continue
		}

		if err := MountOverlayChild(mp, relative, lowerRoots, stockRoot); err != nil {
			if !disableUmount {
				unix.Unmount(target, unix.MNT_DETACH)
			}
			return fmt.Errorf("overlay child %s: %w", mp, err)
		}
	}

	return nil
}

// childMountpointsUnder reads /proc/self/mountinfo and returns the
// sorted, deduplicated set of mountpoints strictly beneath target.
func childMountpointsUnder(target string) ([]string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prefix := strings.TrimSuffix(target, "/") + "/"
	seen := map[string]struct{}{}
	var out []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mountPoint := fields[4]
		if !strings.HasPrefix(mountPoint, prefix) {
			continue
		}
		if _, ok := seen[mountPoint]; ok {
			continue
		}
		seen[mountPoint] = struct{}{}
		out = append(out, mountPoint)
	}
	sort.Strings(out)
	return out, scanner.Err()
}

func joinPath(root, relative string) string {
	if relative == "" {
		return root
	}
	return strings.TrimSuffix(root, "/") + "/" + relative
}
