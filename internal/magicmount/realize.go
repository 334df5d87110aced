package magicmount

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/pkczc/meta-hybrid/internal/driverfd"
	"github.com/pkczc/meta-hybrid/internal/overlaydrv"
	"github.com/pkczc/meta-hybrid/internal/security"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// MountPartitions is the public entry point: collects module files,
// bootstraps a private tmpfs working root, realises the tree over the
// live filesystem, then unconditionally detaches and removes the
// scratch tmpfs.
func MountPartitions(tmpPath string, contentPaths, extraPartitions []string) error {
	return MountPartitionsFiltered(tmpPath, contentPaths, extraPartitions, nil)
}

// MountPartitionsFiltered is MountPartitions with the executor's
// per-module success-map pre-filter applied during collection (spec
// §4.5 phase 4): partitions already served for a module by overlay or
// hymo are excluded from that module's magic-mount contribution.
func MountPartitionsFiltered(tmpPath string, contentPaths, extraPartitions []string, skipByModule map[string]map[string]bool) error {
	root := CollectModuleFilesFiltered(contentPaths, extraPartitions, skipByModule)
	if root == nil {
		hylog.Infof("magicmount: no module files to compose, nothing to do")
		return nil
	}

	workDir := filepath.Join(tmpPath, "workdir")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating magic-mount scratch dir: %w", err)
	}

	source := "meta-hybrid-" + uuid.NewString()[:8]
	if err := unix.Mount(source, workDir, "tmpfs", 0, "mode=0755"); err != nil {
		return fmt.Errorf("mounting bootstrap tmpfs at %s: %w", workDir, err)
	}
	if err := unix.Mount("", workDir, "", unix.MS_PRIVATE, ""); err != nil {
		hylog.Warningf("magicmount: could not make bootstrap tmpfs private: %v", err)
	}

	err := doMagicMount("/", workDir, root, false)

	if uerr := unix.Unmount(workDir, unix.MNT_DETACH); uerr != nil {
		hylog.Warningf("magicmount: failed to detach bootstrap tmpfs: %v", uerr)
	}
	os.RemoveAll(workDir)

	return err
}

// doMagicMount is the recursive Phase C procedure. hostPath is the live
// filesystem path being composed, workPath is the corresponding path
// under the (possibly not-yet-created) tmpfs scratch layer, and
// hasTmpfs indicates whether an enclosing tmpfs has already been
// synthesised for an ancestor directory.
func doMagicMount(hostPath, workPath string, node *Node, hasTmpfs bool) error {
	switch node.FileType {
	case RegularFile:
		return realizeFile(hostPath, workPath, node, hasTmpfs)
	case Symlink:
		return cloneSymlink(node.ModulePath, workPath)
	case Whiteout:
		return nil
	case Directory:
		return realizeDirectory(hostPath, workPath, node, hasTmpfs)
	default:
		return fmt.Errorf("magicmount: unknown node type %v at %s", node.FileType, hostPath)
	}
}

func realizeFile(hostPath, workPath string, node *Node, hasTmpfs bool) error {
	target := hostPath
	if hasTmpfs {
		target = workPath
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("creating placeholder for %s: %w", target, err)
		}
		f.Close()
	}

	if err := overlaydrv.BindMount(node.ModulePath, target); err != nil {
		return fmt.Errorf("binding module file onto %s: %w", target, err)
	}

	// best-effort remount read-only; a file that can't be remounted
	// read-only is still usably bound, so this is never fatal.
	if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		hylog.Debugf("magicmount: could not remount %s read-only: %v", target, err)
	}
	return nil
}

func cloneSymlink(modulePath, dest string) error {
	target, err := os.Readlink(modulePath)
	if err != nil {
		return fmt.Errorf("reading module symlink %s: %w", modulePath, err)
	}
	os.Remove(dest)
	if err := os.Symlink(target, dest); err != nil {
		return fmt.Errorf("creating symlink at %s: %w", dest, err)
	}
	security.Repair(dest, modulePath, filepath.Dir(modulePath))
	return nil
}

func realizeDirectory(hostPath, workPath string, node *Node, hasTmpfs bool) error {
	hostInfo, hostErr := os.Lstat(hostPath)
	hostExists := hostErr == nil

	createTmpfs := false
	if !hasTmpfs {
		if node.Replace && node.ModulePath != "" {
			createTmpfs = true
		} else {
			createTmpfs = needsTmpfsForChildren(node, hostPath, hostExists)
		}
	}

	effectiveHasTmpfs := hasTmpfs || createTmpfs
	workPathForNode := hostPath
	if effectiveHasTmpfs {
		workPathForNode = workPath
	}

	if createTmpfs {
		if err := os.MkdirAll(workPath, 0o755); err != nil {
			return fmt.Errorf("creating tmpfs work dir %s: %w", workPath, err)
		}
		copyDirMetadata(workPath, hostPath, hostExists, node.ModulePath)
		if err := overlaydrv.BindMount(workPath, workPath); err != nil {
			return fmt.Errorf("self-binding new tmpfs dir %s: %w", workPath, err)
		}
	}

	if hostExists && hostInfo.IsDir() && !node.Replace {
		entries, err := os.ReadDir(hostPath)
		if err != nil {
			return fmt.Errorf("reading host dir %s: %w", hostPath, err)
		}
		for _, e := range entries {
			name := e.Name()
			childHost := filepath.Join(hostPath, name)
			childWork := filepath.Join(workPathForNode, name)

			if child, ok := node.Children[name]; ok {
				if child.Skip {
					continue
				}
				if err := doMagicMount(childHost, childWork, child, effectiveHasTmpfs); err != nil {
					hylog.Errorf("magicmount: %v", err)
				}
				continue
			}
			if effectiveHasTmpfs {
				if err := mountMirror(childHost, childWork); err != nil {
					hylog.Warningf("magicmount: mirroring %s: %v", childHost, err)
				}
			}
		}
	}

	for _, name := range node.sortedChildNames() {
		child := node.Children[name]
		if hostExists && !node.Replace {
			if _, already := dirEntryExists(hostPath, name); already {
				continue // handled by the host-entries loop above
			}
		}
		if child.Skip {
			continue
		}
		childHost := filepath.Join(hostPath, name)
		childWork := filepath.Join(workPathForNode, name)
		if err := doMagicMount(childHost, childWork, child, effectiveHasTmpfs); err != nil {
			hylog.Errorf("magicmount: %v", err)
		}
	}

	if createTmpfs {
		if err := unix.Mount("", workPath, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			hylog.Debugf("magicmount: could not remount %s read-only: %v", workPath, err)
		}
		if err := unix.Mount(workPath, hostPath, "", unix.MS_MOVE, ""); err != nil {
			return fmt.Errorf("moving synthesised tmpfs onto %s: %w", hostPath, err)
		}
		if err := unix.Mount("", hostPath, "", unix.MS_PRIVATE, ""); err != nil {
			hylog.Debugf("magicmount: could not make %s private: %v", hostPath, err)
		}
		driverfd.EnqueueUnmount(hostPath)
	}

	return nil
}

func dirEntryExists(dir, name string) (os.FileInfo, bool) {
	info, err := os.Lstat(filepath.Join(dir, name))
	if err != nil {
		return nil, false
	}
	return info, true
}

// needsTmpfsForChildren inspects each child: a tmpfs is required iff any
// child is a Symlink, a Whiteout whose host path exists, or a
// non-Symlink whose host file type differs from the node's declared
// file type. If such a child is found but node has no module_path to
// copy metadata from, the child is marked Skip instead and no tmpfs is
// requested for it.
func needsTmpfsForChildren(node *Node, hostPath string, hostExists bool) bool {
	need := false
	for _, name := range node.sortedChildNames() {
		child := node.Children[name]
		childNeeds := childNeedsTmpfs(child, filepath.Join(hostPath, name))
		if !childNeeds {
			continue
		}
		if node.ModulePath == "" {
			child.Skip = true
			hylog.Errorf("magicmount: %s requires a tmpfs synthesis but parent has no module source, skipping", filepath.Join(hostPath, name))
			continue
		}
		need = true
	}
	return need
}

func childNeedsTmpfs(child *Node, childHostPath string) bool {
	if child.FileType == Symlink {
		return true
	}
	hostInfo, err := os.Lstat(childHostPath)
	hostExists := err == nil

	if child.FileType == Whiteout {
		return hostExists
	}

	if !hostExists {
		return false
	}
	hostType := fileTypeOf(hostInfo.Mode())
	if hostType == Symlink {
		return true
	}
	return hostType != child.FileType
}

func copyDirMetadata(workPath, hostPath string, hostExists bool, modulePath string) {
	var mode os.FileMode = 0o755
	var uid, gid int
	var labelSrc, labelParent string

	if hostExists {
		if info, err := os.Stat(hostPath); err == nil {
			mode = info.Mode().Perm()
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				uid, gid = int(st.Uid), int(st.Gid)
			}
		}
		labelSrc = hostPath
	} else if modulePath != "" {
		if info, err := os.Stat(modulePath); err == nil {
			mode = info.Mode().Perm()
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				uid, gid = int(st.Uid), int(st.Gid)
			}
		}
		labelSrc = modulePath
	}

	os.Chmod(workPath, mode)
	os.Chown(workPath, uid, gid)
	security.Repair(workPath, labelSrc, labelParent)
}

// mountMirror recursively replicates a host entry that has no
// corresponding module Node into the tmpfs scratch layer: regular
// files get a placeholder then a bind mount, directories are created
// with matching metadata and walked, symlinks are cloned verbatim.
func mountMirror(hostPath, workPath string) error {
	info, err := os.Lstat(hostPath)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(hostPath)
		if err != nil {
			return err
		}
		if err := os.Symlink(target, workPath); err != nil {
			return err
		}
		security.Repair(workPath, hostPath, filepath.Dir(hostPath))
		return nil

	case info.IsDir():
		if err := os.MkdirAll(workPath, info.Mode().Perm()); err != nil {
			return err
		}
		copyDirMetadata(workPath, hostPath, true, "")
		entries, err := os.ReadDir(hostPath)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := mountMirror(filepath.Join(hostPath, e.Name()), filepath.Join(workPath, e.Name())); err != nil {
				hylog.Warningf("magicmount: mirroring %s: %v", filepath.Join(hostPath, e.Name()), err)
			}
		}
		return nil

	default:
		f, err := os.OpenFile(workPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.Close()
		return overlaydrv.BindMount(hostPath, workPath)
	}
}
