package magicmount

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

const replaceMarker = ".replace"

// builtinAttachPartitions lists the Phase B promotion candidates beyond
// "system" itself: name -> requireHostSymlink.
var builtinAttachPartitions = []struct {
	name             string
	requireHostSymlink bool
}{
	{"vendor", true},
	{"system_ext", true},
	{"product", true},
	{"odm", false},
}

// CollectModuleFiles walks each module's system/ subtree (Phase A),
// inserting nodes under a synthetic root, then promotes built-in and
// user-configured partitions out of "system" into top-level children
// (Phase B). Returns nil if no module contributed anything.
func CollectModuleFiles(contentPaths []string, extraPartitions []string) *Node {
	return CollectModuleFilesFiltered(contentPaths, extraPartitions, nil)
}

// CollectModuleFilesFiltered is CollectModuleFiles with an optional
// per-module partition skip set: skipByModule[contentPath] names
// partitions (the first path component under system/) that this
// module's contribution must not insert, because the executor already
// served that partition for this module via overlay or hymo before
// falling the rest of the module back to magic-mount (spec §4.5
// phase 4's success-map pre-filter).
func CollectModuleFilesFiltered(contentPaths []string, extraPartitions []string, skipByModule map[string]map[string]bool) *Node {
	system := NewRoot("system")
	any := false

	for _, contentPath := range contentPaths {
		moduleSystem := filepath.Join(contentPath, "system")
		if collectOneModule(system, moduleSystem, skipByModule[contentPath]) {
			any = true
		}
	}

	if !any {
		return nil
	}

	root := NewRoot("/")

	for _, part := range builtinAttachPartitions {
		attachPartition(root, system, part.name, part.requireHostSymlink)
	}
	for _, part := range extraPartitions {
		if part == "system" || isBuiltin(part) {
			continue
		}
		attachPartition(root, system, part, false)
	}

	root.Children["system"] = system
	return root
}

func isBuiltin(name string) bool {
	for _, p := range builtinAttachPartitions {
		if p.name == name {
			return true
		}
	}
	return false
}

// collectOneModule walks root's module-side "system" tree via
// filepath.WalkDir, inserting each encountered entry into system.
// skipPartitions, if non-empty, names top-level partition directories
// under moduleSystemDir whose subtree is pruned entirely (a partition
// this module already had served by overlay or hymo). Returns whether
// anything was found.
func collectOneModule(system *Node, moduleSystemDir string, skipPartitions map[string]bool) bool {
	info, err := os.Stat(moduleSystemDir)
	if err != nil || !info.IsDir() {
		return false
	}

	found := false
	filepath.WalkDir(moduleSystemDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == moduleSystemDir {
			return nil
		}
		rel, relErr := filepath.Rel(moduleSystemDir, path)
		if relErr != nil {
			return nil
		}
		if d.Name() == replaceMarker {
			return nil // marker itself is never inserted as a child
		}
		if len(skipPartitions) > 0 {
			relSlash := filepath.ToSlash(rel)
			top := relSlash
			if idx := strings.IndexByte(relSlash, '/'); idx >= 0 {
				top = relSlash[:idx]
			}
			if skipPartitions[top] {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		fi, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		addModuleFile(system, rel, path, fi)
		found = true
		return nil
	})
	return found
}

// addModuleFile walks rel's path components, creating/traversing
// intermediate Directory nodes, and at the final component sets
// module_path/file_type (last-wins on name collision across modules)
// unless the entry is a whiteout, in which case module_path is left
// unset and the node's type is set to Whiteout.
func addModuleFile(root *Node, rel, realPath string, fi os.FileInfo) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	cur := root
	for i, part := range parts {
		last := i == len(parts)-1
		if !last {
			cur = cur.child(part)
			continue
		}

		node := cur.child(part)
		isReplaceDir := fi.IsDir() && hasReplaceMarker(realPath)

		if IsWhiteout(fi) {
			node.FileType = Whiteout
		} else {
			node.ModulePath = realPath
			node.FileType = fileTypeOf(fi.Mode())
		}
		if isReplaceDir {
			node.Replace = true
		}
	}
}

func hasReplaceMarker(dir string) bool {
	_, err := os.Lstat(filepath.Join(dir, replaceMarker))
	return err == nil
}

// attachPartition implements Phase B for a single partition: if the
// host's /<part> is a directory (and, when required, /system/<part> is
// a symlink), move the corresponding child out of system and attach it
// as a top-level child of root, upgrading a Symlink node to Directory
// if its module-relative path actually resolves to a directory.
func attachPartition(root, system *Node, part string, requireHostSymlink bool) {
	hostPart := "/" + part
	info, err := os.Stat(hostPart)
	if err != nil || !info.IsDir() {
		return
	}
	if requireHostSymlink {
		linkInfo, lerr := os.Lstat("/system/" + part)
		if lerr != nil || linkInfo.Mode()&os.ModeSymlink == 0 {
			return
		}
	}

	child, ok := system.Children[part]
	if !ok {
		return
	}
	delete(system.Children, part)

	if child.FileType == Symlink && child.ModulePath != "" {
		if resolved, err := os.Stat(child.ModulePath); err == nil && resolved.IsDir() {
			child.FileType = Directory
			hylog.Debugf("magicmount: upgraded symlink node %s to directory (resolves to a real dir)", part)
		}
	}

	root.Children[part] = child
}
