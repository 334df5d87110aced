package magicmount

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCollectModuleFilesLastWinsOnCollision(t *testing.T) {
	base := t.TempDir()
	modA := filepath.Join(base, "modA")
	modB := filepath.Join(base, "modB")
	writeFile(t, filepath.Join(modA, "system", "app", "Foo.apk"), "from-a")
	writeFile(t, filepath.Join(modB, "system", "app", "Foo.apk"), "from-b")

	root := CollectModuleFiles([]string{modA, modB}, nil)
	if root == nil {
		t.Fatal("expected non-nil root")
	}
	system := root.Children["system"]
	if system == nil {
		t.Fatal("expected system subtree")
	}
	app := system.Children["app"]
	if app == nil {
		t.Fatal("expected app dir")
	}
	foo := app.Children["Foo.apk"]
	if foo == nil {
		t.Fatal("expected Foo.apk node")
	}
	if foo.ModulePath != filepath.Join(modB, "system", "app", "Foo.apk") {
		t.Fatalf("expected last module (modB) to win, got %s", foo.ModulePath)
	}
}

func TestCollectModuleFilesReplaceMarker(t *testing.T) {
	base := t.TempDir()
	mod := filepath.Join(base, "mod")
	writeFile(t, filepath.Join(mod, "system", "app", "Foo.apk"), "x")
	writeFile(t, filepath.Join(mod, "system", "app", replaceMarker), "")

	root := CollectModuleFiles([]string{mod}, nil)
	app := root.Children["system"].Children["app"]
	if app == nil {
		t.Fatal("expected app dir")
	}
	if !app.Replace {
		t.Fatalf("expected app dir to carry Replace=true")
	}
	if _, ok := app.Children[replaceMarker]; ok {
		t.Fatalf("marker file itself should never be inserted as a child")
	}
}

func TestCollectModuleFilesNoModulesReturnsNil(t *testing.T) {
	base := t.TempDir()
	mod := filepath.Join(base, "empty-mod")
	os.MkdirAll(mod, 0o755)

	if root := CollectModuleFiles([]string{mod}, nil); root != nil {
		t.Fatalf("expected nil root for a module contributing nothing, got %v", root)
	}
}

func TestIsWhiteoutRejectsRegularFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "f")
	writeFile(t, f, "x")
	fi, err := os.Lstat(f)
	if err != nil {
		t.Fatal(err)
	}
	if IsWhiteout(fi) {
		t.Fatalf("a regular file must never be classified as a whiteout")
	}
}

func TestNodeRenderIncludesFlags(t *testing.T) {
	root := NewRoot("/")
	child := root.child("app")
	child.Replace = true
	child.ModulePath = "/data/adb/modules/m/system/app"

	out := root.String()
	if !contains(out, "[REPLACE]") {
		t.Fatalf("expected rendered tree to show [REPLACE], got:\n%s", out)
	}
	if !contains(out, child.ModulePath) {
		t.Fatalf("expected rendered tree to show module path, got:\n%s", out)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

// The skip=true invariant: a child that requires tmpfs synthesis (a
// symlink, a whiteout over an existing host entry, or a type mismatch
// against the host) is marked Skip precisely when its parent node has
// no module_path to source synthesis metadata from.

func TestNeedsTmpfsForChildrenSkipsWhenNoModulePath(t *testing.T) {
	hostDir := t.TempDir()
	// host has a plain file where the module wants a directory: type mismatch
	hostChild := filepath.Join(hostDir, "conflict")
	writeFile(t, hostChild, "host-content")

	parent := &Node{Name: "parent", FileType: Directory, Children: map[string]*Node{}}
	// parent.ModulePath left empty: synthesis source is unavailable
	mismatched := parent.child("conflict")
	mismatched.FileType = Directory
	mismatched.ModulePath = "/some/module/conflict"

	need := needsTmpfsForChildren(parent, hostDir, true)
	if need {
		t.Fatalf("expected no tmpfs request when parent has no module_path")
	}
	if !mismatched.Skip {
		t.Fatalf("expected the mismatched child to be marked Skip")
	}
}

func TestNeedsTmpfsForChildrenRequestsTmpfsWhenModulePathPresent(t *testing.T) {
	hostDir := t.TempDir()
	hostChild := filepath.Join(hostDir, "conflict")
	writeFile(t, hostChild, "host-content")

	parent := &Node{Name: "parent", FileType: Directory, ModulePath: "/some/module/parent", Children: map[string]*Node{}}
	mismatched := parent.child("conflict")
	mismatched.FileType = Directory
	mismatched.ModulePath = "/some/module/conflict"

	need := needsTmpfsForChildren(parent, hostDir, true)
	if !need {
		t.Fatalf("expected tmpfs to be requested when parent has a module_path")
	}
	if mismatched.Skip {
		t.Fatalf("child should not be skipped when tmpfs synthesis is possible")
	}
}

func TestChildNeedsTmpfsForSymlink(t *testing.T) {
	hostDir := t.TempDir()
	child := &Node{Name: "lib", FileType: Symlink}
	if !childNeedsTmpfs(child, filepath.Join(hostDir, "lib")) {
		t.Fatalf("a symlink node always requires tmpfs synthesis")
	}
}

func TestChildNeedsTmpfsForWhiteoutOnlyWhenHostExists(t *testing.T) {
	hostDir := t.TempDir()
	child := &Node{Name: "gone", FileType: Whiteout}
	if childNeedsTmpfs(child, filepath.Join(hostDir, "gone")) {
		t.Fatalf("a whiteout over a nonexistent host entry needs no tmpfs")
	}
	writeFile(t, filepath.Join(hostDir, "gone"), "still-here")
	if !childNeedsTmpfs(child, filepath.Join(hostDir, "gone")) {
		t.Fatalf("a whiteout over an existing host entry requires tmpfs")
	}
}
