package modules

import "testing"

func TestMergeUserDefaultWins(t *testing.T) {
	builtin := ModuleRules{DefaultMode: Overlay, Paths: map[string]MountMode{"vendor": Overlay}}
	override := ModuleRules{DefaultMode: Magic, Paths: map[string]MountMode{"vendor": Ignore}}

	merged := Merge(builtin, override)

	if merged.DefaultMode != Magic {
		t.Fatalf("expected user default to win, got %s", merged.DefaultMode)
	}
	if merged.Paths["vendor"] != Ignore {
		t.Fatalf("expected user path override to win, got %s", merged.Paths["vendor"])
	}
}

func TestMergeKeepsUnoverriddenPaths(t *testing.T) {
	builtin := ModuleRules{DefaultMode: Overlay, Paths: map[string]MountMode{"system": Overlay, "vendor": Overlay}}
	override := ModuleRules{Paths: map[string]MountMode{"vendor": Magic}}

	merged := Merge(builtin, override)

	if merged.Paths["system"] != Overlay {
		t.Fatalf("expected untouched in-module path to survive merge")
	}
	if merged.Paths["vendor"] != Magic {
		t.Fatalf("expected overridden path to take user value")
	}
}

func TestGetModeFallsBackToDefault(t *testing.T) {
	r := ModuleRules{DefaultMode: Overlay, Paths: map[string]MountMode{"vendor": Magic}}
	if r.GetMode("vendor") != Magic {
		t.Fatalf("expected path override")
	}
	if r.GetMode("system") != Overlay {
		t.Fatalf("expected default fallback")
	}
}

func TestParseModuleProp(t *testing.T) {
	p := ParseModuleProp([]byte("name=Foo\nversion=1.0\nauthor=bar\ndescription=hello world\n"))
	if p.Name != "Foo" || p.Version != "1.0" || p.Author != "bar" || p.Description != "hello world" {
		t.Fatalf("unexpected parse result: %+v", p)
	}
}

func TestValidID(t *testing.T) {
	cases := map[string]bool{
		"foo":        true,
		"foo_bar-1":  true,
		"1foo":       false,
		"":           false,
		"-foo":       false,
	}
	for id, want := range cases {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestValidPathModeExcludesHymo(t *testing.T) {
	if ValidPathMode(Hymo) {
		t.Fatalf("hymo must never be a valid per-path override")
	}
	if !ValidDefaultMode(Hymo) {
		t.Fatalf("hymo must be a valid module default")
	}
}
