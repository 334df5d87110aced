// Package modules holds the core data model: Module, ModuleRules,
// MountMode, and RuntimeState (data model section of the spec this
// module implements). The only filesystem access here is state.json and
// module.prop I/O in state_io.go; scanning lives in internal/inventory.
package modules

import (
	"bufio"
	"regexp"
	"strings"
)

// MountMode is the mount strategy assigned to a module, or to one of its
// partition subdirectories via a per-path override.
type MountMode string

const (
	Overlay MountMode = "overlay"
	Magic   MountMode = "magic"
	Hymo    MountMode = "hymo"
	Ignore  MountMode = "ignore"
)

// ValidDefaultMode reports whether m is a legal whole-module default
// (all four modes).
func ValidDefaultMode(m MountMode) bool {
	switch m {
	case Overlay, Magic, Hymo, Ignore:
		return true
	default:
		return false
	}
}

// ValidPathMode reports whether m is a legal per-path override. Hymo's
// direct-injection mechanism operates over an entire module's content as
// a unit, so it is never a valid per-path override — see DESIGN.md open
// question 2.
func ValidPathMode(m MountMode) bool {
	switch m {
	case Overlay, Magic, Ignore:
		return true
	default:
		return false
	}
}

// BuiltinPartitions is the set of partition names considered by default,
// independent of any user-configured extras.
var BuiltinPartitions = []string{"system", "vendor", "product", "system_ext", "odm", "oem", "apex"}

// reservedNames are module ids the inventory scan never treats as modules.
var reservedNames = map[string]struct{}{
	"meta-hybrid": {},
	"lost+found":  {},
	".git":        {},
	".idea":       {},
	".vscode":     {},
}

// IsReservedName reports whether name is excluded from being treated as a module id.
func IsReservedName(name string) bool {
	_, ok := reservedNames[name]
	return ok
}

var idPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]+$`)

// ValidID reports whether id is a legal module identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ModuleRules is a mapping from partition (or relative sub-path) name to
// MountMode, plus the module's own default mode. Paths is keyed first by
// top-level partition name, then by the relative path under it, joined
// with "/" — e.g. "vendor" or "system/app". The planner looks up only
// top-level partition-name keys; deeper keys are stored but not used
// in routing.
type ModuleRules struct {
	DefaultMode MountMode            `json:"default_mode"`
	Paths       map[string]MountMode `json:"paths"`
}

// GetMode resolves the effective mode for a relative path under the
// module (e.g. "vendor" or "system/app/Foo.apk"), falling back to the
// module's default mode when no specific override matches.
func (r ModuleRules) GetMode(relativePath string) MountMode {
	if r.Paths != nil {
		if mode, ok := r.Paths[relativePath]; ok {
			return mode
		}
	}
	return r.DefaultMode
}

// Merge overlays an in-module rules file with a user override: the
// user's DefaultMode fully replaces the in-module default; the user's
// Paths extend/overwrite the in-module Paths on key collision.
func Merge(builtin, override ModuleRules) ModuleRules {
	merged := ModuleRules{
		DefaultMode: builtin.DefaultMode,
		Paths:       map[string]MountMode{},
	}
	for k, v := range builtin.Paths {
		merged.Paths[k] = v
	}
	if override.DefaultMode != "" {
		merged.DefaultMode = override.DefaultMode
	}
	for k, v := range override.Paths {
		merged.Paths[k] = v
	}
	return merged
}

// DefaultRules is used when no hybrid_rules.json is present or it fails to parse.
func DefaultRules() ModuleRules {
	return ModuleRules{DefaultMode: Overlay, Paths: map[string]MountMode{}}
}

// Module is one discovered module directory.
type Module struct {
	ID         string
	SourcePath string
	Rules      ModuleRules
	Prop       ModuleProp
}

// ModuleProp holds the cosmetic key=value fields of a module.prop file.
type ModuleProp struct {
	Name        string
	Version     string
	Author      string
	Description string
}

// ParseModuleProp parses a module.prop's key=value lines. Unrecognised
// keys are ignored; this is cosmetic metadata only, never authoritative
// for mount behavior.
func ParseModuleProp(data []byte) ModuleProp {
	var p ModuleProp
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch k {
		case "name":
			p.Name = v
		case "version":
			p.Version = v
		case "author":
			p.Author = v
		case "description":
			p.Description = v
		}
	}
	return p
}

// Bytes renders a ModuleProp back into module.prop text, writing the
// four recognised keys in a fixed order; any other keys are not kept.
func (p ModuleProp) Bytes() []byte {
	var b strings.Builder
	b.WriteString("name=" + p.Name + "\n")
	b.WriteString("version=" + p.Version + "\n")
	b.WriteString("author=" + p.Author + "\n")
	b.WriteString("description=" + p.Description + "\n")
	return []byte(b.String())
}

// RuntimeState is persisted at the end of a successful run (state.json).
type RuntimeState struct {
	StorageMode      string   `json:"storage_mode"`
	StorageMountPoint string  `json:"storage_mount_point"`
	OverlayModuleIDs []string `json:"overlay_module_ids"`
	MagicModuleIDs   []string `json:"magic_module_ids"`
	HymoModuleIDs    []string `json:"hymo_module_ids"`
	NukeActive       bool     `json:"nuke_active"`
}
