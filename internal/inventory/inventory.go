// Package inventory implements the module-discovery scan: enumerate
// module source directories, filter out reserved/disabled entries, and
// resolve each module's effective ModuleRules by merging the in-module
// hybrid_rules.json with any user override under rules/<id>.json.
package inventory

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/pkczc/meta-hybrid/internal/modules"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

var markerFiles = []string{"disable", "remove", "skip_mount"}

// Scan enumerates sourceDir's direct subdirectories and returns the
// active modules, sorted descending by id. Per-module rule-loading
// errors are logged and degraded to default rules; they never abort
// the scan, and no single module's failure affects another's.
func Scan(sourceDir, rulesOverrideDir string) ([]modules.Module, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, err
	}

	type slot struct {
		idx int
		mod *modules.Module
	}

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan int)
	results := make(chan slot, len(entries))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				entry := entries[i]
				mod := loadCandidate(sourceDir, rulesOverrideDir, entry)
				results <- slot{idx: i, mod: mod}
			}
		}()
	}

	go func() {
		for i := range entries {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []modules.Module
	for r := range results {
		if r.mod != nil {
			out = append(out, *r.mod)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func loadCandidate(sourceDir, rulesOverrideDir string, entry os.DirEntry) *modules.Module {
	if !entry.IsDir() {
		return nil
	}
	name := entry.Name()
	if modules.IsReservedName(name) || !modules.ValidID(name) {
		return nil
	}

	modDir, err := securejoin.SecureJoin(sourceDir, name)
	if err != nil {
		hylog.Warningf("inventory: rejecting module dir %s: %v", name, err)
		return nil
	}

	for _, marker := range markerFiles {
		if fileExists(filepath.Join(modDir, marker)) {
			return nil
		}
	}

	rules := loadRules(modDir, rulesOverrideDir, name)
	prop := loadModuleProp(modDir)

	return &modules.Module{ID: name, SourcePath: modDir, Rules: rules, Prop: prop}
}

func loadRules(modDir, rulesOverrideDir, id string) modules.ModuleRules {
	builtin := modules.DefaultRules()
	if data, err := os.ReadFile(filepath.Join(modDir, "hybrid_rules.json")); err == nil {
		if parsed, perr := modules.ParseRules(data); perr == nil {
			builtin = parsed
		} else {
			hylog.Warningf("inventory: %s/hybrid_rules.json is corrupt, using defaults: %v", id, perr)
		}
	}

	override := modules.ModuleRules{}
	if rulesOverrideDir != "" {
		overridePath, err := securejoin.SecureJoin(rulesOverrideDir, id+".json")
		if err == nil {
			if data, err := os.ReadFile(overridePath); err == nil {
				if parsed, perr := modules.ParseRules(data); perr == nil {
					override = parsed
				} else {
					hylog.Warningf("inventory: rule override for %s is corrupt, ignoring: %v", id, perr)
				}
			}
		}
	}

	return modules.Merge(builtin, override)
}

func loadModuleProp(modDir string) modules.ModuleProp {
	data, err := os.ReadFile(filepath.Join(modDir, "module.prop"))
	if err != nil {
		return modules.ModuleProp{}
	}
	return modules.ParseModuleProp(data)
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
