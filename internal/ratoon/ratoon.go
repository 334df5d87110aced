// Package ratoon implements the bootloop watchdog: a persistent counter
// incremented at the start of every run and cleared once that run
// completes successfully. Crossing the configured threshold without an
// intervening clear means the last several boots never reached
// "successful", so ratoon rolls back to the newest Granary snapshot,
// or — failing that — disables every installed module as a last
// resort. Ported from the original implementation's
// core/granary.rs::engage_ratoon_protocol / disengage_ratoon_protocol.
package ratoon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkczc/meta-hybrid/internal/config"
	"github.com/pkczc/meta-hybrid/internal/granary"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// Paths bundles the on-disk locations the counter and its rescue
// notice live at, both rooted under the daemon's base directory.
type Paths struct {
	CounterFile  string
	RescueNotice string
}

// PathsFor derives ratoon's working paths from the daemon's base
// directory, mirroring the hard-coded layout of the original.
func PathsFor(baseDir string) Paths {
	return Paths{
		CounterFile:  filepath.Join(baseDir, "ratoon_counter"),
		RescueNotice: filepath.Join(baseDir, "rescue_notice"),
	}
}

// Outcome reports what, if anything, Engage did beyond bumping the
// counter.
type Outcome struct {
	Count          int
	Triggered      bool
	RestoredSiloID string
	ModulesDisabled bool
}

// Engage increments the boot counter, fsyncing it so the value
// survives a kernel panic immediately after, and — once the counter
// reaches cfg.RatoonThreshold — attempts recovery: restore the newest
// Granary silo, or disable every module in moduleDir if that restore
// fails (including when no silo exists). The counter is always cleared after a triggered recovery
// attempt, successful or not, to avoid looping forever on a bad
// restore.
func Engage(gp granary.Paths, rp Paths, moduleDir string, cfg config.Config) (Outcome, error) {
	count := readCounter(rp.CounterFile) + 1

	if err := writeCounterFsync(rp.CounterFile, count); err != nil {
		return Outcome{Count: count}, fmt.Errorf("ratoon: persisting boot counter: %w", err)
	}

	hylog.Infof("ratoon: boot counter at %d", count)

	threshold := cfg.RatoonThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if count < threshold {
		return Outcome{Count: count}, nil
	}

	hylog.Errorf("ratoon: bootloop detected (%d failed boots), executing emergency rollback", count)

	outcome := Outcome{Count: count, Triggered: true}

	siloID, err := granary.RestoreLatest(gp)
	if err != nil {
		hylog.Errorf("ratoon: rollback failed: %v, disabling all modules as last resort", err)
		if derr := disableAllModules(moduleDir); derr != nil {
			os.Remove(rp.CounterFile)
			return outcome, fmt.Errorf("ratoon: disabling all modules: %w", derr)
		}
		outcome.ModulesDisabled = true
		os.Remove(rp.CounterFile)
		return outcome, nil
	}

	hylog.Infof("ratoon: rollback successful, resetting counter")
	outcome.RestoredSiloID = siloID
	os.Remove(rp.CounterFile)

	notice := fmt.Sprintf("System recovered from bootloop by restoring snapshot: %s", siloID)
	if err := os.WriteFile(rp.RescueNotice, []byte(notice), 0o644); err != nil {
		hylog.Warningf("ratoon: failed to write rescue notice: %v", err)
	}

	return outcome, nil
}

// Disengage clears the boot counter once a run has completed
// successfully, so the next boot starts from zero.
func Disengage(rp Paths) {
	if _, err := os.Stat(rp.CounterFile); err != nil {
		return
	}
	if err := os.Remove(rp.CounterFile); err != nil {
		hylog.Warningf("ratoon: failed to reset boot counter: %v", err)
		return
	}
	hylog.Debugf("ratoon: boot counter reset, run completed successfully")
}

func readCounter(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// writeCounterFsync writes count as a bare decimal string and fsyncs
// the file before returning, so the counter survives a panic in the
// same boot that incremented it (original: "explicit file operations
// to ensure persistence against kernel panic").
func writeCounterFsync(path string, count int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(count)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}

func disableAllModules(moduleDir string) error {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", moduleDir, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		disablePath := filepath.Join(moduleDir, e.Name(), "disable")
		if _, err := os.Stat(disablePath); err == nil {
			continue
		}
		f, err := os.Create(disablePath)
		if err != nil {
			hylog.Warningf("ratoon: failed to disable module %s: %v", e.Name(), err)
			continue
		}
		f.Close()
	}
	return nil
}
