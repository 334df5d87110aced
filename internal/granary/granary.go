// Package granary implements the immutable configuration/state snapshot
// store the daemon consults for recovery: a Silo bundles a timestamped
// copy of config.toml, state.json, and the effective Config at the
// moment it was taken. Ported from the original implementation's
// core/granary.rs onto this repo's config package and go-toml/jsonparser
// stack.
package granary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/pkczc/meta-hybrid/internal/config"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// ErrSiloNotFound is returned by DeleteSilo/RestoreSilo for an id with
// no matching snapshot on disk.
var ErrSiloNotFound = errors.New("granary: silo not found")

// Silo is one immutable configuration/state snapshot.
type Silo struct {
	ID             string       `json:"id"`
	Timestamp      int64        `json:"timestamp"`
	Label          string       `json:"label"`
	Reason         string       `json:"reason"`
	ConfigSnapshot config.Config `json:"config_snapshot"`
	RawConfig      *string      `json:"raw_config,omitempty"`
	RawState       *string      `json:"raw_state,omitempty"`
}

// Paths bundles the on-disk locations a Granary instance reads and
// writes, all rooted under the daemon's base directory.
type Paths struct {
	GranaryDir string
	ConfigPath string
	StatePath  string
}

// PathsFor derives the granary's working paths from the daemon's base
// directory the way the original implementation hard-coded them under
// /data/adb/meta-hybrid/.
func PathsFor(baseDir string) Paths {
	return Paths{
		GranaryDir: filepath.Join(baseDir, "granary"),
		ConfigPath: filepath.Join(baseDir, "config.toml"),
		StatePath:  filepath.Join(baseDir, "state.json"),
	}
}

// now is overridden in tests so Silo timestamps are deterministic.
var now = func() int64 { return time.Now().Unix() }

// CreateSilo snapshots the current config.toml and state.json alongside
// cfg itself, writes it under paths.GranaryDir, prunes according to
// cfg's retention settings, and returns the new silo's id.
func CreateSilo(paths Paths, cfg config.Config, label, reason string) (string, error) {
	if err := os.MkdirAll(paths.GranaryDir, 0o755); err != nil {
		hylog.Warningf("granary: failed to create granary dir: %v", err)
	}

	ts := now()
	id := fmt.Sprintf("silo_%d_%s", ts, uuid.NewString()[:8])

	silo := Silo{
		ID:             id,
		Timestamp:      ts,
		Label:          label,
		Reason:         reason,
		ConfigSnapshot: cfg,
		RawConfig:      readOptional(paths.ConfigPath),
		RawState:       readOptional(paths.StatePath),
	}

	data, err := json.MarshalIndent(silo, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "granary: encoding silo")
	}

	filePath := filepath.Join(paths.GranaryDir, id+".json")
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", errors.Wrap(err, "granary: writing silo")
	}

	if err := PruneSilos(paths, cfg); err != nil {
		hylog.Warningf("granary: failed to prune granary: %v", err)
	}

	return id, nil
}

func readOptional(path string) *string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// ListSilos returns every snapshot under paths.GranaryDir, newest first.
// Each candidate file is sniffed with jsonparser for a timestamp field
// before the full decode, so one corrupt snapshot logs a precise
// warning and is skipped instead of aborting the whole listing.
func ListSilos(paths Paths) ([]Silo, error) {
	entries, err := os.ReadDir(paths.GranaryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "granary: reading granary dir")
	}

	var silos []Silo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(paths.GranaryDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			hylog.Warningf("granary: could not read %s: %v", path, err)
			continue
		}

		if _, err := jsonparser.GetInt(data, "timestamp"); err != nil {
			hylog.Warningf("granary: %s does not look like a silo (missing timestamp), skipping: %v", path, err)
			continue
		}

		var silo Silo
		if err := json.Unmarshal(data, &silo); err != nil {
			hylog.Warningf("granary: %s is corrupt, skipping: %v", path, err)
			continue
		}
		silos = append(silos, silo)
	}

	sort.Slice(silos, func(i, j int) bool { return silos[i].Timestamp > silos[j].Timestamp })
	return silos, nil
}

// DeleteSilo removes the on-disk snapshot for id.
func DeleteSilo(paths Paths, id string) error {
	path := filepath.Join(paths.GranaryDir, id+".json")
	if _, err := os.Stat(path); err != nil {
		return ErrSiloNotFound
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "granary: deleting silo %s", id)
	}
	hylog.Infof("granary: deleted silo %s", id)
	return nil
}

// RestoreSilo overwrites config.toml and state.json from the named
// snapshot, preferring each field's raw captured bytes (preserving
// comments/formatting) and falling back to re-encoding the structured
// ConfigSnapshot when no raw copy was captured.
func RestoreSilo(paths Paths, id string) error {
	path := filepath.Join(paths.GranaryDir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrSiloNotFound
	}

	var silo Silo
	if err := json.Unmarshal(data, &silo); err != nil {
		return errors.Wrapf(err, "granary: decoding silo %s", id)
	}

	hylog.Infof("granary: restoring silo %s (%s)", silo.ID, silo.Label)

	if silo.RawConfig != nil {
		if err := os.WriteFile(paths.ConfigPath, []byte(*silo.RawConfig), 0o644); err != nil {
			return errors.Wrap(err, "granary: restoring raw config")
		}
	} else {
		hylog.Infof("granary: no raw config captured, re-encoding from snapshot")
		out, err := toml.Marshal(silo.ConfigSnapshot)
		if err != nil {
			return errors.Wrap(err, "granary: re-encoding config snapshot")
		}
		if err := os.WriteFile(paths.ConfigPath, out, 0o644); err != nil {
			return errors.Wrap(err, "granary: restoring re-encoded config")
		}
	}

	if silo.RawState != nil {
		if err := os.WriteFile(paths.StatePath, []byte(*silo.RawState), 0o644); err != nil {
			return errors.Wrap(err, "granary: restoring state")
		}
	} else {
		hylog.Warningf("granary: silo %s captured no state, leaving state.json untouched", id)
	}

	return nil
}

// RestoreLatest restores the newest silo and returns its id, for use
// by the Ratoon bootloop-recovery path.
func RestoreLatest(paths Paths) (string, error) {
	silos, err := ListSilos(paths)
	if err != nil {
		return "", err
	}
	if len(silos) == 0 {
		return "", errors.New("granary: no silos available")
	}
	latest := silos[0]
	if err := RestoreSilo(paths, latest.ID); err != nil {
		return "", err
	}
	return latest.ID, nil
}

// PruneSilos deletes everything beyond cfg.GranaryMaxBackups (by
// recency) and everything older than cfg.GranaryRetentionDays, always
// keeping at least the single newest silo regardless of its age.
func PruneSilos(paths Paths, cfg config.Config) error {
	silos, err := ListSilos(paths)
	if err != nil {
		return err
	}

	var expirationTS int64
	if cfg.GranaryRetentionDays > 0 {
		expirationTS = now() - int64(cfg.GranaryRetentionDays)*86400
	}

	deleted := 0
	for i, silo := range silos {
		shouldDelete := false
		if cfg.GranaryMaxBackups > 0 && i >= cfg.GranaryMaxBackups {
			shouldDelete = true
		}
		if cfg.GranaryRetentionDays > 0 && silo.Timestamp < expirationTS && i > 0 {
			shouldDelete = true
		}
		if !shouldDelete {
			continue
		}
		path := filepath.Join(paths.GranaryDir, silo.ID+".json")
		if err := os.Remove(path); err != nil {
			hylog.Warningf("granary: failed to delete old silo %s: %v", silo.ID, err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		hylog.Infof("granary: pruned %d old snapshot(s)", deleted)
	}
	return nil
}
