// Package executor implements the four-phase orchestration spec §4.5
// describes: direct injection (hymo), fallback merging, overlay
// execution, and magic-mount composition, each phase absorbing the
// previous phase's failures rather than aborting the run. Ported from
// the original implementation's core/executor.rs, restructured onto
// this repo's overlaydrv/hymo/magicmount packages.
package executor

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pkczc/meta-hybrid/internal/driverfd"
	"github.com/pkczc/meta-hybrid/internal/hymo"
	"github.com/pkczc/meta-hybrid/internal/magicmount"
	"github.com/pkczc/meta-hybrid/internal/overlaydrv"
	"github.com/pkczc/meta-hybrid/internal/planner"
	"github.com/pkczc/meta-hybrid/internal/storage"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// Result is the outcome of a full execution pass: the module ids that
// ended up actually served by each strategy, after every fallback has
// resolved. Execute does not make the three sets disjoint: an id the
// plan already lists under more than one strategy (e.g. a module with a
// per-path magic rule beside overlay partitions) stays in each of them.
type Result struct {
	OverlayModuleIDs []string
	HymoModuleIDs    []string
	MagicModuleIDs   []string
}

// Options configures a single Execute call.
type Options struct {
	DisableUmount   bool
	RunDir          string // fallback tempdir for magic-mount's bootstrap tmpfs
	ExtraPartitions []string
}

// pendingFallback is one hymo or overlay failure queued for the next
// cascade stage; it carries only what the next strategy needs (spec
// design notes: "each fallback carries the minimum information the
// next strategy needs").
type pendingFallback struct {
	moduleID  string
	partition string
	source    string
}

// Execute runs all four phases over plan and returns the final id sets.
// Every per-module, per-op, per-phase failure is logged and absorbed;
// Execute itself only returns an error for a genuine orchestration
// failure (spec §7's Fatal kind), which in practice means none of the
// degradation paths below — they all swallow their own errors.
func Execute(plan *planner.MountPlan, opts Options) (Result, error) {
	runID := uuid.NewString()[:8]
	hylog.Infof("executor[%s]: starting (%d overlay, %d hymo, %d magic module ids planned)",
		runID, len(plan.OverlayModuleIDs), len(plan.HymoModuleIDs), len(plan.MagicModuleIDs))

	overlayIDs := newIDSet(plan.OverlayModuleIDs...)
	hymoIDs := newIDSet(plan.HymoModuleIDs...)
	magicIDs := newIDSet(plan.MagicModuleIDs...)

	magicQueue := append([]string(nil), plan.MagicModulePaths...)
	// successMap tracks, per magic-module root, which partitions were
	// already served by hymo/overlay before that module fell back —
	// consumed by Phase 4's pre-filter.
	successMap := map[string]map[string]bool{}

	fallbacks := runHymoPhase(plan, hymoIDs, successMap)

	overlayOps := mergeFallbacks(plan.OverlayOps, fallbacks, overlayIDs, &magicQueue)

	runOverlayPhase(overlayOps, opts.DisableUmount, overlayIDs, &magicQueue, successMap)

	magicQueue = dedupSorted(magicQueue)
	finalMagicIDs := runMagicPhase(magicQueue, opts, successMap)

	for _, id := range finalMagicIDs {
		magicIDs.add(id)
	}

	hylog.Infof("executor[%s]: finished", runID)
	return Result{
		OverlayModuleIDs: overlayIDs.sorted(),
		HymoModuleIDs:    hymoIDs.sorted(),
		MagicModuleIDs:   magicIDs.sorted(),
	}, nil
}

// runHymoPhase is Phase 1: inject every HymoOperation directly, or
// queue it for fallback when the kernel feature is unavailable or an
// individual injection fails.
func runHymoPhase(plan *planner.MountPlan, hymoIDs *idSet, successMap map[string]map[string]bool) []pendingFallback {
	if len(plan.HymoOps) == 0 {
		return nil
	}

	var fallbacks []pendingFallback

	if !hymo.Available() {
		hylog.Warningf("executor: hymo requested but kernel support is missing, falling back for %d ops", len(plan.HymoOps))
		for _, op := range plan.HymoOps {
			hymoIDs.remove(op.ModuleID)
			fallbacks = append(fallbacks, pendingFallback{
				moduleID:  op.ModuleID,
				partition: partitionName(op.Target),
				source:    op.Source,
			})
		}
		return fallbacks
	}

	hylog.Infof("executor: phase 1 - hymo direct injection (%d ops)", len(plan.HymoOps))
	if err := hymo.Clear(); err != nil {
		hylog.Warningf("executor: failed to reset hymo rules: %v", err)
	}

	for _, op := range plan.HymoOps {
		if err := hymo.Inject(op.Source, op.Target); err != nil {
			hylog.Errorf("executor: hymo injection failed for %s: %v, queueing for overlay fallback", op.ModuleID, err)
			hymoIDs.remove(op.ModuleID)
			fallbacks = append(fallbacks, pendingFallback{
				moduleID:  op.ModuleID,
				partition: partitionName(op.Target),
				source:    op.Source,
			})
			continue
		}
		recordSuccess(successMap, moduleRootOf(op.Source), partitionName(op.Target))
	}

	return fallbacks
}

// mergeFallbacks is Phase 2: merge each pending fallback into an
// existing overlay op (prepended, preserving precedence order), a
// freshly synthesised op for a partition that still exists, or the
// magic queue when the partition has no live mountpoint at all.
func mergeFallbacks(ops []planner.OverlayOperation, fallbacks []pendingFallback, overlayIDs *idSet, magicQueue *[]string) []planner.OverlayOperation {
	if len(fallbacks) == 0 {
		return ops
	}

	hylog.Infof("executor: phase 2 - merging %d fallback(s) into the overlay plan", len(fallbacks))
	merged := append([]planner.OverlayOperation(nil), ops...)

	for _, fb := range fallbacks {
		idx := indexOfPartition(merged, fb.partition)
		switch {
		case idx >= 0:
			merged[idx].LowerDirs = append([]string{fb.source}, merged[idx].LowerDirs...)
		default:
			target := "/" + fb.partition
			if dirExists(target) {
				merged = append(merged, planner.OverlayOperation{
					PartitionName: fb.partition,
					Target:        target,
					LowerDirs:     []string{fb.source},
				})
			} else {
				hylog.Warningf("executor: cannot fallback module %s for nonexistent partition %s, routing to magic", fb.moduleID, fb.partition)
				*magicQueue = append(*magicQueue, moduleRootOf(fb.source))
				continue
			}
		}
		overlayIDs.add(fb.moduleID)
	}

	return merged
}

// runOverlayPhase is Phase 3: mount every overlay op in parallel. A
// failing op routes every one of its lower-dirs' module roots to the
// magic queue and removes their ids from overlayIDs.
func runOverlayPhase(ops []planner.OverlayOperation, disableUmount bool, overlayIDs *idSet, magicQueue *[]string, successMap map[string]map[string]bool) {
	if len(ops) == 0 {
		return
	}
	hylog.Infof("executor: phase 3 - overlay execution (%d ops)", len(ops))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, op := range ops {
		op := op
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := overlaydrv.MountOverlay(op.Target, op.LowerDirs, "", "", disableUmount)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				hylog.Warningf("executor: overlay failed for %s: %v, routing lower-dirs to magic", op.Target, err)
				for _, lower := range op.LowerDirs {
					id := filepath.Base(filepath.Dir(lower))
					overlayIDs.remove(id)
					*magicQueue = append(*magicQueue, moduleRootOf(lower))
				}
				return
			}

			for _, lower := range op.LowerDirs {
				recordSuccess(successMap, moduleRootOf(lower), op.PartitionName)
			}
			driverfd.EnqueueUnmount(op.Target)
		}()
	}

	wg.Wait()
}

// runMagicPhase is Phase 4: realise whatever remains in magicQueue via
// the tree-merge algorithm, pre-filtering each module's contribution by
// the partitions already served in successMap. A critical failure here
// clears the id list but never aborts the run (spec §4.5 phase 4).
func runMagicPhase(magicQueue []string, opts Options, successMap map[string]map[string]bool) []string {
	if len(magicQueue) == 0 {
		return nil
	}
	hylog.Infof("executor: phase 4 - magic mount (%d module roots)", len(magicQueue))

	tempDir, err := storage.SelectTempDir(opts.RunDir)
	if err != nil {
		hylog.Errorf("executor: magic mount could not select a tempdir: %v", err)
		return nil
	}

	skipByModule := make(map[string]map[string]bool, len(magicQueue))
	for _, root := range magicQueue {
		if served, ok := successMap[root]; ok && len(served) > 0 {
			set := make(map[string]bool, len(served))
			for part, ok := range served {
				if ok {
					set[part] = true
				}
			}
			skipByModule[root] = set
		}
	}

	ids := make([]string, 0, len(magicQueue))
	for _, root := range magicQueue {
		ids = append(ids, filepath.Base(root))
	}

	if err := magicmount.MountPartitionsFiltered(tempDir, magicQueue, opts.ExtraPartitions, skipByModule); err != nil {
		hylog.Errorf("executor: magic mount critical failure: %v", errors.Wrap(err, "phase 4"))
		return nil
	}

	sort.Strings(ids)
	return ids
}

func recordSuccess(successMap map[string]map[string]bool, moduleRoot, partition string) {
	if moduleRoot == "" || partition == "" {
		return
	}
	set, ok := successMap[moduleRoot]
	if !ok {
		set = map[string]bool{}
		successMap[moduleRoot] = set
	}
	set[partition] = true
}

func moduleRootOf(partitionDirOrSource string) string {
	return filepath.Dir(partitionDirOrSource)
}

func partitionName(target string) string {
	return filepath.Base(target)
}

func indexOfPartition(ops []planner.OverlayOperation, partition string) int {
	for i, op := range ops {
		if op.PartitionName == partition {
			return i
		}
	}
	return -1
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func dedupSorted(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// idSet accumulates module ids, supporting both addition (fallback
// merges) and removal (a module losing its place in a strategy's id
// set after a later phase's failure).
type idSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newIDSet(initial ...string) *idSet {
	s := &idSet{ids: map[string]struct{}{}}
	for _, id := range initial {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *idSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *idSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *idSet) sorted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
