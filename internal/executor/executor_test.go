package executor

import (
	"testing"

	"github.com/pkczc/meta-hybrid/internal/planner"
)

// These tests exercise the cascade's pure merge/dedup logic, which never
// touches a real mountpoint, so they are safe to run unprivileged. The
// privileged phases (overlay mount, hymo injection, magic-mount
// realisation) are exercised indirectly via the unit-tested packages
// they delegate to.

func TestMergeFallbacksPrependsIntoExistingOp(t *testing.T) {
	ops := []planner.OverlayOperation{
		{PartitionName: "vendor", Target: "/vendor", LowerDirs: []string{"/storage/m1/vendor"}},
	}
	fallbacks := []pendingFallback{
		{moduleID: "m2", partition: "vendor", source: "/storage/m2/vendor"},
	}
	overlayIDs := newIDSet()
	var magicQueue []string

	merged := mergeFallbacks(ops, fallbacks, overlayIDs, &magicQueue)

	if len(merged) != 1 {
		t.Fatalf("expected the fallback to merge into the existing op, got %d ops", len(merged))
	}
	if merged[0].LowerDirs[0] != "/storage/m2/vendor" {
		t.Fatalf("expected the fallback lowerdir prepended ahead of the original, got %v", merged[0].LowerDirs)
	}
	if len(magicQueue) != 0 {
		t.Fatalf("expected no magic fallthrough, got %v", magicQueue)
	}
	found := false
	for _, id := range overlayIDs.sorted() {
		if id == "m2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected m2 added to overlayIDs, got %v", overlayIDs.sorted())
	}
}

func TestMergeFallbacksRoutesToMagicWhenPartitionMissing(t *testing.T) {
	fallbacks := []pendingFallback{
		{moduleID: "m1", partition: "definitely_not_a_real_partition", source: "/storage/m1/odm"},
	}
	overlayIDs := newIDSet()
	var magicQueue []string

	merged := mergeFallbacks(nil, fallbacks, overlayIDs, &magicQueue)

	if len(merged) != 0 {
		t.Fatalf("expected no overlay op synthesised for a nonexistent partition, got %v", merged)
	}
	if len(magicQueue) != 1 || magicQueue[0] != "/storage/m1" {
		t.Fatalf("expected the module root routed to magic, got %v", magicQueue)
	}
	if len(overlayIDs.sorted()) != 0 {
		t.Fatalf("expected m1 not added to overlayIDs, got %v", overlayIDs.sorted())
	}
}

func TestDedupSortedRemovesDuplicatesAndSorts(t *testing.T) {
	out := dedupSorted([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

func TestIDSetAddRemoveSorted(t *testing.T) {
	s := newIDSet("b", "a")
	s.add("c")
	s.remove("a")

	got := s.sorted()
	want := []string{"b", "c"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRecordSuccessIgnoresEmptyKeys(t *testing.T) {
	successMap := map[string]map[string]bool{}
	recordSuccess(successMap, "", "vendor")
	recordSuccess(successMap, "/storage/m1", "")
	if len(successMap) != 0 {
		t.Fatalf("expected no entries recorded for empty moduleRoot/partition, got %v", successMap)
	}

	recordSuccess(successMap, "/storage/m1", "vendor")
	if !successMap["/storage/m1"]["vendor"] {
		t.Fatalf("expected vendor recorded for /storage/m1, got %v", successMap)
	}
}

func TestExecuteEmptyPlanReturnsEmptyResult(t *testing.T) {
	plan := &planner.MountPlan{}
	res, err := Execute(plan, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.OverlayModuleIDs) != 0 || len(res.HymoModuleIDs) != 0 || len(res.MagicModuleIDs) != 0 {
		t.Fatalf("expected an empty result for an empty plan, got %+v", res)
	}
}

func TestExecuteHymoUnavailableDropsHymoIDs(t *testing.T) {
	// Without the privileged collaborator present (the normal case under
	// test), every HymoOperation must fall back; since its target
	// partition never exists under the test sandbox, it lands in the
	// magic queue rather than a synthesised overlay op, and phase 4 then
	// runs against a module root with no "system" subtree and no-ops.
	plan := &planner.MountPlan{
		HymoOps: []planner.HymoOperation{
			{ModuleID: "m1", Source: t.TempDir(), Target: "/definitely_not_a_real_partition"},
		},
		HymoModuleIDs: []string{"m1"},
	}

	res, err := Execute(plan, Options{RunDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.HymoModuleIDs) != 0 {
		t.Fatalf("expected m1 removed from HymoModuleIDs after fallback, got %v", res.HymoModuleIDs)
	}
}
