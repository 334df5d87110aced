// Package hymo implements the highest-priority strategy in the
// hymo->overlay->magic cascade (spec §4.5 phase 1): direct injection of
// a module's partition subtree into the live partition without a full
// overlay stack. The actual kernel-resident splice mechanism is a
// host-controlled collaborator named only at spec §1's external-
// interfaces boundary, so this package is deliberately thin: it gates
// on the privileged driver described in internal/driverfd and realises
// the splice via the same recursive-bind primitive the overlay driver
// uses for its own bind operations, since that is the nearest concrete
// syscall-level meaning of "makes a source directory appear inside a
// target directory without a full overlay" (glossary, "Hymo").
package hymo

import (
	"fmt"

	"github.com/pkczc/meta-hybrid/internal/driverfd"
	"github.com/pkczc/meta-hybrid/internal/overlaydrv"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// Available reports whether the kernel feature direct injection depends
// on can be reached at all. A false return means every queued
// HymoOperation must fall back to overlay/magic immediately (spec
// §4.5 phase 1, "if the feature is unavailable entirely").
func Available() bool {
	_, err := driverfd.Acquire()
	return err == nil
}

// Clear is called before a fresh Phase 1 pass begins. It only reports
// whether the collaborator is reachable; injections are plain bind
// mounts with no rule table, so nothing left over from a previous run
// is reset. A failure here is logged by the caller and does not block
// Phase 1 from proceeding per module.
func Clear() error {
	if !Available() {
		return driverfd.ErrUnavailable
	}
	return nil
}

// Inject splices source into target. Per-operation failures are
// returned to the caller, which queues that module's partition for
// overlay fallback (spec §4.5 phase 1) rather than retrying here.
func Inject(source, target string) error {
	if err := overlaydrv.BindMount(source, target); err != nil {
		return fmt.Errorf("hymo: injecting %s -> %s: %w", source, target, err)
	}
	driverfd.EnqueueUnmount(target)
	hylog.Debugf("hymo: injected %s -> %s", source, target)
	return nil
}
