// Package driverfd models the privileged ioctl collaborator described in
// spec §6: a kernel-resident driver acquired via a `reboot(magic1, magic2,
// 0, &outfd)` handshake, exposing two best-effort ioctls against the
// returned fd — enqueue a path for namespace-exit unmount, and "nuke" the
// ext4 sysfs entry of a mounted image. The driver is host-controlled and
// its absence must never prevent the core from running (spec §7,
// Unsupported kind); every exported call degrades to a no-op error
// instead of panicking or blocking.
//
// Acquisition happens at most once per process (design notes §5/§9: "at
// most one driver-open per process"), and a guarded set deduplicates
// enqueue-for-unmount requests across calls within a run.
package driverfd

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

const (
	installMagic1 = 0xDEADBEEF
	installMagic2 = 0xCAFEBABE

	// Command numbers as handed to the driver's ioctl(2) entry point;
	// these are the fully-computed _IOW('K', 17|18, ...) values spec §6
	// names, not re-derived via the _IOC macro.
	iocNukeExt4Sysfs = 0x40004b11
	iocAddTryUmount  = 0x40004b12
)

// ErrUnavailable is returned whenever the privileged collaborator cannot
// be reached. Callers must treat this as spec §7's Unsupported kind:
// degrade the calling strategy, never escalate to Fatal.
var ErrUnavailable = errors.New("driverfd: privileged collaborator unavailable")

type addTryUmountReq struct {
	Arg   uint64
	Flags uint32
	Mode  uint8
	_     [3]byte // pad to match the driver's repr(C) layout
}

type nukeExt4SysfsReq struct {
	Arg uint64
}

var (
	once     sync.Once
	fd       = -1
	unmounts = newPathSet()
)

// Acquire returns the process-wide driver fd, obtaining it on first call
// via the documented reboot() handshake. A negative return with
// ErrUnavailable means the collaborator is absent — a normal, expected
// outcome off a real device or under test, not a fault.
func Acquire() (int, error) {
	once.Do(func() {
		fd = grabFd()
		if fd < 0 {
			hylog.Debugf("driverfd: privileged collaborator not present")
		}
	})
	if fd < 0 {
		return -1, ErrUnavailable
	}
	return fd, nil
}

func grabFd() int {
	var outFd int32 = -1
	_, _, _ = unix.Syscall6(unix.SYS_REBOOT,
		uintptr(installMagic1), uintptr(installMagic2), 0,
		uintptr(unsafe.Pointer(&outFd)), 0, 0)
	return int(outFd)
}

// EnqueueUnmount asks the driver to unmount path when the mount
// namespace exits. Deduplicated per process per path — a second request
// for the same path is silently dropped. Best-effort: an unavailable
// driver or a failing ioctl is logged and swallowed, matching the
// "both are best-effort" language of spec §6.
func EnqueueUnmount(path string) {
	if path == "" {
		return
	}
	if !unmounts.addIfAbsent(path) {
		hylog.Debugf("driverfd: unmount request for %s already sent, skipping", path)
		return
	}

	f, err := Acquire()
	if err != nil {
		hylog.Debugf("driverfd: cannot enqueue unmount for %s: %v", path, err)
		return
	}

	raw := cBytes(path)
	req := addTryUmountReq{
		Arg:   uint64(uintptr(unsafe.Pointer(&raw[0]))),
		Flags: 2,
		Mode:  1,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f), uintptr(iocAddTryUmount), uintptr(unsafe.Pointer(&req))); errno != 0 {
		hylog.Debugf("driverfd: add-try-umount ioctl for %s failed: %v", path, errno)
	}
}

// NukeExt4Sysfs asks the driver to remove target's ext4 sysfs entry, so
// the extra mount is concealed from userspace inspection (spec §6, §9
// glossary "Nuke"). Best-effort; failures are returned so callers can
// decide whether to report RuntimeState.NukeActive as false.
func NukeExt4Sysfs(target string) error {
	f, err := Acquire()
	if err != nil {
		return err
	}

	guard := acquireKptrRestrict()
	defer guard.release()

	raw := cBytes(target)
	req := nukeExt4SysfsReq{Arg: uint64(uintptr(unsafe.Pointer(&raw[0])))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f), uintptr(iocNukeExt4Sysfs), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("driverfd: nuke-ext4-sysfs ioctl for %s failed: %w", target, errno)
	}
	return nil
}

func cBytes(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// kptrRestrictGuard scopes a temporary lowering of
// /proc/sys/kernel/kptr_restrict around a single privileged call,
// restoring the prior value on release regardless of how the call
// completed. Acquisition/release are paired across all exit paths per
// design notes §5.
type kptrRestrictGuard struct {
	prevValue string
	active    bool
}

const kptrRestrictPath = "/proc/sys/kernel/kptr_restrict"

func acquireKptrRestrict() *kptrRestrictGuard {
	data, err := os.ReadFile(kptrRestrictPath)
	if err != nil {
		return &kptrRestrictGuard{}
	}
	prev := strings.TrimSpace(string(data))
	if prev == "0" {
		return &kptrRestrictGuard{}
	}
	if err := os.WriteFile(kptrRestrictPath, []byte("0"), 0o644); err != nil {
		hylog.Debugf("driverfd: could not lower kptr_restrict: %v", err)
		return &kptrRestrictGuard{}
	}
	return &kptrRestrictGuard{prevValue: prev, active: true}
}

func (g *kptrRestrictGuard) release() {
	if g == nil || !g.active {
		return
	}
	if err := os.WriteFile(kptrRestrictPath, []byte(g.prevValue), 0o644); err != nil {
		hylog.Debugf("driverfd: could not restore kptr_restrict: %v", err)
	}
	g.active = false
}

// pathSet is the guarded dedup set described in design notes §5/§9: at
// most one unmount-request per path per process.
type pathSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newPathSet() *pathSet {
	return &pathSet{seen: map[string]struct{}{}}
}

func (p *pathSet) addIfAbsent(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[path]; ok {
		return false
	}
	p.seen[path] = struct{}{}
	return true
}
