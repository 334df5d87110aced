// Package storage selects and mounts the workspace the rest of the core
// operates on: tmpfs for a first run, or an ext4/erofs loop-backed image
// when one already exists from a prior run. It also selects the scratch
// tempdir used by magic-mount's tmpfs bootstrap.
package storage

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/pkczc/meta-hybrid/internal/storage/loop"
	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// Mode names the backing chosen for the module workspace.
type Mode string

const (
	ModeTmpfs Mode = "tmpfs"
	ModeExt4  Mode = "ext4"
	ModeErofs Mode = "erofs"
)

// Handle describes the mounted workspace.
type Handle struct {
	Mode       Mode
	MountPoint string
	loopDev    *loop.Device
}

// Setup probes, in order, for an existing erofs image, then an existing
// ext4 image, then falls back to a fresh tmpfs — the storage selection
// policy. imagePath is the base path of the backing images: the erofs
// image is imagePath+".erofs" and the ext4 image imagePath+".ext4";
// mountPoint is where the chosen backing is mounted.
func Setup(mountPoint, imagePath string, forceExt4 bool, imageSize string) (Handle, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return Handle{}, fmt.Errorf("creating workspace mount point: %w", err)
	}

	erofsImage := imagePath + ".erofs"
	ext4Image := imagePath + ".ext4"

	if !forceExt4 && erofsSupported() && fileExists(erofsImage) {
		if h, err := mountLoopImage(erofsImage, mountPoint, "erofs", true); err == nil {
			return h, nil
		} else {
			hylog.Warningf("erofs image present but failed to mount, falling back: %v", err)
		}
	}

	if fileExists(ext4Image) {
		repairExt4(ext4Image)
		if h, err := mountLoopImage(ext4Image, mountPoint, "ext4", false); err == nil {
			return h, nil
		} else {
			hylog.Warningf("ext4 image present but failed to mount, falling back to tmpfs: %v", err)
		}
	}

	size, err := units.FromHumanSize(imageSize)
	if err != nil {
		size = 256 * 1024 * 1024
	}
	opts := fmt.Sprintf("mode=0755,size=%d", size)
	if err := unix.Mount("tmpfs", mountPoint, "tmpfs", 0, opts); err != nil {
		return Handle{}, fmt.Errorf("mounting tmpfs workspace at %s: %w", mountPoint, err)
	}
	return Handle{Mode: ModeTmpfs, MountPoint: mountPoint}, nil
}

func mountLoopImage(imagePath, mountPoint, fstype string, readOnly bool) (Handle, error) {
	dev, err := loop.Attach(imagePath, readOnly)
	if err != nil {
		return Handle{}, err
	}

	waitForLoop := func() error { return loop.WaitReady(dev) }
	if err := backoff.Retry(waitForLoop, backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 10)); err != nil {
		dev.Close()
		return Handle{}, fmt.Errorf("loop device %s never became ready: %w", dev.Path(), err)
	}

	flags := uintptr(0)
	data := "noatime"
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount(dev.Path(), mountPoint, fstype, flags, data); err != nil {
		dev.Close()
		return Handle{}, fmt.Errorf("mounting %s as %s on %s: %w", dev.Path(), fstype, mountPoint, err)
	}

	mode := ModeExt4
	if fstype == "erofs" {
		mode = ModeErofs
	}
	return Handle{Mode: mode, MountPoint: mountPoint, loopDev: dev}, nil
}

func repairExt4(image string) {
	cmd := exec.Command("e2fsck", "-p", "-f", image)
	err := cmd.Run()
	if err == nil {
		return
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() <= 2 {
		// e2fsck exit codes 0-2 indicate the filesystem was fixed or is clean.
		return
	}
	hylog.Warningf("e2fsck on %s reported a problem: %v", image, err)
}

func erofsSupported() bool {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	return containsLine(string(data), "erofs")
}

func containsLine(haystack, needle string) bool {
	for _, line := range splitLines(haystack) {
		if line == needle || (len(line) > len(needle) && line[len(line)-len(needle):] == needle) {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			out = append(out, trimTabs(s[start:i]))
			start = i + 1
		}
	}
	return out
}

func trimTabs(s string) string {
	for len(s) > 0 && (s[0] == '\t' || s[0] == ' ') {
		s = s[1:]
	}
	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// tempDirCandidates is the ordered list of scratch roots tried for the
// magic-mount tmpfs bootstrap before falling back to a run dir.
var tempDirCandidates = []string{"/debug_ramdisk", "/patch_hw", "/oem", "/root", "/sbin"}

// SelectTempDir returns the first candidate that exists and is empty,
// or fallbackRunDir (created if necessary) if none qualify.
func SelectTempDir(fallbackRunDir string) (string, error) {
	for _, candidate := range tempDirCandidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		entries, err := os.ReadDir(candidate)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			return candidate, nil
		}
	}

	if err := os.MkdirAll(fallbackRunDir, 0o755); err != nil {
		return "", fmt.Errorf("creating fallback tempdir %s: %w", fallbackRunDir, err)
	}
	return fallbackRunDir, nil
}

// StatfsType exposes a host path's filesystem magic number, used to
// detect filesystems incompatible with overlayfs lower/upper dirs
// (mirrors the teacher's overlay_linux.go compatibility probe).
func StatfsType(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Type), nil
}

var incompatibleFsTypes = map[int64]string{
	0x6969:     "nfs",
	0x65735546: "fuse",
	0x0027E0EB: "cramfs",
	0x858458f6: "ramfs",
}

// IsOverlayIncompatible reports whether the filesystem at path is known
// to reject use as an overlay lower or upper directory.
func IsOverlayIncompatible(path string) (bool, string) {
	t, err := StatfsType(path)
	if err != nil {
		return false, ""
	}
	name, bad := incompatibleFsTypes[t]
	return bad, name
}
