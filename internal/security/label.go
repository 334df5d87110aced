// Package security wraps SELinux label get/set for files produced or
// touched by sync and magic-mount. Grounded on the teacher's
// internal/pkg/security/selinux wrapper around go-selinux, and on the
// original implementation's lsetfilecon/lgetfilecon tolerance of
// PermissionDenied: failures here are logged at debug level and never
// propagate, matching the security-label policy this module implements.
package security

import (
	"errors"
	"os"

	"github.com/opencontainers/selinux/go-selinux"

	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// DefaultLabel is assigned when neither the host path nor its parent
// directory has a usable label to inherit.
const DefaultLabel = "u:object_r:system_file:s0"

// Supported reports whether extended attributes can be written at root,
// by creating and labelling a throwaway file. Mirrors the original
// is_xattr_supported probe.
func Supported(root string) bool {
	probe := root + "/.xattr_test"
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return false
	}
	defer os.Remove(probe)
	return selinux.SetFileLabel(probe, DefaultLabel) == nil
}

// GetLabel reads the SELinux label of path. Errors are returned to the
// caller (which decides whether to fall back to a parent or default)
// rather than swallowed here, since callers need to distinguish "no
// label" from "use the default".
func GetLabel(path string) (string, error) {
	label, err := selinux.FileLabel(path)
	if err != nil {
		return "", err
	}
	return label, nil
}

// SetLabel writes the SELinux label on path. Permission failures (xattr
// unsupported, SELinux disabled) are logged at debug level and
// swallowed; any other error is also logged and swallowed, since label
// failures must never abort a sync or mount operation.
func SetLabel(path, label string) error {
	if label == "" {
		return nil
	}
	err := selinux.SetFileLabel(path, label)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrPermission) {
		hylog.Debugf("selinux: permission denied labelling %s (ignored)", path)
	} else {
		hylog.Debugf("selinux: failed to label %s: %v (ignored)", path, err)
	}
	return nil
}

// Repair resolves and applies the effective label for path, given the
// corresponding host path (if any) and its parent, per the security
// label policy: copy the host label if the host path exists; else
// inherit from the host parent; else assign DefaultLabel.
func Repair(path, hostPath, hostParent string) {
	if hostPath != "" {
		if label, err := GetLabel(hostPath); err == nil && label != "" {
			SetLabel(path, label)
			return
		}
	}
	if hostParent != "" {
		if label, err := GetLabel(hostParent); err == nil && label != "" {
			SetLabel(path, label)
			return
		}
	}
	SetLabel(path, DefaultLabel)
}
