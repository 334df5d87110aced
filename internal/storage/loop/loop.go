// Package loop attaches a regular file (the ext4/erofs backing image) to
// a Linux loop device so it can be mounted. Adapted from the teacher's
// pkg/util/loop, trimmed to the single path this daemon needs: attach an
// image read-write or read-only and report which /dev/loopN it landed
// on. The retry-on-transient-error logic is kept since loop device
// contention under concurrent daemon runs is exactly the transient
// condition it exists to ride out; every attach claims a free device,
// and a device already bound to the same image is not reused.
package loop

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkczc/meta-hybrid/pkg/hylog"
	"github.com/pkczc/meta-hybrid/pkg/util/fs/lock"
)

// MaxDevices bounds how many /dev/loopN nodes are probed.
const MaxDevices = 256

const (
	cmdSetFd       = 0x4C00
	cmdClrFd       = 0x4C01
	cmdSetStatus64 = 0x4C04
	cmdGetStatus64 = 0x4C05
)

// Info64 mirrors struct loop_info64 from <linux/loop.h>.
type Info64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

var errTransientAttach = errors.New("transient error, please retry")

const (
	maxRetries    = 5
	retryInterval = 250 * time.Millisecond
)

// Device is an attached loop device; Number is the /dev/loopN index.
type Device struct {
	Number int
	fd     int
}

// Path returns the device node path of the attached loop device.
func (d *Device) Path() string {
	return fmt.Sprintf("/dev/loop%d", d.Number)
}

// Close detaches and closes the loop device's file descriptor.
func (d *Device) Close() error {
	if d.fd == 0 {
		return nil
	}
	syscall.Syscall(syscall.SYS_IOCTL, uintptr(d.fd), cmdClrFd, 0)
	return syscall.Close(d.fd)
}

// Attach finds a free loop device and associates imagePath with it,
// read-only when readOnly is set. Retries a bounded number of times on
// transient EAGAIN/EBUSY from the kernel, which is common when several
// processes race to claim loop devices at boot.
func Attach(imagePath string, readOnly bool) (*Device, error) {
	mode := os.O_RDWR
	if readOnly {
		mode = os.O_RDONLY
	}

	image, err := os.OpenFile(imagePath, mode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening backing image %s: %w", imagePath, err)
	}
	defer image.Close()

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		dev, err := attachOnce(image, readOnly)
		if err == nil {
			return dev, nil
		}
		lastErr = err
		if !errors.Is(err, errTransientAttach) {
			return nil, err
		}
		hylog.Debugf("loop attach transient error, retrying: %v", err)
		time.Sleep(retryInterval)
	}
	return nil, fmt.Errorf("failed to attach loop device for %s: %w", imagePath, lastErr)
}

func attachOnce(image *os.File, readOnly bool) (*Device, error) {
	fd, err := lock.Exclusive("/dev")
	if err != nil {
		return nil, fmt.Errorf("locking /dev for loop attach: %w", err)
	}
	defer lock.Release(fd)

	var flags uint32
	if readOnly {
		flags = 1 // LO_FLAGS_READ_ONLY
	}

	var transient error
	for number := 0; number < MaxDevices; number++ {
		loopFd, err := openLoopDev(number, true)
		if err != nil {
			continue
		}

		if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(loopFd), cmdSetFd, image.Fd()); errno != 0 {
			syscall.Close(loopFd)
			continue
		}

		info := &Info64{Flags: flags}
		if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(loopFd), cmdSetStatus64, uintptr(unsafe.Pointer(info))); errno != 0 {
			syscall.Syscall(syscall.SYS_IOCTL, uintptr(loopFd), cmdClrFd, 0)
			if errno == syscall.EAGAIN || errno == syscall.EBUSY {
				transient = errno
				continue
			}
			syscall.Close(loopFd)
			return nil, fmt.Errorf("setting loop status on loop%d: %w", number, errno)
		}

		return &Device{Number: number, fd: loopFd}, nil
	}

	if transient != nil {
		return nil, fmt.Errorf("%w: %v", errTransientAttach, transient)
	}
	return nil, fmt.Errorf("no free loop device found")
}

func openLoopDev(number int, create bool) (int, error) {
	path := fmt.Sprintf("/dev/loop%d", number)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) && create {
		dev := int((7 << 8) | (number & 0xff) | ((number & 0xfff00) << 12))
		if mkErr := syscall.Mknod(path, syscall.S_IFBLK|0o660, dev); mkErr != nil {
			if errno, ok := mkErr.(syscall.Errno); !ok || errno != syscall.EEXIST {
				return -1, mkErr
			}
		}
	} else if err != nil {
		return -1, err
	} else if fi.Mode()&os.ModeDevice == 0 {
		return -1, fmt.Errorf("%s is not a block device", path)
	}

	return syscall.Open(path, syscall.O_RDWR, 0o600)
}

// WaitReady polls GetStatus until the loop device reports the image is
// attached, bounded by the caller's backoff policy (internal/storage
// wires github.com/cenkalti/backoff/v4 around this call).
func WaitReady(d *Device) error {
	info := &Info64{}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(d.fd), cmdGetStatus64, uintptr(unsafe.Pointer(info)))
	if errno != 0 {
		return fmt.Errorf("loop%d status: %w", d.Number, errno)
	}
	return nil
}
