// Package tapdev opens a Linux TAP interface for the virtio-net back-end.
// Host TAP networking script invocation (bringing the interface up, adding
// addresses/routes) is an out-of-scope collaborator (spec §1); this package
// only opens the character device and exposes it as an io.ReadWriter.
package tapdev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	tunDevice  = "/dev/net/tun"
	ifnameSize = 16
)

type ifReq struct {
	name  [ifnameSize]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Device is an open TAP interface.
type Device struct {
	f    *os.File
	Name string
}

// Open creates (or attaches to) the named TAP interface in IFF_TAP|IFF_NO_PI
// mode, matching the teacher's network bring-up convention.
func Open(name string) (*Device, error) {
	f, err := os.OpenFile(tunDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tapdev: open %s: %w", tunDevice, err)
	}

	var req ifReq
	copy(req.name[:], name)
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()

		return nil, fmt.Errorf("tapdev: TUNSETIFF %s: %w", name, errno)
	}

	return &Device{f: f, Name: name}, nil
}

func (d *Device) Read(p []byte) (int, error)  { return d.f.Read(p) }
func (d *Device) Write(p []byte) (int, error) { return d.f.Write(p) }
func (d *Device) Close() error                { return d.f.Close() }
