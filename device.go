//go:build linux

package bblocks

import "golang.org/x/sys/unix"

// Device is a thin convenience wrapper over an AIOAdaptor and one open
// fd, the Go analogue of the original's SpinningDevice (fs/aio-linux.h):
// it owns the fd, converts sector counts to byte offsets, and exposes
// plain Write/Read methods instead of making every caller build an Op by
// hand.
type Device struct {
	fd       int
	nsectors uint64
	aio      *AIOAdaptor
}

// OpenDevice opens path with O_DIRECT|O_RDWR, the alignment precondition
// for kernel AIO, and wraps it in a Device backed by aio.
func OpenDevice(path string, nsectors uint64, aio *AIOAdaptor) (*Device, error) {
	fd, err := unix.Open(path, unix.O_DIRECT|unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, newOpError("open", -1, err)
	}
	return &Device{fd: fd, nsectors: nsectors, aio: aio}, nil
}

// Write submits buf for writing at sector offset off (spec.md §4.4 /
// S3's "Submit 1,000 write ops ... to offsets i*4096"). buf's length
// must be a whole number of sectors.
func (d *Device) Write(buf IOBuffer, off uint64, client Completion[OpResult]) error {
	return d.aio.Write(d.fd, buf, int64(off*sectorSize), client)
}

// Read submits buf for reading at sector offset off.
func (d *Device) Read(buf IOBuffer, off uint64, client Completion[OpResult]) error {
	return d.aio.Read(d.fd, buf, int64(off*sectorSize), client)
}

// Size returns the device's capacity in bytes.
func (d *Device) Size() uint64 { return d.nsectors * sectorSize }

// Close closes the underlying fd. It does not touch the shared
// AIOAdaptor, which may back other Devices.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}
