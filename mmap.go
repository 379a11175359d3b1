package aoss

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Mmap maps fd into memory. For a device descriptor the returned address is remembered so that
// a later Munmap, which carries no descriptor, reaches the same backend.
//
// A device descriptor holds at most one live mapping; a second Mmap before the first is
// unmapped fails with EBUSY instead of losing track of the first one.
func (ip *Interposer) Mmap(addr unsafe.Pointer, length uintptr, prot, flags, fd int, offset int64) (unsafe.Pointer, error) {
	rec, ok := ip.table.get(fd)
	if !ok {
		ip.metrics.passed("mmap")

		return ip.kernel.Mmap(addr, length, prot, flags, fd, offset)
	}

	if rec.mapping != nil {
		return nil, unix.EBUSY
	}

	ip.metrics.dispatched(rec.class, "mmap")

	p, err := ip.devices[rec.class].Mmap(fd, addr, length, prot, flags, offset)
	if err != nil {
		return p, err
	}

	if p != nil && !mapFailed(p) {
		ip.table.setMapping(fd, p)
	}

	ip.log.WithFields(logrus.Fields{"fd": fd, "class": rec.class, "length": length}).Debug("mmap")

	return p, nil
}

// Munmap unmaps the region at addr, routing it to the device that created it if there is one.
func (ip *Interposer) Munmap(addr unsafe.Pointer, length uintptr) error {
	fd, class, ok := ip.table.takeMapping(addr)
	if !ok {
		ip.metrics.passed("munmap")

		return ip.kernel.Munmap(addr, length)
	}

	ip.metrics.dispatched(class, "munmap")

	ip.log.WithFields(logrus.Fields{"fd": fd, "class": class, "length": length}).Debug("munmap")

	return ip.devices[class].Munmap(fd, addr, length)
}
