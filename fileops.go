package aoss

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Open opens path. Device paths are opened by their class backend and registered;
// any other path is opened by the kernel.
func (ip *Interposer) Open(path string, flags int, mode uint32) (int, error) {
	class, ok := Classify(path)
	if !ok {
		ip.metrics.passed("open")

		return ip.kernel.Open(path, flags, mode)
	}

	dev := ip.devices[class]

	fd, err := dev.Open(path, flags)
	if err != nil {
		return -1, err
	}

	if err := ip.table.insert(fd, class, flags); err != nil {
		// The backend descriptor must not leak when it cannot be registered.
		_ = dev.Close(fd)

		ip.log.WithFields(logrus.Fields{"fd": fd, "class": class, "path": path}).Warn("descriptor table full")

		return -1, err
	}

	if poller, ok := dev.(Poller); ok {
		ip.pollExtra.Add(int64(poller.PollFds(fd)))
	}

	ip.metrics.dispatched(class, "open")
	ip.metrics.open.Inc()

	ip.log.WithFields(logrus.Fields{"fd": fd, "class": class, "path": path, "flags": flags}).Debug("open")

	return fd, nil
}

// Close closes fd. A device descriptor is removed from the table before its backend is closed,
// so the descriptor number may be reused by the next open.
func (ip *Interposer) Close(fd int) error {
	rec, ok := ip.table.remove(fd)
	if !ok {
		ip.metrics.passed("close")

		return ip.kernel.Close(fd)
	}

	dev := ip.devices[rec.class]
	if poller, ok := dev.(Poller); ok {
		ip.pollExtra.Add(-int64(poller.PollFds(fd)))
	}

	ip.metrics.dispatched(rec.class, "close")
	ip.metrics.open.Dec()

	if err := dev.Close(fd); err != nil {
		ip.log.WithFields(logrus.Fields{"fd": fd, "class": rec.class}).WithError(err).Error("backend close failed")

		panic(fmt.Sprintf("aoss: close of %s descriptor %d failed: %v", rec.class, fd, err))
	}

	ip.log.WithFields(logrus.Fields{"fd": fd, "class": rec.class}).Debug("close")

	return nil
}

// Read reads from fd.
func (ip *Interposer) Read(fd int, p []byte) (int, error) {
	class, ok := ip.table.class(fd)
	if !ok {
		ip.metrics.passed("read")

		return ip.kernel.Read(fd, p)
	}

	ip.metrics.dispatched(class, "read")

	return ip.devices[class].Read(fd, p)
}

// Write writes to fd.
func (ip *Interposer) Write(fd int, p []byte) (int, error) {
	class, ok := ip.table.class(fd)
	if !ok {
		ip.metrics.passed("write")

		return ip.kernel.Write(fd, p)
	}

	ip.metrics.dispatched(class, "write")

	return ip.devices[class].Write(fd, p)
}

// Ioctl issues request req on fd. arg is passed through uninterpreted.
func (ip *Interposer) Ioctl(fd int, req uint, arg uintptr) (int, error) {
	class, ok := ip.table.class(fd)
	if !ok {
		ip.metrics.passed("ioctl")

		return ip.kernel.Ioctl(fd, req, arg)
	}

	ip.metrics.dispatched(class, "ioctl")

	return ip.devices[class].Ioctl(fd, req, arg)
}

// Fcntl performs cmd on fd.
//
// For device descriptors F_GETFL answers the tracked open flags and F_SETFL toggles the backend's
// non-blocking mode; every other command is performed by the kernel on the descriptor itself.
func (ip *Interposer) Fcntl(fd int, cmd int, arg int) (int, error) {
	rec, ok := ip.table.get(fd)
	if !ok {
		ip.metrics.passed("fcntl")

		return ip.kernel.Fcntl(fd, cmd, arg)
	}

	ip.metrics.dispatched(rec.class, "fcntl")

	switch cmd {
	case unix.F_GETFL:
		return rec.flags, nil
	case unix.F_SETFL:
		nonblock := arg&unix.O_NONBLOCK != 0
		if err := ip.devices[rec.class].SetNonblock(fd, nonblock); err != nil {
			return -1, err
		}

		ip.table.setNonblock(fd, nonblock)

		return 0, nil
	default:
		ip.log.WithFields(logrus.Fields{"fd": fd, "class": rec.class, "cmd": cmd, "arg": arg}).Debug("fcntl")

		return ip.kernel.Fcntl(fd, cmd, arg)
	}
}
