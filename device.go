package aoss

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is the backend of one device class. Every class answers every operation;
// operations a class does not support fail with unix.EBADFD (see Unsupported).
type Device interface {
	// Open opens the device at path and returns the descriptor handed to the caller.
	Open(path string, flags int) (int, error)
	// Close releases fd. It must not fail for a descriptor returned by Open.
	Close(fd int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	// Ioctl handles request req. The argument is opaque to the interposer.
	Ioctl(fd int, req uint, arg uintptr) (int, error)
	// SetNonblock toggles non-blocking mode of fd.
	SetNonblock(fd int, nonblock bool) error
	Mmap(fd int, addr unsafe.Pointer, length uintptr, prot, flags int, offset int64) (unsafe.Pointer, error)
	Munmap(fd int, addr unsafe.Pointer, length uintptr) error
}

// Direction is the I/O direction a waiter is interested in.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
	DirBoth
)

// Readable reports whether d includes reading.
func (d Direction) Readable() bool {
	return d == DirRead || d == DirBoth
}

// Writable reports whether d includes writing.
func (d Direction) Writable() bool {
	return d == DirWrite || d == DirBoth
}

// Event is the abstract readiness of a device descriptor, as interpreted by its backend.
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
	EventError
)

// Poller is implemented by devices whose readiness is expressed through other kernel descriptors.
// Devices that do not implement it are synchronous and always ready.
type Poller interface {
	// PollFds returns how many kernel descriptors fd currently contributes to a poll set.
	PollFds(fd int) int
	// PollPrepare fills out, which has PollFds(fd) entries, and returns the number of entries written.
	// Writing none means fd is ready without waiting. An error fails the whole poll call.
	PollPrepare(fd int, dir Direction, out []unix.PollFd) (int, error)
	// PollResult interprets the polled entries written by PollPrepare.
	PollResult(fd int, in []unix.PollFd) (Event, error)
	// SelectPrepare adds the kernel descriptors of fd to the working sets and returns the highest one,
	// or -1 when it added none and fd is ready without waiting. e is nil when exceptional conditions
	// are not of interest.
	SelectPrepare(fd int, dir Direction, r, w, e *unix.FdSet) (int, error)
	// SelectResult interprets the working sets after select returned.
	SelectResult(fd int, r, w, e *unix.FdSet) (Event, error)
}

// Unsupported can be embedded in a Device to reject the data operations a class does not offer.
type Unsupported struct{}

func (Unsupported) Read(int, []byte) (int, error) {
	return 0, unix.EBADFD
}

func (Unsupported) Write(int, []byte) (int, error) {
	return 0, unix.EBADFD
}

func (Unsupported) Mmap(int, unsafe.Pointer, uintptr, int, int, int64) (unsafe.Pointer, error) {
	return nil, unix.EBADFD
}

func (Unsupported) Munmap(int, unsafe.Pointer, uintptr) error {
	return unix.EBADFD
}
