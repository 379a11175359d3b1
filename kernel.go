package aoss

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel is the set of real descriptor primitives that passthrough operations forward to.
// Results and errors are returned verbatim; a failed call returns the errno as its error.
type Kernel interface {
	Open(path string, flags int, mode uint32) (int, error)
	Close(fd int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Ioctl(fd int, req uint, arg uintptr) (int, error)
	Fcntl(fd int, cmd int, arg int) (int, error)
	Mmap(addr unsafe.Pointer, length uintptr, prot, flags, fd int, offset int64) (unsafe.Pointer, error)
	Munmap(addr unsafe.Pointer, length uintptr) error
	Poll(fds []unix.PollFd, timeout int) (int, error)
	Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error)
}

// hostKernel issues the system calls directly.
type hostKernel struct{}

// HostKernel returns the Kernel backed by the running operating system.
func HostKernel() Kernel {
	return hostKernel{}
}

func (hostKernel) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(path, flags, mode)
}

func (hostKernel) Close(fd int) error {
	return unix.Close(fd)
}

func (hostKernel) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (hostKernel) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (hostKernel) Ioctl(fd int, req uint, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return -1, errno
	}

	return int(r), nil
}

func (hostKernel) Fcntl(fd int, cmd int, arg int) (int, error) {
	return unix.FcntlInt(uintptr(fd), cmd, arg)
}

func (hostKernel) Mmap(addr unsafe.Pointer, length uintptr, prot, flags, fd int, offset int64) (unsafe.Pointer, error) {
	return unix.MmapPtr(fd, offset, addr, length, prot, flags)
}

func (hostKernel) Munmap(addr unsafe.Pointer, length uintptr) error {
	return unix.MunmapPtr(addr, length)
}

func (hostKernel) Poll(fds []unix.PollFd, timeout int) (int, error) {
	return unix.Poll(fds, timeout)
}

func (hostKernel) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	return unix.Select(nfd, r, w, e, timeout)
}

// mapFailed reports whether p is the MAP_FAILED sentinel.
func mapFailed(p unsafe.Pointer) bool {
	return uintptr(p) == ^uintptr(0)
}
