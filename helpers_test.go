package aoss_test

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
)

// fakeDevice is a backend whose descriptors are placeholders on /dev/null.
type fakeDevice struct {
	mu sync.Mutex

	openErr     error
	closeErr    error
	nonblockErr error

	opened   map[int]string
	closed   []int
	nonblock map[int]bool
	written  map[int][]byte
	ioctls   []uintptr
	mappings map[int][]byte
	unmapped []int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		opened:   make(map[int]string),
		nonblock: make(map[int]bool),
		written:  make(map[int][]byte),
		mappings: make(map[int][]byte),
	}
}

func (d *fakeDevice) Open(path string, flags int) (int, error) {
	if d.openErr != nil {
		return -1, d.openErr
	}

	fd, err := unix.Open("/dev/null", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened[fd] = path

	return fd, nil
}

func (d *fakeDevice) Close(fd int) error {
	d.mu.Lock()
	d.closed = append(d.closed, fd)
	d.mu.Unlock()

	if err := unix.Close(fd); err != nil {
		return err
	}

	return d.closeErr
}

func (d *fakeDevice) Read(fd int, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := copy(p, d.written[fd])
	d.written[fd] = d.written[fd][n:]

	return n, nil
}

func (d *fakeDevice) Write(fd int, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.written[fd] = append(d.written[fd], p...)

	return len(p), nil
}

func (d *fakeDevice) Ioctl(fd int, req uint, arg uintptr) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ioctls = append(d.ioctls, arg)

	return int(req), nil
}

func (d *fakeDevice) SetNonblock(fd int, nonblock bool) error {
	if d.nonblockErr != nil {
		return d.nonblockErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nonblock[fd] = nonblock

	return nil
}

func (d *fakeDevice) Mmap(fd int, addr unsafe.Pointer, length uintptr, prot, flags int, offset int64) (unsafe.Pointer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, length)
	d.mappings[fd] = buf

	return unsafe.Pointer(&buf[0]), nil
}

func (d *fakeDevice) Munmap(fd int, addr unsafe.Pointer, length uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf, ok := d.mappings[fd]
	if !ok || unsafe.Pointer(&buf[0]) != addr {
		return unix.EINVAL
	}

	delete(d.mappings, fd)
	d.unmapped = append(d.unmapped, fd)

	return nil
}

func (d *fakeDevice) closedCount(fd int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, c := range d.closed {
		if c == fd {
			n++
		}
	}

	return n
}

// fakePoller is a fakeDevice whose readiness is that of other kernel descriptors.
type fakePoller struct {
	*fakeDevice

	// watch maps a device descriptor to the kernel descriptors standing for its readiness.
	watch     map[int][]int32
	resultErr error
	prepErr   error
	// high, when set, replaces the highest descriptor SelectPrepare reports.
	high int
	// extra is added to every SelectResult interpretation.
	extra aoss.Event
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		fakeDevice: newFakeDevice(),
		watch:      make(map[int][]int32),
	}
}

func (p *fakePoller) PollFds(fd int) int {
	return len(p.watch[fd])
}

func (p *fakePoller) PollPrepare(fd int, dir aoss.Direction, out []unix.PollFd) (int, error) {
	if p.prepErr != nil {
		return 0, p.prepErr
	}

	var events int16
	if dir.Readable() {
		events |= unix.POLLIN
	}

	if dir.Writable() {
		events |= unix.POLLOUT
	}

	n := 0
	for _, kfd := range p.watch[fd] {
		out[n] = unix.PollFd{Fd: kfd, Events: events}
		n++
	}

	return n, nil
}

func (p *fakePoller) PollResult(fd int, in []unix.PollFd) (aoss.Event, error) {
	if p.resultErr != nil {
		return 0, p.resultErr
	}

	var ev aoss.Event
	for _, pfd := range in {
		if pfd.Revents&unix.POLLIN != 0 {
			ev |= aoss.EventRead
		}

		if pfd.Revents&unix.POLLOUT != 0 {
			ev |= aoss.EventWrite
		}

		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			ev |= aoss.EventError
		}
	}

	return ev, nil
}

func (p *fakePoller) SelectPrepare(fd int, dir aoss.Direction, r, w, e *unix.FdSet) (int, error) {
	if p.prepErr != nil {
		return -1, p.prepErr
	}

	high := -1
	for _, kfd := range p.watch[fd] {
		if dir.Readable() {
			r.Set(int(kfd))
		}

		if dir.Writable() {
			w.Set(int(kfd))
		}

		if e != nil {
			e.Set(int(kfd))
		}

		high = max(high, int(kfd))
	}

	if p.high != 0 {
		return p.high, nil
	}

	return high, nil
}

func (p *fakePoller) SelectResult(fd int, r, w, e *unix.FdSet) (aoss.Event, error) {
	if p.resultErr != nil {
		return 0, p.resultErr
	}

	ev := p.extra
	for _, kfd := range p.watch[fd] {
		if r.IsSet(int(kfd)) {
			ev |= aoss.EventRead
		}

		if w.IsSet(int(kfd)) {
			ev |= aoss.EventWrite
		}

		if e != nil && e.IsSet(int(kfd)) {
			ev |= aoss.EventError
		}
	}

	return ev, nil
}

// fakeMixer is a control-only device.
type fakeMixer struct {
	aoss.Unsupported
	*fakeDevice
}

func newFakeMixer() *fakeMixer {
	return &fakeMixer{fakeDevice: newFakeDevice()}
}

func (m *fakeMixer) Read(fd int, p []byte) (int, error) {
	return m.Unsupported.Read(fd, p)
}

func (m *fakeMixer) Write(fd int, p []byte) (int, error) {
	return m.Unsupported.Write(fd, p)
}

func (m *fakeMixer) Mmap(fd int, addr unsafe.Pointer, length uintptr, prot, flags int, offset int64) (unsafe.Pointer, error) {
	return m.Unsupported.Mmap(fd, addr, length, prot, flags, offset)
}

func (m *fakeMixer) Munmap(fd int, addr unsafe.Pointer, length uintptr) error {
	return m.Unsupported.Munmap(fd, addr, length)
}

// newInterposer returns an interposer over the given devices with a quiet logger.
func newInterposer(t *testing.T, dsp, mixer aoss.Device, config *aoss.Config) *aoss.Interposer {
	t.Helper()

	if config == nil {
		config = aoss.DefaultConfig()
	}

	if config.Logger == nil {
		log := logrus.New()
		log.SetLevel(logrus.DebugLevel)
		log.SetOutput(testWriter{t})
		config.Logger = log
	}

	ip, err := aoss.New(dsp, mixer, config)
	require.NoError(t, err)

	return ip
}

// testWriter sends log output to the test log.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

// newPipe returns a pipe that is closed when the test ends.
func newPipe(t *testing.T) (r, w int) {
	t.Helper()

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK))

	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})

	return p[0], p[1]
}
