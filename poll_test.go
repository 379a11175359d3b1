package aoss_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
)

// within runs fn and fails the test if it does not return before d elapses.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("call did not return in time")
	}
}

// openWatched opens a dsp descriptor whose readiness is that of the read end of a new pipe.
// The write end is returned for making the descriptor readable.
func openWatched(t *testing.T, ip *aoss.Interposer, dsp *fakePoller) (fd, feed int) {
	t.Helper()

	fd, err := ip.Open("/dev/dsp", unix.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ip.Close(fd) })

	r, w := newPipe(t)
	dsp.watch[fd] = []int32{int32(r)}

	return fd, w
}

func TestPollPassthroughMatchesKernel(t *testing.T) {
	ip := newInterposer(t, newFakePoller(), newFakeMixer(), nil)

	r1, w1 := newPipe(t)
	r2, _ := newPipe(t)

	_, err := unix.Write(w1, []byte{1})
	require.NoError(t, err)

	fds := []unix.PollFd{
		{Fd: int32(r1), Events: unix.POLLIN},
		{Fd: int32(w1), Events: unix.POLLOUT},
		{Fd: int32(r2), Events: unix.POLLIN},
		{Fd: -1, Events: unix.POLLIN},
	}

	want := make([]unix.PollFd, len(fds))
	copy(want, fds)

	wantN, err := unix.Poll(want, 0)
	require.NoError(t, err)

	n, err := ip.Poll(fds, 0)
	require.NoError(t, err)

	assert.Equal(t, wantN, n)
	assert.Equal(t, want, fds)
	assert.Equal(t, 2, n)
}

func TestPollDeviceNotReady(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)
	r, _ := newPipe(t)

	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(r), Events: unix.POLLIN},
	}

	n, err := ip.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, pfd := range fds {
		assert.Zero(t, pfd.Revents)
	}
}

func TestPollDeviceReady(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, feed := openWatched(t, ip, dsp)

	_, err := unix.Write(feed, []byte{1})
	require.NoError(t, err)

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	var n int
	within(t, 5*time.Second, func() {
		n, err = ip.Poll(fds, -1)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int16(unix.POLLIN), fds[0].Revents)
	assert.Equal(t, int32(fd), fds[0].Fd, "the caller's entry must keep its descriptor")
}

func TestPollMixed(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)
	_, w := newPipe(t)

	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(w), Events: unix.POLLOUT},
	}

	var (
		n   int
		err error
	)
	within(t, 5*time.Second, func() {
		n, err = ip.Poll(fds, 10000)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, fds[0].Revents, "the device descriptor is not ready")
	assert.Equal(t, int16(unix.POLLOUT), fds[1].Revents)
}

func TestPollSynchronousDevice(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	mfd, err := ip.Open("/dev/mixer", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer ip.Close(mfd)

	// A descriptor that never becomes ready must not hold up the mixer.
	dfd, _ := openWatched(t, ip, dsp)

	fds := []unix.PollFd{
		{Fd: int32(mfd), Events: unix.POLLIN | unix.POLLOUT | unix.POLLPRI},
		{Fd: int32(dfd), Events: unix.POLLIN},
	}

	var n int
	within(t, 5*time.Second, func() {
		n, err = ip.Poll(fds, -1)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int16(unix.POLLIN|unix.POLLOUT), fds[0].Revents)
	assert.Zero(t, fds[1].Revents)
}

func TestPollDeviceWithoutDescriptors(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	require.NoError(t, err)
	defer ip.Close(fd)

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}

	var n int
	within(t, 5*time.Second, func() {
		n, err = ip.Poll(fds, -1)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int16(unix.POLLOUT), fds[0].Revents)
}

func TestPollDeviceError(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, feed := openWatched(t, ip, dsp)

	_, err := unix.Write(feed, []byte{1})
	require.NoError(t, err)

	dsp.resultErr = unix.EIO

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	n, err := ip.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int16(unix.POLLNVAL), fds[0].Revents)
}

func TestPollPrepareError(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, err := ip.Open("/dev/dsp", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer ip.Close(fd)

	_, pw := newPipe(t)

	dsp.prepErr = unix.EIO

	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(pw), Events: unix.POLLOUT},
	}

	var n int
	within(t, 5*time.Second, func() {
		n, err = ip.Poll(fds, -1)
	})

	assert.ErrorIs(t, err, unix.EIO)
	assert.Equal(t, -1, n)

	for _, pfd := range fds {
		assert.Zero(t, pfd.Revents, "a failed call should report nothing ready")
	}
}

func TestPollPrepareErrorWithDescriptors(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, feed := openWatched(t, ip, dsp)

	_, err := unix.Write(feed, []byte{1})
	require.NoError(t, err)

	dsp.prepErr = unix.EBADFD

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	n, err := ip.Poll(fds, 0)
	assert.ErrorIs(t, err, unix.EBADFD)
	assert.Equal(t, -1, n)
	assert.Zero(t, fds[0].Revents)
}

func TestPollStaleRevents(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN, Revents: unix.POLLIN}}

	n, err := ip.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Zero(t, fds[0].Revents, "revents from a previous call should be cleared")
}
