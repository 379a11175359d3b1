package aoss_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
)

func fdSet(fds ...int) *unix.FdSet {
	set := &unix.FdSet{}
	for _, fd := range fds {
		set.Set(fd)
	}

	return set
}

func maxFd(fds ...int) int {
	high := -1
	for _, fd := range fds {
		high = max(high, fd)
	}

	return high
}

func TestSelectPassthroughMatchesKernel(t *testing.T) {
	ip := newInterposer(t, newFakePoller(), newFakeMixer(), nil)

	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)

	_, err := unix.Write(w1, []byte{1})
	require.NoError(t, err)

	nfd := maxFd(r1, w1, r2, w2) + 1

	wantR, wantW, wantE := fdSet(r1, r2), fdSet(w1), fdSet(r1, r2)
	wantN, err := unix.Select(nfd, wantR, wantW, wantE, &unix.Timeval{})
	require.NoError(t, err)

	r, w, e := fdSet(r1, r2), fdSet(w1), fdSet(r1, r2)
	n, err := ip.Select(nfd, r, w, e, &unix.Timeval{})
	require.NoError(t, err)

	assert.Equal(t, wantN, n)
	assert.Equal(t, *wantR, *r)
	assert.Equal(t, *wantW, *w)
	assert.Equal(t, *wantE, *e)
}

func TestSelectDeviceNotReady(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)
	pr, _ := newPipe(t)

	r := fdSet(fd, pr)
	n, err := ip.Select(maxFd(fd, pr)+1, r, nil, nil, &unix.Timeval{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, unix.FdSet{}, *r, "sets should be cleared when nothing is ready")
}

func TestSelectDeviceReady(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, feed := openWatched(t, ip, dsp)

	_, err := unix.Write(feed, []byte{1})
	require.NoError(t, err)

	r := fdSet(fd)

	var n int
	within(t, 5*time.Second, func() {
		n, err = ip.Select(fd+1, r, nil, nil, nil)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, *fdSet(fd), *r, "only the device descriptor should be reported")
}

func TestSelectMixed(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)
	_, pw := newPipe(t)

	r, w := fdSet(fd), fdSet(pw)

	timeout := unix.NsecToTimeval(int64(10 * time.Second))

	var (
		n   int
		err error
	)
	within(t, 5*time.Second, func() {
		n, err = ip.Select(maxFd(fd, pw)+1, r, w, nil, &timeout)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, r.IsSet(fd), "the device descriptor is not ready")
	assert.True(t, w.IsSet(pw))
}

func TestSelectSynchronousDevice(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	mfd, err := ip.Open("/dev/mixer", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer ip.Close(mfd)

	dfd, _ := openWatched(t, ip, dsp)

	r, w := fdSet(mfd, dfd), fdSet(mfd)

	var n int
	within(t, 5*time.Second, func() {
		n, err = ip.Select(maxFd(mfd, dfd)+1, r, w, nil, nil)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n, "a descriptor ready for both directions counts once")
	assert.True(t, r.IsSet(mfd))
	assert.True(t, w.IsSet(mfd))
	assert.False(t, r.IsSet(dfd))
}

func TestSelectPrepareError(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)
	_, pw := newPipe(t)

	dsp.prepErr = unix.EBADFD

	r, w := fdSet(fd), fdSet(pw)
	n, err := ip.Select(maxFd(fd, pw)+1, r, w, nil, nil)
	assert.ErrorIs(t, err, unix.EBADFD)
	assert.Equal(t, -1, n)
	assert.Equal(t, *fdSet(fd), *r, "the caller's sets should be untouched")
	assert.Equal(t, *fdSet(pw), *w, "the caller's sets should be untouched")
}

func TestSelectResultErrorIsExceptional(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, feed := openWatched(t, ip, dsp)

	_, err := unix.Write(feed, []byte{1})
	require.NoError(t, err)

	dsp.resultErr = unix.EIO

	r, e := fdSet(fd), fdSet(fd)
	n, err := ip.Select(fd+1, r, nil, e, &unix.Timeval{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, r.IsSet(fd))
	assert.True(t, e.IsSet(fd), "a failed interpretation is reported as exceptional")
}

func TestSelectDeviceWithoutDescriptors(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	require.NoError(t, err)
	defer ip.Close(fd)

	pr, _ := newPipe(t)

	r, w := fdSet(pr), fdSet(fd)

	var n int
	within(t, 5*time.Second, func() {
		n, err = ip.Select(maxFd(fd, pr)+1, r, w, nil, nil)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, *fdSet(fd), *w, "a device with nothing to wait on is ready")
	assert.Equal(t, unix.FdSet{}, *r)
}

func TestSelectDescriptorOutOfRange(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)

	dsp.high = 1 << 16

	r := fdSet(fd)
	n, err := ip.Select(fd+1, r, nil, nil, nil)
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.Equal(t, -1, n)
	assert.Equal(t, *fdSet(fd), *r, "the caller's sets should be untouched")
}

func TestSelectErrorWithoutExceptInterest(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, _ := openWatched(t, ip, dsp)
	_, pw := newPipe(t)

	dsp.extra = aoss.EventError

	r, w, e := fdSet(fd), fdSet(pw), fdSet()
	n, err := ip.Select(maxFd(fd, pw)+1, r, w, e, &unix.Timeval{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, r.IsSet(fd), "an error is not read readiness")
	assert.True(t, w.IsSet(pw))
	assert.Equal(t, unix.FdSet{}, *e)
}
