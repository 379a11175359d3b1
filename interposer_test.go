package aoss_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
)

func TestNew(t *testing.T) {
	_, err := aoss.New(nil, newFakeMixer(), nil)
	assert.Error(t, err, "New without a dsp device should fail")

	_, err = aoss.New(newFakePoller(), newFakeMixer(), &aoss.Config{MaxDescriptors: -1})
	assert.Error(t, err, "New with a negative descriptor limit should fail")

	reg := prometheus.NewRegistry()
	_, err = aoss.New(newFakePoller(), newFakeMixer(), &aoss.Config{Registerer: reg})
	require.NoError(t, err)

	_, err = aoss.New(newFakePoller(), newFakeMixer(), &aoss.Config{Registerer: reg})
	assert.Error(t, err, "registering the metrics twice with one registry should fail")

	ip, err := aoss.New(newFakePoller(), newFakeMixer(), nil)
	require.NoError(t, err)
	assert.NotNil(t, ip.Kernel(), "a nil config should select the host kernel")
	assert.Equal(t, 0, ip.NumManaged())
}

func TestPassthroughFile(t *testing.T) {
	dsp, mixer := newFakePoller(), newFakeMixer()
	ip := newInterposer(t, dsp, mixer, nil)

	path := filepath.Join(t.TempDir(), "data")

	fd, err := ip.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	require.NoError(t, err)

	_, managed := ip.Managed(fd)
	assert.False(t, managed, "an ordinary file must not be managed")

	n, err := ip.Write(fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, ip.Close(fd))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	fd, err = ip.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err = ip.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	require.NoError(t, ip.Close(fd))

	assert.Empty(t, dsp.opened, "no backend should see an ordinary file")
	assert.Empty(t, mixer.opened, "no backend should see an ordinary file")
}

func TestPassthroughErrors(t *testing.T) {
	ip := newInterposer(t, newFakePoller(), newFakeMixer(), nil)

	_, err := ip.Open(filepath.Join(t.TempDir(), "missing"), unix.O_RDONLY, 0)
	assert.ErrorIs(t, err, unix.ENOENT)

	assert.ErrorIs(t, ip.Close(-1), unix.EBADF)

	_, err = ip.Read(-1, make([]byte, 1))
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestPassthroughIoctl(t *testing.T) {
	ip := newInterposer(t, newFakePoller(), newFakeMixer(), nil)

	r, w := newPipe(t)
	_, err := unix.Write(w, []byte("abc"))
	require.NoError(t, err)

	var pending int32
	_, err = ip.Ioctl(r, unix.TIOCINQ, uintptr(unsafe.Pointer(&pending)))
	require.NoError(t, err)
	assert.Equal(t, int32(3), pending)
}

func TestDeviceOpenClose(t *testing.T) {
	dsp, mixer := newFakePoller(), newFakeMixer()
	ip := newInterposer(t, dsp, mixer, nil)

	testCases := []struct {
		path  string
		class aoss.Class
		dev   *fakeDevice
	}{
		{"/dev/dsp", aoss.ClassDSP, dsp.fakeDevice},
		{"/dev/dsp1", aoss.ClassDSP, dsp.fakeDevice},
		{"/dev/audio", aoss.ClassDSP, dsp.fakeDevice},
		{"/dev/mixer", aoss.ClassMixer, mixer.fakeDevice},
		{"/dev/sound/mixer1", aoss.ClassMixer, mixer.fakeDevice},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			fd, err := ip.Open(tc.path, unix.O_RDWR, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.path, tc.dev.opened[fd])

			closed := tc.dev.closedCount(fd)

			class, ok := ip.Managed(fd)
			require.True(t, ok, "device descriptor should be managed")
			assert.Equal(t, tc.class, class)
			assert.Equal(t, 1, ip.NumManaged())

			require.NoError(t, ip.Close(fd))

			_, ok = ip.Managed(fd)
			assert.False(t, ok, "closed descriptor slot should be empty")
			assert.Equal(t, closed+1, tc.dev.closedCount(fd), "backend close should run exactly once")
			assert.Equal(t, 0, ip.NumManaged())
		})
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	dsp := newFakePoller()
	dsp.openErr = unix.EBUSY
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	assert.ErrorIs(t, err, unix.EBUSY)
	assert.Equal(t, -1, fd)
	assert.Equal(t, 0, ip.NumManaged())
}

func TestDeviceTableFull(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), &aoss.Config{MaxDescriptors: 1})

	first, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	require.NoError(t, err)

	fd, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.Equal(t, -1, fd)

	require.Len(t, dsp.closed, 1, "the unregistered backend descriptor should be closed")
	assert.NotEqual(t, first, dsp.closed[0])
	assert.Equal(t, 1, ip.NumManaged())

	require.NoError(t, ip.Close(first))

	fd, err = ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	require.NoError(t, err, "a freed slot should be reusable")
	require.NoError(t, ip.Close(fd))
}

func TestDeviceCloseFailurePanics(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	require.NoError(t, err)

	dsp.closeErr = errors.New("backend gone")

	assert.Panics(t, func() {
		_ = ip.Close(fd)
	})

	_, ok := ip.Managed(fd)
	assert.False(t, ok, "the record should be removed before the backend close")
}

func TestDeviceReadWriteIoctl(t *testing.T) {
	dsp, mixer := newFakePoller(), newFakeMixer()
	ip := newInterposer(t, dsp, mixer, nil)

	fd, err := ip.Open("/dev/dsp", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer ip.Close(fd)

	n, err := ip.Write(fd, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, dsp.written[fd])

	buf := make([]byte, 8)
	n, err = ip.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[:n])

	ret, err := ip.Ioctl(fd, 0x5000, 42)
	require.NoError(t, err)
	assert.Equal(t, 0x5000, ret)
	assert.Equal(t, []uintptr{42}, dsp.ioctls, "the ioctl argument should reach the backend unchanged")

	mfd, err := ip.Open("/dev/mixer", unix.O_RDWR, 0)
	require.NoError(t, err)
	defer ip.Close(mfd)

	_, err = ip.Read(mfd, buf)
	assert.ErrorIs(t, err, unix.EBADFD, "mixer read should be unsupported")

	_, err = ip.Write(mfd, buf)
	assert.ErrorIs(t, err, unix.EBADFD, "mixer write should be unsupported")

	_, err = ip.Ioctl(mfd, 0x80044d00, 7)
	require.NoError(t, err)
	assert.Equal(t, []uintptr{7}, mixer.ioctls)
}

func TestFcntl(t *testing.T) {
	dsp := newFakePoller()
	ip := newInterposer(t, dsp, newFakeMixer(), nil)

	fd, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	require.NoError(t, err)
	defer ip.Close(fd)

	flags, err := ip.Fcntl(fd, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, unix.O_WRONLY, flags)

	_, err = ip.Fcntl(fd, unix.F_SETFL, unix.O_NONBLOCK)
	require.NoError(t, err)
	assert.True(t, dsp.nonblock[fd])

	flags, err = ip.Fcntl(fd, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, unix.O_WRONLY|unix.O_NONBLOCK, flags)

	_, err = ip.Fcntl(fd, unix.F_SETFL, 0)
	require.NoError(t, err)
	assert.False(t, dsp.nonblock[fd])

	flags, err = ip.Fcntl(fd, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, unix.O_WRONLY, flags, "clearing O_NONBLOCK should restore the open flags exactly")

	dsp.nonblockErr = unix.EIO

	_, err = ip.Fcntl(fd, unix.F_SETFL, unix.O_NONBLOCK)
	assert.ErrorIs(t, err, unix.EIO)

	flags, err = ip.Fcntl(fd, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, unix.O_WRONLY, flags, "a failed F_SETFL must leave the flags unchanged")

	// Other commands act on the descriptor itself.
	fdflags, err := ip.Fcntl(fd, unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.Equal(t, unix.FD_CLOEXEC, fdflags&unix.FD_CLOEXEC)
}

func TestFcntlPassthrough(t *testing.T) {
	ip := newInterposer(t, newFakePoller(), newFakeMixer(), nil)

	r, _ := newPipe(t)

	want, err := unix.FcntlInt(uintptr(r), unix.F_GETFL, 0)
	require.NoError(t, err)

	got, err := ip.Fcntl(r, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NotZero(t, got&unix.O_NONBLOCK)
}

// gathered returns the value of the series name with the given label values, in label order.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

	next:
		for _, m := range mf.GetMetric() {
			pairs := m.GetLabel()
			if len(pairs) != len(labels) {
				continue
			}

			for i, lp := range pairs {
				if lp.GetValue() != labels[i] {
					continue next
				}
			}

			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}

			return m.GetCounter().GetValue()
		}
	}

	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ip := newInterposer(t, newFakePoller(), newFakeMixer(), &aoss.Config{Registerer: reg})

	fd, err := ip.Open("/dev/dsp", unix.O_WRONLY, 0)
	require.NoError(t, err)

	_, err = ip.Write(fd, []byte{0, 0})
	require.NoError(t, err)

	assert.Equal(t, 1.0, gathered(t, reg, "aoss_open_descriptors"))
	assert.Equal(t, 1.0, gathered(t, reg, "aoss_dispatch_total", "dsp", "open"))
	assert.Equal(t, 1.0, gathered(t, reg, "aoss_dispatch_total", "dsp", "write"))

	require.NoError(t, ip.Close(fd))

	assert.Zero(t, gathered(t, reg, "aoss_open_descriptors"))
	assert.Equal(t, 1.0, gathered(t, reg, "aoss_dispatch_total", "dsp", "close"))

	r, _ := newPipe(t)
	_, err = ip.Poll([]unix.PollFd{{Fd: int32(r), Events: unix.POLLIN}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, gathered(t, reg, "aoss_wait_total", "poll", "direct"))
}
