//go:build linux && (amd64 || arm64)

package oss

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/internal/alsa"
)

// PollFds returns the number of substreams of fd.
func (d *DSP) PollFds(fd int) int {
	f, err := d.file(fd)
	if err != nil {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, pcm := range f.pcms {
		if pcm != nil {
			n++
		}
	}

	return n
}

// PollPrepare readies the substreams dir is interested in and writes one entry for each.
func (d *DSP) PollPrepare(fd int, dir aoss.Direction, out []unix.PollFd) (int, error) {
	f, err := d.file(fd)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, s := range streams(dir) {
		pcm := f.pcms[s]
		if pcm == nil || n >= len(out) {
			continue
		}

		if err := f.ready(s, d.opts); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{"fd": fd, "stream": s}).Warn("cannot wait on stream")

			return 0, err
		}

		events := int16(unix.POLLOUT)
		if s == alsa.Capture {
			events = unix.POLLIN
		}

		out[n] = unix.PollFd{Fd: int32(pcm.Fd()), Events: events}
		n++
	}

	return n, nil
}

// PollResult folds the returned events of the substreams of fd.
func (d *DSP) PollResult(fd int, in []unix.PollFd) (aoss.Event, error) {
	if _, err := d.file(fd); err != nil {
		return 0, err
	}

	var ev aoss.Event
	for _, p := range in {
		ev |= eventOf(p.Revents)
	}

	return ev, nil
}

// SelectPrepare readies the substreams dir is interested in and adds them to the sets.
func (d *DSP) SelectPrepare(fd int, dir aoss.Direction, r, w, e *unix.FdSet) (int, error) {
	f, err := d.file(fd)
	if err != nil {
		return -1, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	high := -1

	for _, s := range streams(dir) {
		pcm := f.pcms[s]
		if pcm == nil {
			continue
		}

		if err := f.ready(s, d.opts); err != nil {
			return -1, err
		}

		kfd := pcm.Fd()
		if s == alsa.Capture {
			r.Set(kfd)
		} else {
			w.Set(kfd)
		}

		if e != nil {
			e.Set(kfd)
		}

		high = max(high, kfd)
	}

	return high, nil
}

// SelectResult reads back the bits of the substreams of fd.
func (d *DSP) SelectResult(fd int, r, w, e *unix.FdSet) (aoss.Event, error) {
	f, err := d.file(fd)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var ev aoss.Event

	if pcm := f.pcms[alsa.Capture]; pcm != nil && r.IsSet(pcm.Fd()) {
		ev |= aoss.EventRead
	}

	if pcm := f.pcms[alsa.Playback]; pcm != nil && w.IsSet(pcm.Fd()) {
		ev |= aoss.EventWrite
	}

	if e != nil {
		for _, pcm := range f.pcms {
			if pcm != nil && e.IsSet(pcm.Fd()) {
				ev |= aoss.EventError
			}
		}
	}

	return ev, nil
}

// x/sys/unix has no POLLRDNORM and POLLWRNORM on Linux.
const (
	pollRdNorm = 0x40
	pollWrNorm = 0x100
)

// streams returns the substream directions dir is interested in.
func streams(dir aoss.Direction) []alsa.Stream {
	switch dir {
	case aoss.DirRead:
		return []alsa.Stream{alsa.Capture}
	case aoss.DirWrite:
		return []alsa.Stream{alsa.Playback}
	default:
		return []alsa.Stream{alsa.Playback, alsa.Capture}
	}
}

// eventOf interprets the returned events of a substream. An xrun shows as POLLERR next to
// the ready bit; it is not reported because the next transfer recovers from it.
func eventOf(revents int16) aoss.Event {
	var ev aoss.Event

	if revents&(unix.POLLIN|pollRdNorm) != 0 {
		ev |= aoss.EventRead
	}

	if revents&(unix.POLLOUT|pollWrNorm) != 0 {
		ev |= aoss.EventWrite
	}

	if ev == 0 && revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		ev = aoss.EventError
	}

	return ev
}
