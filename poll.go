package aoss

import (
	"golang.org/x/sys/unix"
)

// readyEvents are the interest bits reported at once for a descriptor that never needs to wait.
const readyEvents = unix.POLLIN | unix.POLLOUT | pollRdNorm | pollWrNorm

// x/sys/unix has no POLLRDNORM and POLLWRNORM on Linux.
const (
	pollRdNorm = 0x40
	pollWrNorm = 0x100
)

type waitKind int

const (
	waitKernel    waitKind = iota // forwarded to the kernel as is
	waitTranslate                 // expanded by a Poller
	waitReady                     // ready without waiting
)

// pollEntry ties a caller entry to its slots of the expanded kernel list.
type pollEntry struct {
	kind   waitKind
	poller Poller
	slots  int
}

// Poll waits for events on fds like poll(2).
//
// Device descriptors are expanded into the kernel descriptors their backend waits on, the kernel
// poll runs on the expanded list, and the results are folded back into fds. When fds holds no
// device descriptor the call goes straight to the kernel. The returned count is the number of
// entries with a non-zero Revents. If a backend cannot prepare its descriptor the call fails
// with that error before anything is waited on.
func (ip *Interposer) Poll(fds []unix.PollFd, timeout int) (int, error) {
	var (
		entries   = make([]pollEntry, len(fds))
		kfds      = make([]unix.PollFd, 0, len(fds)+max(int(ip.pollExtra.Load()), 0)+16)
		direct    = true
		immediate = false
	)

	for i := range fds {
		fds[i].Revents = 0
		fd := int(fds[i].Fd)

		class, ok := ip.table.class(fd)
		if !ok {
			kfds = append(kfds, unix.PollFd{Fd: fds[i].Fd, Events: fds[i].Events})
			entries[i] = pollEntry{kind: waitKernel, slots: 1}

			continue
		}

		direct = false

		poller, ok := ip.devices[class].(Poller)
		if !ok {
			entries[i] = pollEntry{kind: waitReady}
			immediate = true

			continue
		}

		want := poller.PollFds(fd)
		if want < 0 {
			want = 0
		}

		start := len(kfds)
		kfds = append(kfds, make([]unix.PollFd, want)...)

		n, err := poller.PollPrepare(fd, pollDirection(fds[i].Events), kfds[start:])
		if err != nil {
			return -1, err
		}

		n = min(max(n, 0), want)

		kfds = kfds[:start+n]

		if n == 0 {
			entries[i] = pollEntry{kind: waitReady}
			immediate = true

			continue
		}

		entries[i] = pollEntry{kind: waitTranslate, poller: poller, slots: n}
	}

	ip.metrics.waited("poll", direct)

	if direct {
		return ip.kernel.Poll(fds, timeout)
	}

	// Entries that are ready already must not be held up by the kernel wait.
	ktimeout := timeout
	if immediate {
		ktimeout = 0
	}

	ip.tracePoll("orig enter", fds, timeout)
	ip.tracePoll("changed enter", kfds, ktimeout)

	count := 0
	if len(kfds) > 0 {
		var err error
		if count, err = ip.kernel.Poll(kfds, ktimeout); err != nil {
			return count, err
		}
	}

	if count == 0 && !immediate {
		return 0, nil
	}

	ready := 0
	k := 0
	for i := range fds {
		var revents int16

		switch e := entries[i]; e.kind {
		case waitKernel:
			revents = kfds[k].Revents
		case waitReady:
			revents = fds[i].Events & readyEvents
		case waitTranslate:
			revents = pollEvents(e.poller.PollResult(int(fds[i].Fd), kfds[k:k+e.slots]))
		}

		k += entries[i].slots

		fds[i].Revents = revents
		if revents != 0 {
			ready++
		}
	}

	ip.tracePoll("changed exit", kfds, ktimeout)
	ip.tracePoll("orig exit", fds, timeout)

	return ready, nil
}

// pollDirection infers the direction of interest from a poll events mask.
func pollDirection(events int16) Direction {
	switch {
	case events&(unix.POLLIN|unix.POLLOUT) == unix.POLLIN|unix.POLLOUT:
		return DirBoth
	case events&unix.POLLIN != 0:
		return DirRead
	default:
		return DirWrite
	}
}

// pollEvents converts a backend interpretation into a revents mask.
func pollEvents(ev Event, err error) int16 {
	if err != nil {
		return unix.POLLNVAL
	}

	var revents int16
	if ev&EventError != 0 {
		revents |= unix.POLLERR
	}

	if ev&EventRead != 0 {
		revents |= unix.POLLIN
	}

	if ev&EventWrite != 0 {
		revents |= unix.POLLOUT
	}

	return revents
}
