package aoss

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// fdSetSize is the number of descriptors a unix.FdSet can hold.
const fdSetSize = int(unsafe.Sizeof(unix.FdSet{}) * 8)

// Select waits for descriptors in r, w and e to become ready like select(2).
//
// The kernel always waits on working copies of the sets, in which each device descriptor is
// replaced by the kernel descriptors its backend waits on. The caller's sets are only written
// when the final result is known. When no device descriptor is of interest the call goes
// straight to the kernel.
func (ip *Interposer) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	var r1, w1, e1 unix.FdSet

	// instant marks the device descriptors that are ready without waiting.
	var instant unix.FdSet
	if r != nil {
		r1 = *r
	}

	if w != nil {
		w1 = *w
	}

	var ework *unix.FdSet
	if e != nil {
		e1 = *e
		ework = &e1
	}

	var (
		limit     = min(nfd, fdSetSize)
		nfd1      = nfd
		direct    = true
		immediate = false
	)

	for fd := 0; fd < limit; fd++ {
		rs, ws, es := isSet(r, fd), isSet(w, fd), isSet(e, fd)
		if !rs && !ws && !es {
			continue
		}

		class, ok := ip.table.class(fd)
		if !ok {
			continue
		}

		direct = false

		poller, ok := ip.devices[class].(Poller)
		if !ok {
			instant.Set(fd)
			immediate = true
		} else {
			var except *unix.FdSet
			if es {
				except = ework
			}

			high, err := poller.SelectPrepare(fd, selectDirection(rs, ws), &r1, &w1, except)
			switch {
			case err != nil:
				return -1, err
			case high >= fdSetSize:
				return -1, unix.EINVAL
			case high < 0:
				instant.Set(fd)
				immediate = true
			case high+1 > nfd1:
				nfd1 = high + 1
			}
		}

		// The device descriptor itself is never waited on.
		if rs {
			r1.Clear(fd)
		}

		if ws {
			w1.Clear(fd)
		}

		if es {
			e1.Clear(fd)
		}
	}

	ip.metrics.waited("select", direct)

	if direct {
		return ip.kernel.Select(nfd, r, w, e, timeout)
	}

	ktimeout := timeout
	if immediate {
		ktimeout = &unix.Timeval{}
	}

	ip.traceSelect("orig enter", nfd, r, w, e, timeout)
	ip.traceSelect("changed enter", nfd1, &r1, &w1, ework, ktimeout)

	count, err := ip.kernel.Select(nfd1, &r1, &w1, ework, ktimeout)
	if err != nil {
		return count, err
	}

	if count == 0 && !immediate {
		zeroSet(r)
		zeroSet(w)
		zeroSet(e)

		return 0, nil
	}

	ready := 0
	for fd := 0; fd < limit; fd++ {
		rs, ws, es := isSet(r, fd), isSet(w, fd), isSet(e, fd)
		if !rs && !ws && !es {
			continue
		}

		var rr, wr, er bool

		class, ok := ip.table.class(fd)
		switch {
		case !ok:
			rr = rs && r1.IsSet(fd)
			wr = ws && w1.IsSet(fd)
			er = es && e1.IsSet(fd)
		case instant.IsSet(fd):
			rr, wr = rs, ws
		default:
			poller, ok := ip.devices[class].(Poller)
			if !ok {
				rr, wr = rs, ws

				break
			}

			ev, err := poller.SelectResult(fd, &r1, &w1, ework)
			if err != nil {
				er = es

				break
			}

			rr = rs && ev&EventRead != 0
			wr = ws && ev&EventWrite != 0
			er = es && ev&EventError != 0
		}

		if rs && !rr {
			r.Clear(fd)
		}

		if ws && !wr {
			w.Clear(fd)
		}

		if es && !er {
			e.Clear(fd)
		}

		if rr || wr || er {
			ready++
		}
	}

	ip.traceSelect("changed exit", nfd1, &r1, &w1, ework, ktimeout)
	ip.traceSelect("orig exit", nfd, r, w, e, timeout)

	return ready, nil
}

// selectDirection derives the direction of interest from read and write interest.
// A descriptor with only exceptional interest is treated as a writer.
func selectDirection(read, write bool) Direction {
	switch {
	case read && write:
		return DirBoth
	case read:
		return DirRead
	default:
		return DirWrite
	}
}

func isSet(set *unix.FdSet, fd int) bool {
	return set != nil && set.IsSet(fd)
}

func zeroSet(set *unix.FdSet) {
	if set != nil {
		set.Zero()
	}
}
