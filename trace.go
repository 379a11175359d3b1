package aoss

import (
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// tracePoll logs a poll list when debug tracing is enabled.
func (ip *Interposer) tracePoll(stage string, fds []unix.PollFd, timeout int) {
	if !ip.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}

	ip.log.WithFields(logrus.Fields{"stage": stage, "nfds": len(fds), "timeout": timeout}).Debug("poll")

	for _, pfd := range fds {
		ip.log.WithFields(logrus.Fields{
			"stage":   stage,
			"fd":      pfd.Fd,
			"events":  uint16(pfd.Events),
			"revents": uint16(pfd.Revents),
		}).Debug("poll entry")
	}
}

// traceSelect logs select sets as strings of 0 and 1, one character per descriptor.
func (ip *Interposer) traceSelect(stage string, nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) {
	if !ip.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}

	fields := logrus.Fields{"stage": stage, "nfds": nfd}
	if timeout != nil {
		fields["timeout"] = timeout.Nano()
	}

	if r != nil {
		fields["rfds"] = setString(r, nfd)
	}

	if w != nil {
		fields["wfds"] = setString(w, nfd)
	}

	if e != nil {
		fields["efds"] = setString(e, nfd)
	}

	ip.log.WithFields(fields).Debug("select")
}

func setString(set *unix.FdSet, nfd int) string {
	nfd = min(nfd, fdSetSize)

	var sb strings.Builder
	sb.Grow(nfd)

	for fd := 0; fd < nfd; fd++ {
		if set.IsSet(fd) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}

	return sb.String()
}
