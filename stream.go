package aoss

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// Stream is a buffered stream over a descriptor opened through an Interposer,
// the counterpart of a stdio FILE.
type Stream struct {
	ip *Interposer
	fd int
	r  *bufio.Reader
	w  *bufio.Writer
}

// OpenStream opens path with an fopen(3) style mode ("r", "w", "a", optionally with "+"; "b" is ignored).
// Device paths are served by their backend, other paths by the kernel.
func (ip *Interposer) OpenStream(path, mode string) (*Stream, error) {
	flags, err := streamFlags(mode)
	if err != nil {
		return nil, err
	}

	fd, err := ip.Open(path, flags|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	s := &Stream{ip: ip, fd: fd}
	raw := &fdStream{ip: ip, fd: fd}

	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		s.r = bufio.NewReader(raw)
	case unix.O_WRONLY:
		s.w = bufio.NewWriter(raw)
	default:
		s.r = bufio.NewReader(raw)
		s.w = bufio.NewWriter(raw)
	}

	return s, nil
}

// streamFlags translates an fopen mode into open flags.
func streamFlags(mode string) (int, error) {
	mode = strings.ReplaceAll(mode, "b", "")
	if mode == "" {
		return 0, fmt.Errorf("invalid stream mode %q: %w", mode, unix.EINVAL)
	}

	plus := strings.HasSuffix(mode, "+")
	if len(mode) > 2 || (len(mode) == 2 && !plus) {
		return 0, fmt.Errorf("invalid stream mode %q: %w", mode, unix.EINVAL)
	}

	var flags int
	switch mode[0] {
	case 'r':
		flags = unix.O_RDONLY
	case 'w':
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	case 'a':
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
	default:
		return 0, fmt.Errorf("invalid stream mode %q: %w", mode, unix.EINVAL)
	}

	if plus {
		flags = flags&^unix.O_ACCMODE | unix.O_RDWR
	}

	return flags, nil
}

// Fd returns the underlying descriptor.
func (s *Stream) Fd() int {
	return s.fd
}

// Read reads buffered data from the stream.
func (s *Stream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, unix.EBADF
	}

	if s.w != nil && s.w.Buffered() > 0 {
		if err := s.w.Flush(); err != nil {
			return 0, err
		}
	}

	return s.r.Read(p)
}

// Write writes to the stream buffer.
func (s *Stream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, unix.EBADF
	}

	return s.w.Write(p)
}

// Flush writes any buffered data to the descriptor.
func (s *Stream) Flush() error {
	if s.w == nil {
		return nil
	}

	return s.w.Flush()
}

// Close flushes the stream and closes its descriptor.
func (s *Stream) Close() error {
	if s.fd < 0 {
		return nil
	}

	flushErr := s.Flush()
	closeErr := s.ip.Close(s.fd)
	s.fd = -1

	return errors.Join(flushErr, closeErr)
}

// fdStream adapts a descriptor of an Interposer to io.Reader and io.Writer.
type fdStream struct {
	ip *Interposer
	fd int
}

func (f *fdStream) Read(p []byte) (int, error) {
	n, err := f.ip.Read(f.fd, p)
	if err != nil {
		return 0, err
	}

	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}

	return n, nil
}

func (f *fdStream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := f.ip.Write(f.fd, p[written:])
		if err != nil {
			return written, err
		}

		if n == 0 {
			return written, io.ErrShortWrite
		}

		written += n
	}

	return written, nil
}
