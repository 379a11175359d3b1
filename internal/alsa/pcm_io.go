//go:build linux && (amd64 || arm64)

package alsa

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Write writes interleaved frames to a playback stream and returns the number of bytes written.
// Only whole frames are written; a buffer shorter than one frame fails with EINVAL.
// An underrun is recovered from by preparing the stream again.
// In non-blocking mode it returns what fit, or EAGAIN if nothing did.
func (p *PCM) Write(data []byte) (int, error) {
	if p.stream != Playback {
		return 0, fmt.Errorf("cannot write to a capture device: %w", unix.EBADFD)
	}

	frames := PcmBytesToFrames(p, uint32(len(data)))
	if frames == 0 {
		return 0, fmt.Errorf("write of %d bytes is less than a frame: %w", len(data), unix.EINVAL)
	}

	defer runtime.KeepAlive(data)

	if p.State() == SNDRV_PCM_STATE_SETUP {
		if err := p.Prepare(); err != nil {
			return 0, err
		}
	}

	framesWritten := uint32(0)
	for framesWritten < frames {
		xfer := sndXferi{
			Frames: SndPcmUframesT(frames - framesWritten),
			Buf:    uintptr(unsafe.Pointer(&data[PcmFramesToBytes(p, framesWritten)])),
		}

		err := ioctl(p.fd, SNDRV_PCM_IOCTL_WRITEI_FRAMES, uintptr(unsafe.Pointer(&xfer)))

		if xfer.Result > 0 {
			framesWritten += uint32(xfer.Result)
		}

		if err != nil {
			if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ESTRPIPE) {
				if errRec := p.xrunRecover(err); errRec != nil {
					return int(PcmFramesToBytes(p, framesWritten)), errRec
				}

				continue
			}

			if errors.Is(err, unix.EAGAIN) {
				if framesWritten > 0 {
					break
				}

				return 0, unix.EAGAIN
			}

			return int(PcmFramesToBytes(p, framesWritten)), fmt.Errorf("ioctl WRITEI_FRAMES failed: %w", err)
		}
	}

	return int(PcmFramesToBytes(p, framesWritten)), nil
}

// Read reads interleaved frames from a capture stream and returns the number of bytes read.
// The stream is started on the first read.
func (p *PCM) Read(data []byte) (int, error) {
	if p.stream != Capture {
		return 0, fmt.Errorf("cannot read from a playback device: %w", unix.EBADFD)
	}

	frames := PcmBytesToFrames(p, uint32(len(data)))
	if frames == 0 {
		return 0, fmt.Errorf("read of %d bytes is less than a frame: %w", len(data), unix.EINVAL)
	}

	defer runtime.KeepAlive(data)

	if p.State() == SNDRV_PCM_STATE_SETUP {
		if err := p.Prepare(); err != nil {
			return 0, err
		}
	}

	framesRead := uint32(0)
	for framesRead < frames {
		xfer := sndXferi{
			Frames: SndPcmUframesT(frames - framesRead),
			Buf:    uintptr(unsafe.Pointer(&data[PcmFramesToBytes(p, framesRead)])),
		}

		err := ioctl(p.fd, SNDRV_PCM_IOCTL_READI_FRAMES, uintptr(unsafe.Pointer(&xfer)))

		if xfer.Result > 0 {
			framesRead += uint32(xfer.Result)
		}

		if err != nil {
			if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ESTRPIPE) {
				if errRec := p.xrunRecover(err); errRec != nil {
					return int(PcmFramesToBytes(p, framesRead)), errRec
				}

				continue
			}

			if errors.Is(err, unix.EAGAIN) {
				if framesRead > 0 {
					break
				}

				return 0, unix.EAGAIN
			}

			return int(PcmFramesToBytes(p, framesRead)), fmt.Errorf("ioctl READI_FRAMES failed: %w", err)
		}
	}

	return int(PcmFramesToBytes(p, framesRead)), nil
}

// xrunRecover prepares the stream again after an underrun, overrun or suspend.
func (p *PCM) xrunRecover(err error) error {
	if errors.Is(err, unix.EPIPE) {
		p.xruns++
	}

	if prepErr := p.Prepare(); prepErr != nil {
		return fmt.Errorf("recovery from %w failed: %w", err, prepErr)
	}

	return nil
}
