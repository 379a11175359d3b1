//go:build linux && (amd64 || arm64)

package oss

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/internal/alsa"
)

// placeholder is opened to obtain the descriptor number handed to the caller.
const placeholder = "/dev/null"

// DSP serves the digital audio devices. Each open descriptor owns one ALSA substream
// per direction it was opened for.
type DSP struct {
	opts Options
	log  logrus.FieldLogger

	mu    sync.Mutex
	files map[int]*dspFile
}

var (
	_ aoss.Device = (*DSP)(nil)
	_ aoss.Poller = (*DSP)(nil)
)

// NewDSP creates the DSP device class.
func NewDSP(opts Options) *DSP {
	return &DSP{
		opts:  opts,
		log:   opts.logger().WithField("class", "dsp"),
		files: make(map[int]*dspFile),
	}
}

// dspFile is the state behind one open DSP descriptor.
type dspFile struct {
	mu sync.Mutex

	fd       int
	card     uint
	pcms     [2]*alsa.PCM // Indexed by alsa.Stream; nil for a direction that is not open.
	params   [2]*alsa.PcmParams
	dirty    [2]bool
	mmap     [2]bool
	lastHw   [2]uint64
	format   alsa.PcmFormat
	rate     uint32
	channels uint32
	trigger  int32
	nonblock bool

	// fragShift and fragCount are the fragment layout requested with SETFRAGMENT; 0 means default.
	fragShift uint32
	fragCount uint32
}

// Open opens the ALSA substreams for the access mode in flags. /dev/audio starts out as
// 8 kHz mono mu-law and the other devices as 8 kHz mono unsigned 8-bit.
func (d *DSP) Open(path string, flags int) (int, error) {
	var streams []alsa.Stream

	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		streams = []alsa.Stream{alsa.Capture}
	case unix.O_WRONLY:
		streams = []alsa.Stream{alsa.Playback}
	case unix.O_RDWR:
		streams = []alsa.Stream{alsa.Playback, alsa.Capture}
	default:
		return -1, unix.EINVAL
	}

	f := &dspFile{
		fd:       -1,
		card:     cardFromPath(path, d.opts.Card),
		format:   alsa.SNDRV_PCM_FORMAT_U8,
		rate:     8000,
		channels: 1,
		trigger:  PCM_ENABLE_INPUT | PCM_ENABLE_OUTPUT,
		nonblock: flags&unix.O_NONBLOCK != 0,
		dirty:    [2]bool{true, true},
	}

	if strings.Contains(path, "audio") {
		f.format = alsa.SNDRV_PCM_FORMAT_MU_LAW
	}

	for _, s := range streams {
		pcm, err := d.openPCM(f.card, s, f.nonblock)
		if err != nil {
			_ = f.close()

			return -1, err
		}

		f.pcms[s] = pcm

		params, err := pcm.Refine()
		if err != nil {
			_ = f.close()

			return -1, err
		}

		f.params[s] = params
	}

	fd, err := unix.Open(placeholder, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = f.close()

		return -1, fmt.Errorf("failed to open %s: %w", placeholder, err)
	}

	f.fd = fd

	d.mu.Lock()
	d.files[fd] = f
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"fd": fd, "path": path, "card": f.card, "streams": len(streams)}).Debug("opened")

	return fd, nil
}

// openPCM opens substream s of card. A blocking open of a busy substream is retried
// until Options.BusyTimeout has passed.
func (d *DSP) openPCM(card uint, s alsa.Stream, nonblock bool) (*alsa.PCM, error) {
	pcm, err := alsa.PcmOpen(card, 0, s, nonblock)
	if nonblock || d.opts.BusyTimeout <= 0 || !errors.Is(err, unix.EBUSY) {
		return pcm, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = d.opts.BusyTimeout

	var fatal error

	err = backoff.RetryNotify(func() error {
		var err error

		pcm, err = alsa.PcmOpen(card, 0, s, false)
		if err != nil && !errors.Is(err, unix.EBUSY) {
			fatal = err

			return nil
		}

		return err
	}, b, func(err error, wait time.Duration) {
		d.log.WithFields(logrus.Fields{"card": card, "stream": s, "wait": wait}).Debug("device busy")
	})

	if fatal != nil {
		return nil, fatal
	}

	return pcm, err
}

// Close stops and closes the substreams of fd.
func (d *DSP) Close(fd int) error {
	d.mu.Lock()
	f, ok := d.files[fd]
	delete(d.files, fd)
	d.mu.Unlock()

	if !ok {
		return unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d.log.WithField("fd", fd).Debug("closed")

	return f.close()
}

func (d *DSP) file(fd int) (*dspFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[fd]
	if !ok {
		return nil, unix.EBADF
	}

	return f, nil
}

// Write plays p. Hardware parameters changed since the last transfer are applied first.
func (d *DSP) Write(fd int, p []byte) (int, error) {
	pcm, err := d.transfer(fd, alsa.Playback)
	if err != nil {
		return 0, err
	}

	return pcm.Write(p)
}

// Read records into p.
func (d *DSP) Read(fd int, p []byte) (int, error) {
	pcm, err := d.transfer(fd, alsa.Capture)
	if err != nil {
		return 0, err
	}

	return pcm.Read(p)
}

// transfer readies the substream of fd in direction s for a read or write.
func (d *DSP) transfer(fd int, s alsa.Stream) (*alsa.PCM, error) {
	f, err := d.file(fd)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	pcm := f.pcms[s]
	if pcm == nil {
		return nil, unix.EBADF
	}

	if f.mmap[s] {
		return nil, unix.EBUSY
	}

	if err := f.setup(s, d.opts); err != nil {
		return nil, err
	}

	return pcm, nil
}

// SetNonblock toggles non-blocking mode of the substreams of fd.
func (d *DSP) SetNonblock(fd int, nonblock bool) error {
	f, err := d.file(fd)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.setNonblock(nonblock)
}

// Mmap maps the ALSA buffer of the playback substream if prot allows writing,
// and of the capture substream otherwise.
func (d *DSP) Mmap(fd int, _ unsafe.Pointer, length uintptr, prot, _ int, offset int64) (unsafe.Pointer, error) {
	f, err := d.file(fd)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s := alsa.Capture
	if prot&unix.PROT_WRITE != 0 {
		s = alsa.Playback
	}

	if f.pcms[s] == nil || offset != 0 {
		return nil, unix.EINVAL
	}

	f.mmap[s] = true
	f.dirty[s] = true

	if err := f.setup(s, d.opts); err != nil {
		f.mmap[s] = false

		return nil, err
	}

	buf := f.pcms[s].MmapBuffer()
	if len(buf) == 0 || uintptr(len(buf)) < length {
		d.log.WithFields(logrus.Fields{"fd": fd, "length": length, "buffer": len(buf)}).Warn("mapping exceeds the device buffer")

		f.mmap[s] = false
		f.dirty[s] = true

		return nil, unix.EINVAL
	}

	d.log.WithFields(logrus.Fields{"fd": fd, "stream": s, "length": length}).Debug("mapped")

	return unsafe.Pointer(&buf[0]), nil
}

// Munmap releases the mapping at addr. The ALSA buffer itself stays mapped until
// the substream is reconfigured or closed.
func (d *DSP) Munmap(fd int, addr unsafe.Pointer, _ uintptr) error {
	f, err := d.file(fd)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for s, pcm := range f.pcms {
		if pcm == nil || !f.mmap[s] {
			continue
		}

		if buf := pcm.MmapBuffer(); len(buf) > 0 && unsafe.Pointer(&buf[0]) == addr {
			f.mmap[s] = false
			f.dirty[s] = true

			return nil
		}
	}

	return unix.EINVAL
}

// config returns the ALSA configuration of direction s.
func (f *dspFile) config(s alsa.Stream, opts Options) alsa.Config {
	config := alsa.Config{
		Channels:    f.channels,
		Rate:        f.rate,
		Format:      f.format,
		PeriodSize:  opts.PeriodSize,
		PeriodCount: opts.Periods,
		Mmap:        f.mmap[s],
	}

	if f.fragShift > 0 {
		if frame := alsa.FrameSize(f.format, f.channels); frame > 0 {
			config.PeriodSize = max((uint32(1)<<f.fragShift)/frame, 1)
		}
	}

	if f.fragCount > 0 {
		config.PeriodCount = f.fragCount
	}

	return config
}

// setup applies pending hardware parameter changes to direction s.
func (f *dspFile) setup(s alsa.Stream, opts Options) error {
	pcm := f.pcms[s]
	if pcm == nil {
		return nil
	}

	if !f.dirty[s] && pcm.Configured() {
		return nil
	}

	if err := pcm.SetConfig(f.config(s, opts)); err != nil {
		return fmt.Errorf("failed to configure %s stream: %w", s, err)
	}

	f.dirty[s] = false
	f.lastHw[s] = 0

	return nil
}

// ready sets up direction s and prepares it, so that the substream can be waited on.
// A capture substream is started when input is enabled.
func (f *dspFile) ready(s alsa.Stream, opts Options) error {
	if err := f.setup(s, opts); err != nil {
		return err
	}

	pcm := f.pcms[s]

	switch pcm.State() {
	case alsa.SNDRV_PCM_STATE_SETUP, alsa.SNDRV_PCM_STATE_XRUN:
		if err := pcm.Prepare(); err != nil {
			return err
		}
	}

	if s == alsa.Capture && f.trigger&PCM_ENABLE_INPUT != 0 && pcm.State() == alsa.SNDRV_PCM_STATE_PREPARED {
		return pcm.Start()
	}

	return nil
}

// markDirty makes the next transfer reconfigure every direction.
func (f *dspFile) markDirty() {
	f.dirty = [2]bool{true, true}
}

func (f *dspFile) setNonblock(nonblock bool) error {
	for _, pcm := range f.pcms {
		if pcm == nil {
			continue
		}

		if err := pcm.SetNonblock(nonblock); err != nil {
			return err
		}
	}

	f.nonblock = nonblock

	return nil
}

// first returns the first open substream, playback before capture.
func (f *dspFile) first() *alsa.PCM {
	if f.pcms[alsa.Playback] != nil {
		return f.pcms[alsa.Playback]
	}

	return f.pcms[alsa.Capture]
}

func (f *dspFile) close() error {
	var errs []error

	for s, pcm := range f.pcms {
		if pcm == nil {
			continue
		}

		if err := pcm.Close(); err != nil {
			errs = append(errs, err)
		}

		f.pcms[s] = nil
	}

	if f.fd >= 0 {
		if err := unix.Close(f.fd); err != nil {
			errs = append(errs, err)
		}

		f.fd = -1
	}

	return errors.Join(errs...)
}
