//go:build linux && (amd64 || arm64)

package oss

import (
	"errors"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss/internal/alsa"
)

// DSP ioctl requests.
const (
	SNDCTL_DSP_RESET       = 0x00005000
	SNDCTL_DSP_SYNC        = 0x00005001
	SNDCTL_DSP_SPEED       = 0xc0045002
	SNDCTL_DSP_STEREO      = 0xc0045003
	SNDCTL_DSP_GETBLKSIZE  = 0xc0045004
	SNDCTL_DSP_SETFMT      = 0xc0045005
	SNDCTL_DSP_CHANNELS    = 0xc0045006
	SNDCTL_DSP_POST        = 0x00005008
	SNDCTL_DSP_SETFRAGMENT = 0xc004500a
	SNDCTL_DSP_GETFMTS     = 0x8004500b
	SNDCTL_DSP_GETOSPACE   = 0x8010500c
	SNDCTL_DSP_GETISPACE   = 0x8010500d
	SNDCTL_DSP_NONBLOCK    = 0x0000500e
	SNDCTL_DSP_GETCAPS     = 0x8004500f
	SNDCTL_DSP_GETTRIGGER  = 0x80045010
	SNDCTL_DSP_SETTRIGGER  = 0x40045010
	SNDCTL_DSP_GETIPTR     = 0x800c5011
	SNDCTL_DSP_GETOPTR     = 0x800c5012
	SNDCTL_DSP_SETDUPLEX   = 0x00005016
	SNDCTL_DSP_GETODELAY   = 0x80045017
	OSS_GETVERSION         = ossGetVersion
)

// Trigger bits of SNDCTL_DSP_GETTRIGGER and SNDCTL_DSP_SETTRIGGER.
const (
	PCM_ENABLE_INPUT  = 0x00000001
	PCM_ENABLE_OUTPUT = 0x00000002
)

// Capabilities reported by SNDCTL_DSP_GETCAPS.
const (
	DSP_CAP_REVISION = 0x000000ff
	DSP_CAP_DUPLEX   = 0x00000100
	DSP_CAP_REALTIME = 0x00000200
	DSP_CAP_BATCH    = 0x00000400
	DSP_CAP_TRIGGER  = 0x00001000
	DSP_CAP_MMAP     = 0x00002000
)

const (
	minFragShift = 4
	maxFragShift = 17
	maxFragments = 0x7fff // "As many as possible"
)

// AudioBufInfo is the argument of SNDCTL_DSP_GETOSPACE and SNDCTL_DSP_GETISPACE.
type AudioBufInfo struct {
	Fragments  int32 // Fragments that can be transferred without blocking.
	Fragstotal int32
	Fragsize   int32
	Bytes      int32 // Bytes that can be transferred without blocking.
}

// CountInfo is the argument of SNDCTL_DSP_GETOPTR and SNDCTL_DSP_GETIPTR.
type CountInfo struct {
	Bytes  int32 // Bytes processed since the stream was set up.
	Blocks int32 // Fragment transitions since the previous call.
	Ptr    int32 // Byte offset of the hardware pointer in the buffer.
}

// Ioctl handles the DSP requests. Requests that change the sample format, rate or channels
// take effect on the next transfer, poll or mapping.
func (d *DSP) Ioctl(fd int, req uint, arg uintptr) (int, error) {
	f, err := d.file(fd)
	if err != nil {
		return -1, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d.log.WithFields(logrus.Fields{"fd": fd, "req": req}).Trace("ioctl")

	switch req {
	case SNDCTL_DSP_RESET:
		return 0, f.reset()
	case SNDCTL_DSP_SYNC:
		return 0, f.sync()
	case SNDCTL_DSP_POST:
		return 0, f.post()
	case SNDCTL_DSP_NONBLOCK:
		return 0, f.setNonblock(true)
	case SNDCTL_DSP_SETDUPLEX:
		if f.pcms[alsa.Playback] == nil || f.pcms[alsa.Capture] == nil {
			return -1, unix.EINVAL
		}

		return 0, nil
	case SNDCTL_DSP_GETOSPACE, SNDCTL_DSP_GETISPACE:
		s := alsa.Playback
		if req == SNDCTL_DSP_GETISPACE {
			s = alsa.Capture
		}

		if arg == 0 {
			return -1, unix.EFAULT
		}

		return 0, f.space(s, d.opts, (*AudioBufInfo)(unsafe.Pointer(arg)))
	case SNDCTL_DSP_GETOPTR, SNDCTL_DSP_GETIPTR:
		s := alsa.Playback
		if req == SNDCTL_DSP_GETIPTR {
			s = alsa.Capture
		}

		if arg == 0 {
			return -1, unix.EFAULT
		}

		return 0, f.pointer(s, d.opts, (*CountInfo)(unsafe.Pointer(arg)))
	}

	v, err := intArg(arg)
	if err != nil {
		return -1, err
	}

	switch req {
	case SNDCTL_DSP_SPEED:
		if *v <= 0 {
			return -1, unix.EINVAL
		}

		f.rate = f.clamp(alsa.SNDRV_PCM_HW_PARAM_RATE, uint32(*v))
		f.markDirty()
		*v = int32(f.rate)
	case SNDCTL_DSP_CHANNELS:
		if *v <= 0 {
			return -1, unix.EINVAL
		}

		f.channels = f.clamp(alsa.SNDRV_PCM_HW_PARAM_CHANNELS, uint32(*v))
		f.markDirty()
		*v = int32(f.channels)
	case SNDCTL_DSP_STEREO:
		f.channels = f.clamp(alsa.SNDRV_PCM_HW_PARAM_CHANNELS, uint32(min(max(*v, 0), 1))+1)
		f.markDirty()
		*v = int32(f.channels) - 1
	case SNDCTL_DSP_SETFMT:
		if *v != AFMT_QUERY {
			if format, ok := ToALSA(int(*v)); ok && f.supports(format) {
				f.format = format
				f.markDirty()
			}
		}

		*v = int32(FromALSA(f.format))
	case SNDCTL_DSP_GETFMTS:
		mask := 0
		for afmt, format := range formats {
			if f.supports(format) {
				mask |= afmt
			}
		}

		*v = int32(mask)
	case SNDCTL_DSP_SETFRAGMENT:
		f.fragShift = min(max(uint32(*v)&0xffff, minFragShift), maxFragShift)
		f.fragCount = max(uint32(*v)>>16, 2)
		if f.fragCount >= maxFragments {
			f.fragCount = 0
		}

		f.markDirty()
	case SNDCTL_DSP_GETBLKSIZE:
		pcm := f.first()
		if pcm == nil {
			return -1, unix.EINVAL
		}

		if err := f.setup(pcm.Stream(), d.opts); err != nil {
			return -1, err
		}

		*v = int32(alsa.PcmFramesToBytes(pcm, pcm.Config().PeriodSize))
	case SNDCTL_DSP_GETCAPS:
		caps := 1 | DSP_CAP_REALTIME | DSP_CAP_TRIGGER | DSP_CAP_MMAP
		if f.pcms[alsa.Playback] != nil && f.pcms[alsa.Capture] != nil {
			caps |= DSP_CAP_DUPLEX
		}

		*v = int32(caps)
	case SNDCTL_DSP_GETTRIGGER:
		*v = f.trigger
	case SNDCTL_DSP_SETTRIGGER:
		if err := f.setTrigger(*v, d.opts); err != nil {
			return -1, err
		}
	case SNDCTL_DSP_GETODELAY:
		delay, err := f.delay(d.opts)
		if err != nil {
			return -1, err
		}

		*v = delay
	case OSS_GETVERSION:
		*v = Version
	default:
		d.log.WithFields(logrus.Fields{"fd": fd, "req": req}).Debug("unsupported ioctl")

		return -1, unix.EINVAL
	}

	return 0, nil
}

// clamp limits val to what every open substream accepts for param.
func (f *dspFile) clamp(param alsa.PcmParam, val uint32) uint32 {
	for _, params := range f.params {
		if params != nil {
			val = params.Clamp(param, val)
		}
	}

	return val
}

// supports reports whether every open substream accepts format.
func (f *dspFile) supports(format alsa.PcmFormat) bool {
	for _, params := range f.params {
		if params != nil && !params.FormatIsSupported(format) {
			return false
		}
	}

	return true
}

// reset drops pending frames. The next transfer prepares the substreams again.
func (f *dspFile) reset() error {
	for s, pcm := range f.pcms {
		if pcm == nil || !pcm.Configured() {
			continue
		}

		if err := pcm.Stop(); err != nil {
			return err
		}

		f.lastHw[s] = 0
	}

	return nil
}

// sync blocks until queued playback has been played.
func (f *dspFile) sync() error {
	pcm := f.pcms[alsa.Playback]
	if pcm == nil || !pcm.Configured() {
		return nil
	}

	// Draining starts a prepared stream that holds queued frames.
	switch pcm.State() {
	case alsa.SNDRV_PCM_STATE_PREPARED, alsa.SNDRV_PCM_STATE_RUNNING, alsa.SNDRV_PCM_STATE_PAUSED:
	default:
		return nil
	}

	if f.nonblock {
		if err := pcm.SetNonblock(false); err != nil {
			return err
		}

		defer func() {
			_ = pcm.SetNonblock(true)
		}()
	}

	if err := pcm.Drain(); err != nil && !errors.Is(err, unix.EPIPE) {
		return err
	}

	f.lastHw[alsa.Playback] = 0

	return nil
}

// post starts playback of what was queued so far. An empty buffer is left alone.
func (f *dspFile) post() error {
	pcm := f.pcms[alsa.Playback]
	if pcm == nil || !pcm.Configured() || pcm.State() != alsa.SNDRV_PCM_STATE_PREPARED {
		return nil
	}

	if err := pcm.Start(); err != nil && !errors.Is(err, unix.EPIPE) {
		return err
	}

	return nil
}

// setTrigger enables or disables the directions in bits. Enabling starts a mapped
// playback substream and a capture substream; other playback starts on the next write.
func (f *dspFile) setTrigger(bits int32, opts Options) error {
	f.trigger = bits & (PCM_ENABLE_INPUT | PCM_ENABLE_OUTPUT)

	for s, pcm := range f.pcms {
		if pcm == nil {
			continue
		}

		enable := PCM_ENABLE_OUTPUT
		if alsa.Stream(s) == alsa.Capture {
			enable = PCM_ENABLE_INPUT
		}

		if f.trigger&int32(enable) == 0 {
			if pcm.Configured() && pcm.State() == alsa.SNDRV_PCM_STATE_RUNNING {
				if err := pcm.Stop(); err != nil {
					return err
				}
			}

			continue
		}

		if alsa.Stream(s) == alsa.Playback && !f.mmap[s] {
			continue
		}

		if err := f.ready(alsa.Stream(s), opts); err != nil {
			return err
		}

		if err := pcm.Start(); err != nil {
			return err
		}
	}

	return nil
}

// space reports how much can be transferred in direction s without blocking.
func (f *dspFile) space(s alsa.Stream, opts Options, info *AudioBufInfo) error {
	pcm := f.pcms[s]
	if pcm == nil {
		return unix.EINVAL
	}

	if err := f.setup(s, opts); err != nil {
		return err
	}

	status, err := pcm.Status()
	if err != nil {
		return err
	}

	avail := min(status.Avail, uint64(pcm.BufferSize()))
	fragsize := alsa.PcmFramesToBytes(pcm, pcm.Config().PeriodSize)

	info.Fragsize = int32(fragsize)
	info.Fragstotal = int32(pcm.Config().PeriodCount)
	info.Bytes = int32(alsa.PcmFramesToBytes(pcm, uint32(avail)))
	info.Fragments = 0

	if fragsize > 0 {
		info.Fragments = info.Bytes / int32(fragsize)
	}

	return nil
}

// pointer reports the hardware position in direction s. For a mapped substream it also
// hands the whole buffer to the hardware: playback is always full and capture always drained.
func (f *dspFile) pointer(s alsa.Stream, opts Options, info *CountInfo) error {
	pcm := f.pcms[s]
	if pcm == nil {
		return unix.EINVAL
	}

	if err := f.ready(s, opts); err != nil {
		return err
	}

	hw, _, err := pcm.Pointers()
	if err != nil {
		return err
	}

	period := uint64(pcm.Config().PeriodSize)
	buffer := uint64(pcm.BufferSize())
	boundary := pcm.Boundary()

	delta := hw - f.lastHw[s]
	if hw < f.lastHw[s] {
		delta += boundary
	}

	blocks := delta / period
	f.lastHw[s] += blocks * period
	if boundary > 0 {
		f.lastHw[s] %= boundary
	}

	info.Bytes = int32(hw * uint64(pcm.FrameSize()))
	info.Blocks = int32(blocks)
	info.Ptr = int32(alsa.PcmFramesToBytes(pcm, uint32(hw%buffer)))

	if !f.mmap[s] {
		return nil
	}

	appl := hw
	if s == alsa.Playback {
		appl += buffer
	}

	return pcm.SetApplPtr(appl)
}

// delay returns the number of bytes queued for playback.
func (f *dspFile) delay(opts Options) (int32, error) {
	pcm := f.pcms[alsa.Playback]
	if pcm == nil {
		return 0, unix.EINVAL
	}

	if err := f.setup(alsa.Playback, opts); err != nil {
		return 0, err
	}

	switch pcm.State() {
	case alsa.SNDRV_PCM_STATE_RUNNING, alsa.SNDRV_PCM_STATE_PREPARED, alsa.SNDRV_PCM_STATE_DRAINING, alsa.SNDRV_PCM_STATE_PAUSED:
	default:
		return 0, nil
	}

	frames, err := pcm.Delay()
	if err != nil {
		return 0, err
	}

	return int32(max(frames, 0) * int64(pcm.FrameSize())), nil
}
