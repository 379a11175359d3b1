//go:build linux && (amd64 || arm64)

package oss

import (
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/internal/alsa"
)

// OSS mixer channels.
const (
	SOUND_MIXER_VOLUME  = 0
	SOUND_MIXER_BASS    = 1
	SOUND_MIXER_TREBLE  = 2
	SOUND_MIXER_SYNTH   = 3
	SOUND_MIXER_PCM     = 4
	SOUND_MIXER_SPEAKER = 5
	SOUND_MIXER_LINE    = 6
	SOUND_MIXER_MIC     = 7
	SOUND_MIXER_CD      = 8
	SOUND_MIXER_IGAIN   = 12

	SOUND_MIXER_NRDEVICES = 25
)

// Mixer ioctl requests. A channel is read with SOUND_MIXER_READ|ch and written with SOUND_MIXER_WRITE|ch.
const (
	SOUND_MIXER_READ  = 0x80044d00
	SOUND_MIXER_WRITE = 0xc0044d00

	SOUND_MIXER_READ_RECSRC     = SOUND_MIXER_READ | 0xff
	SOUND_MIXER_READ_DEVMASK    = SOUND_MIXER_READ | 0xfe
	SOUND_MIXER_READ_RECMASK    = SOUND_MIXER_READ | 0xfd
	SOUND_MIXER_READ_CAPS       = SOUND_MIXER_READ | 0xfc
	SOUND_MIXER_READ_STEREODEVS = SOUND_MIXER_READ | 0xfb
	SOUND_MIXER_WRITE_RECSRC    = SOUND_MIXER_WRITE | 0xff

	SOUND_MIXER_INFO = 0x805c4d65
)

// channelNames holds the ALSA simple control name of each OSS channel.
var channelNames = map[int]string{
	SOUND_MIXER_VOLUME:  "Master",
	SOUND_MIXER_BASS:    "Bass",
	SOUND_MIXER_TREBLE:  "Treble",
	SOUND_MIXER_SYNTH:   "Synth",
	SOUND_MIXER_PCM:     "PCM",
	SOUND_MIXER_SPEAKER: "Speaker",
	SOUND_MIXER_LINE:    "Line",
	SOUND_MIXER_MIC:     "Mic",
	SOUND_MIXER_CD:      "CD",
	SOUND_MIXER_IGAIN:   "Capture",
}

// MixerInfo is the argument of SOUND_MIXER_INFO.
type MixerInfo struct {
	ID            [16]byte
	Name          [32]byte
	ModifyCounter int32
	Fillers       [10]int32
}

// Mixer serves the mixer devices through the ALSA control device of a card.
// The descriptor handed to the caller is the control device itself.
type Mixer struct {
	aoss.Unsupported

	opts Options
	log  logrus.FieldLogger

	mu    sync.Mutex
	files map[int]*mixerFile
}

var _ aoss.Device = (*Mixer)(nil)

// NewMixer creates the mixer device class.
func NewMixer(opts Options) *Mixer {
	return &Mixer{
		opts:  opts,
		log:   opts.logger().WithField("class", "mixer"),
		files: make(map[int]*mixerFile),
	}
}

type mixerFile struct {
	mu            sync.Mutex
	mixer         *alsa.Mixer
	modifyCounter int32
}

// Open opens the control device of the card selected by path.
func (m *Mixer) Open(path string, flags int) (int, error) {
	card := cardFromPath(path, m.opts.Card)

	mixer, err := alsa.MixerOpen(card)
	if err != nil {
		return -1, err
	}

	fd := mixer.Fd()

	if flags&unix.O_NONBLOCK != 0 {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = mixer.Close()

			return -1, err
		}
	}

	m.mu.Lock()
	m.files[fd] = &mixerFile{mixer: mixer}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"fd": fd, "path": path, "card": card, "controls": mixer.NumCtls()}).Debug("opened")

	return fd, nil
}

// Close closes the control device.
func (m *Mixer) Close(fd int) error {
	m.mu.Lock()
	f, ok := m.files[fd]
	delete(m.files, fd)
	m.mu.Unlock()

	if !ok {
		return unix.EBADF
	}

	m.log.WithField("fd", fd).Debug("closed")

	return f.mixer.Close()
}

// SetNonblock toggles non-blocking mode of the control device.
func (m *Mixer) SetNonblock(fd int, nonblock bool) error {
	if _, err := m.file(fd); err != nil {
		return err
	}

	return unix.SetNonblock(fd, nonblock)
}

func (m *Mixer) file(fd int) (*mixerFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[fd]
	if !ok {
		return nil, unix.EBADF
	}

	return f, nil
}

// Ioctl handles the mixer requests. Volumes are percentages, left in the low byte
// and right in the second byte.
func (m *Mixer) Ioctl(fd int, req uint, arg uintptr) (int, error) {
	f, err := m.file(fd)
	if err != nil {
		return -1, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if req == SOUND_MIXER_INFO {
		if arg == 0 {
			return -1, unix.EFAULT
		}

		info := (*MixerInfo)(unsafe.Pointer(arg))
		*info = MixerInfo{ModifyCounter: f.modifyCounter}
		copy(info.ID[:len(info.ID)-1], f.mixer.ID())
		copy(info.Name[:len(info.Name)-1], f.mixer.Name())

		return 0, nil
	}

	v, err := intArg(arg)
	if err != nil {
		return -1, err
	}

	switch req {
	case OSS_GETVERSION:
		*v = Version
	case SOUND_MIXER_READ_DEVMASK:
		*v = f.mask(func(ch int) bool { return f.volume(ch) != nil })
	case SOUND_MIXER_READ_STEREODEVS:
		*v = f.mask(func(ch int) bool {
			ctl := f.volume(ch)

			return ctl != nil && ctl.NumValues() > 1
		})
	case SOUND_MIXER_READ_RECMASK:
		*v = f.mask(func(ch int) bool { return f.capture(ch) != nil })
	case SOUND_MIXER_READ_RECSRC:
		*v = f.recsrc()
	case SOUND_MIXER_WRITE_RECSRC:
		if err := f.setRecsrc(*v); err != nil {
			return -1, err
		}

		*v = f.recsrc()
	case SOUND_MIXER_READ_CAPS:
		*v = 0
	default:
		ch := int(req & 0xff)
		if ch >= SOUND_MIXER_NRDEVICES {
			return -1, unix.EINVAL
		}

		switch req &^ 0xff {
		case SOUND_MIXER_READ:
			return 0, f.readVolume(ch, v)
		case SOUND_MIXER_WRITE:
			if err := f.writeVolume(ch, *v); err != nil {
				return -1, err
			}

			return 0, f.readVolume(ch, v)
		}

		m.log.WithFields(logrus.Fields{"fd": fd, "req": req}).Debug("unsupported ioctl")

		return -1, unix.EINVAL
	}

	return 0, nil
}

// volume returns the integer volume control of channel ch, or nil.
func (f *mixerFile) volume(ch int) *alsa.MixerCtl {
	name, ok := channelNames[ch]
	if !ok {
		return nil
	}

	for _, suffix := range []string{" Playback Volume", " Volume"} {
		ctl, err := f.mixer.CtlByName(name + suffix)
		if err == nil && ctl.Type() == alsa.SNDRV_CTL_ELEM_TYPE_INTEGER {
			return ctl
		}
	}

	return nil
}

// capture returns the capture switch of channel ch, or nil.
func (f *mixerFile) capture(ch int) *alsa.MixerCtl {
	name, ok := channelNames[ch]
	if !ok {
		return nil
	}

	ctl, err := f.mixer.CtlByName(name + " Capture Switch")
	if err != nil || ctl.Type() != alsa.SNDRV_CTL_ELEM_TYPE_BOOLEAN {
		return nil
	}

	return ctl
}

func (f *mixerFile) mask(has func(ch int) bool) int32 {
	var mask int32
	for ch := range channelNames {
		if has(ch) {
			mask |= 1 << ch
		}
	}

	return mask
}

func (f *mixerFile) readVolume(ch int, v *int32) error {
	ctl := f.volume(ch)
	if ctl == nil {
		return unix.EINVAL
	}

	percents, err := ctl.Percents()
	if err != nil {
		return err
	}

	if len(percents) == 0 {
		return unix.EIO
	}

	left, right := percents[0], percents[0]
	if len(percents) > 1 {
		right = percents[1]
	}

	*v = EncodeVolume(left, right)

	return nil
}

func (f *mixerFile) writeVolume(ch int, v int32) error {
	ctl := f.volume(ch)
	if ctl == nil {
		return unix.EINVAL
	}

	left, right := DecodeVolume(v)
	if err := ctl.SetPercents(left, right); err != nil {
		return err
	}

	f.modifyCounter++

	return nil
}

// recsrc returns the channels whose capture switch is on.
func (f *mixerFile) recsrc() int32 {
	return f.mask(func(ch int) bool {
		ctl := f.capture(ch)
		if ctl == nil {
			return false
		}

		values, err := ctl.Values()
		if err != nil {
			return false
		}

		for _, value := range values {
			if value != 0 {
				return true
			}
		}

		return false
	})
}

// setRecsrc turns on the capture switches of the channels in mask and turns off the others.
func (f *mixerFile) setRecsrc(mask int32) error {
	for ch := range channelNames {
		ctl := f.capture(ch)
		if ctl == nil {
			continue
		}

		on := 0
		if mask&(1<<ch) != 0 {
			on = 1
		}

		if err := ctl.SetValues(on); err != nil {
			return err
		}
	}

	f.modifyCounter++

	return nil
}

// EncodeVolume packs left and right percentages into a mixer channel value.
func EncodeVolume(left, right int) int32 {
	return int32(min(max(left, 0), 100) | min(max(right, 0), 100)<<8)
}

// DecodeVolume unpacks a mixer channel value into left and right percentages.
func DecodeVolume(v int32) (left, right int) {
	return min(int(v&0xff), 100), min(int(v>>8&0xff), 100)
}
