//go:build linux && (amd64 || arm64)

// Package oss emulates the OSS audio API on top of ALSA kernel devices.
//
// It provides the two device classes served by an aoss.Interposer: DSP for the digital audio
// devices (/dev/dsp, /dev/audio) and Mixer for the mixer devices (/dev/mixer). A trailing number
// in the device path selects the ALSA card, so /dev/dsp1 plays through card 1.
package oss

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/internal/alsa"
)

// Version is the OSS API version reported by OSS_GETVERSION.
const Version = 0x030802

// OSS_GETVERSION is accepted by both the DSP and the mixer.
const ossGetVersion = 0x80044d76

// AFMT_* sample formats.
const (
	AFMT_QUERY     = 0x00000000
	AFMT_MU_LAW    = 0x00000001
	AFMT_A_LAW     = 0x00000002
	AFMT_IMA_ADPCM = 0x00000004
	AFMT_U8        = 0x00000008
	AFMT_S16_LE    = 0x00000010
	AFMT_S16_BE    = 0x00000020
	AFMT_S8        = 0x00000040
	AFMT_U16_LE    = 0x00000080
	AFMT_U16_BE    = 0x00000100
	AFMT_MPEG      = 0x00000200
	AFMT_AC3       = 0x00000400
	AFMT_S32_LE    = 0x00001000
)

// formats maps OSS formats to ALSA formats. AC3 has no ALSA counterpart.
var formats = map[int]alsa.PcmFormat{
	AFMT_MU_LAW:    alsa.SNDRV_PCM_FORMAT_MU_LAW,
	AFMT_A_LAW:     alsa.SNDRV_PCM_FORMAT_A_LAW,
	AFMT_IMA_ADPCM: alsa.SNDRV_PCM_FORMAT_IMA_ADPCM,
	AFMT_U8:        alsa.SNDRV_PCM_FORMAT_U8,
	AFMT_S16_LE:    alsa.SNDRV_PCM_FORMAT_S16_LE,
	AFMT_S16_BE:    alsa.SNDRV_PCM_FORMAT_S16_BE,
	AFMT_S8:        alsa.SNDRV_PCM_FORMAT_S8,
	AFMT_U16_LE:    alsa.SNDRV_PCM_FORMAT_U16_LE,
	AFMT_U16_BE:    alsa.SNDRV_PCM_FORMAT_U16_BE,
	AFMT_MPEG:      alsa.SNDRV_PCM_FORMAT_MPEG,
	AFMT_S32_LE:    alsa.SNDRV_PCM_FORMAT_S32_LE,
}

// ToALSA returns the ALSA format of an OSS format.
func ToALSA(afmt int) (alsa.PcmFormat, bool) {
	f, ok := formats[afmt]

	return f, ok
}

// FromALSA returns the OSS format of an ALSA format, or AFMT_QUERY if there is none.
func FromALSA(f alsa.PcmFormat) int {
	for afmt, format := range formats {
		if format == f {
			return afmt
		}
	}

	return AFMT_QUERY
}

// Backend bundles the device classes of one emulation.
type Backend struct {
	DSP   *DSP
	Mixer *Mixer
}

// New creates the device classes with opts.
func New(opts Options) *Backend {
	return &Backend{
		DSP:   NewDSP(opts),
		Mixer: NewMixer(opts),
	}
}

// NewInterposer creates an interposer that serves OSS devices through ALSA.
func NewInterposer(opts Options, config *aoss.Config) (*aoss.Interposer, error) {
	b := New(opts)

	ip, err := aoss.New(b.DSP, b.Mixer, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create interposer: %w", err)
	}

	return ip, nil
}

// cardFromPath returns the card number at the end of path, or def if there is none.
func cardFromPath(path string, def uint) uint {
	base := strings.TrimRightFunc(path, unicode.IsDigit)
	if base == path {
		return def
	}

	card, err := strconv.ParseUint(path[len(base):], 10, 32)
	if err != nil {
		return def
	}

	return uint(card)
}

// intArg returns the int argument of an ioctl.
func intArg(arg uintptr) (*int32, error) {
	if arg == 0 {
		return nil, unix.EFAULT
	}

	return (*int32)(unsafe.Pointer(arg)), nil
}
