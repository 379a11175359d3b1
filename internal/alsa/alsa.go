//go:build linux && (amd64 || arm64)

// Package alsa talks to the Linux ALSA kernel interface (/dev/snd) directly, without alsa-lib.
// It covers what an OSS emulation needs: interleaved PCM streams with read/write or mmap access,
// and integer and boolean control elements of a card's control device.
package alsa

// PcmFormat defines the sample format for a PCM stream.
// These values correspond to the SNDRV_PCM_FORMAT_* constants in the ALSA kernel headers.
type PcmFormat int32

const (
	SNDRV_PCM_FORMAT_INVALID    PcmFormat = -1
	SNDRV_PCM_FORMAT_S8         PcmFormat = 0
	SNDRV_PCM_FORMAT_U8         PcmFormat = 1
	SNDRV_PCM_FORMAT_S16_LE     PcmFormat = 2
	SNDRV_PCM_FORMAT_S16_BE     PcmFormat = 3
	SNDRV_PCM_FORMAT_U16_LE     PcmFormat = 4
	SNDRV_PCM_FORMAT_U16_BE     PcmFormat = 5
	SNDRV_PCM_FORMAT_S24_LE     PcmFormat = 6
	SNDRV_PCM_FORMAT_S24_BE     PcmFormat = 7
	SNDRV_PCM_FORMAT_U24_LE     PcmFormat = 8
	SNDRV_PCM_FORMAT_U24_BE     PcmFormat = 9
	SNDRV_PCM_FORMAT_S32_LE     PcmFormat = 10
	SNDRV_PCM_FORMAT_S32_BE     PcmFormat = 11
	SNDRV_PCM_FORMAT_U32_LE     PcmFormat = 12
	SNDRV_PCM_FORMAT_U32_BE     PcmFormat = 13
	SNDRV_PCM_FORMAT_FLOAT_LE   PcmFormat = 14
	SNDRV_PCM_FORMAT_FLOAT_BE   PcmFormat = 15
	SNDRV_PCM_FORMAT_FLOAT64_LE PcmFormat = 16
	SNDRV_PCM_FORMAT_FLOAT64_BE PcmFormat = 17
	SNDRV_PCM_FORMAT_MU_LAW     PcmFormat = 20
	SNDRV_PCM_FORMAT_A_LAW      PcmFormat = 21
	SNDRV_PCM_FORMAT_IMA_ADPCM  PcmFormat = 22
	SNDRV_PCM_FORMAT_MPEG       PcmFormat = 23
	SNDRV_PCM_FORMAT_GSM        PcmFormat = 24
	SNDRV_PCM_FORMAT_S24_3LE    PcmFormat = 32
	SNDRV_PCM_FORMAT_S24_3BE    PcmFormat = 33
)

// String returns the ALSA name of the format.
func (f PcmFormat) String() string {
	if name, ok := PcmFormatNames[f]; ok {
		return name
	}

	return "UNKNOWN"
}

// PcmFormatNames provides human-readable names for PCM formats.
var PcmFormatNames = map[PcmFormat]string{
	SNDRV_PCM_FORMAT_S8:         "S8",
	SNDRV_PCM_FORMAT_U8:         "U8",
	SNDRV_PCM_FORMAT_S16_LE:     "S16_LE",
	SNDRV_PCM_FORMAT_S16_BE:     "S16_BE",
	SNDRV_PCM_FORMAT_U16_LE:     "U16_LE",
	SNDRV_PCM_FORMAT_U16_BE:     "U16_BE",
	SNDRV_PCM_FORMAT_S24_LE:     "S24_LE",
	SNDRV_PCM_FORMAT_S24_BE:     "S24_BE",
	SNDRV_PCM_FORMAT_U24_LE:     "U24_LE",
	SNDRV_PCM_FORMAT_U24_BE:     "U24_BE",
	SNDRV_PCM_FORMAT_S32_LE:     "S32_LE",
	SNDRV_PCM_FORMAT_S32_BE:     "S32_BE",
	SNDRV_PCM_FORMAT_U32_LE:     "U32_LE",
	SNDRV_PCM_FORMAT_U32_BE:     "U32_BE",
	SNDRV_PCM_FORMAT_FLOAT_LE:   "FLOAT_LE",
	SNDRV_PCM_FORMAT_FLOAT_BE:   "FLOAT_BE",
	SNDRV_PCM_FORMAT_FLOAT64_LE: "FLOAT64_LE",
	SNDRV_PCM_FORMAT_FLOAT64_BE: "FLOAT64_BE",
	SNDRV_PCM_FORMAT_MU_LAW:     "MU_LAW",
	SNDRV_PCM_FORMAT_A_LAW:      "A_LAW",
	SNDRV_PCM_FORMAT_IMA_ADPCM:  "IMA_ADPCM",
	SNDRV_PCM_FORMAT_MPEG:       "MPEG",
	SNDRV_PCM_FORMAT_GSM:        "GSM",
	SNDRV_PCM_FORMAT_S24_3LE:    "S24_3LE",
	SNDRV_PCM_FORMAT_S24_3BE:    "S24_3BE",
}

// PcmState defines the current state of a PCM stream.
// These values correspond to the SNDRV_PCM_STATE_* constants.
type PcmState int32

const (
	SNDRV_PCM_STATE_OPEN         PcmState = 0 // Stream is open.
	SNDRV_PCM_STATE_SETUP        PcmState = 1 // Stream has a setup.
	SNDRV_PCM_STATE_PREPARED     PcmState = 2 // Stream is ready to start.
	SNDRV_PCM_STATE_RUNNING      PcmState = 3 // Stream is running.
	SNDRV_PCM_STATE_XRUN         PcmState = 4 // Stream reached an underrun or overrun.
	SNDRV_PCM_STATE_DRAINING     PcmState = 5 // Stream is draining.
	SNDRV_PCM_STATE_PAUSED       PcmState = 6 // Stream is paused.
	SNDRV_PCM_STATE_SUSPENDED    PcmState = 7 // Hardware is suspended.
	SNDRV_PCM_STATE_DISCONNECTED PcmState = 8 // Hardware is disconnected.
)

// Stream is the direction of a PCM substream.
type Stream int

const (
	// Playback sends frames to the device.
	Playback Stream = iota
	// Capture receives frames from the device.
	Capture
)

func (s Stream) String() string {
	if s == Capture {
		return "capture"
	}

	return "playback"
}

// suffix is the last character of the PCM device node name.
func (s Stream) suffix() byte {
	if s == Capture {
		return 'c'
	}

	return 'p'
}

// PcmAccess defines the type of PCM access.
type PcmAccess int32

const (
	SNDRV_PCM_ACCESS_MMAP_INTERLEAVED    = 0
	SNDRV_PCM_ACCESS_MMAP_NONINTERLEAVED = 1
	SNDRV_PCM_ACCESS_MMAP_COMPLEX        = 2
	SNDRV_PCM_ACCESS_RW_INTERLEAVED      = 3
	SNDRV_PCM_ACCESS_RW_NONINTERLEAVED   = 4
)

// PcmParam identifies a hardware parameter for a PCM device.
// These values correspond to the SNDRV_PCM_HW_PARAM_* constants.
type PcmParam int

const (
	SNDRV_PCM_HW_PARAM_ACCESS       PcmParam = 0
	SNDRV_PCM_HW_PARAM_FORMAT       PcmParam = 1
	SNDRV_PCM_HW_PARAM_SUBFORMAT    PcmParam = 2
	SNDRV_PCM_HW_PARAM_SAMPLE_BITS  PcmParam = 8
	SNDRV_PCM_HW_PARAM_FRAME_BITS   PcmParam = 9
	SNDRV_PCM_HW_PARAM_CHANNELS     PcmParam = 10
	SNDRV_PCM_HW_PARAM_RATE         PcmParam = 11
	SNDRV_PCM_HW_PARAM_PERIOD_TIME  PcmParam = 12
	SNDRV_PCM_HW_PARAM_PERIOD_SIZE  PcmParam = 13
	SNDRV_PCM_HW_PARAM_PERIOD_BYTES PcmParam = 14
	SNDRV_PCM_HW_PARAM_PERIODS      PcmParam = 15
	SNDRV_PCM_HW_PARAM_BUFFER_TIME  PcmParam = 16
	SNDRV_PCM_HW_PARAM_BUFFER_SIZE  PcmParam = 17
	SNDRV_PCM_HW_PARAM_BUFFER_BYTES PcmParam = 18
	SNDRV_PCM_HW_PARAM_TICK_TIME    PcmParam = 19
)

// Constants for the bitfields within snd_interval.flags to match C enum.
const (
	SNDRV_PCM_INTERVAL_OPENMIN = 1 << 0
	SNDRV_PCM_INTERVAL_OPENMAX = 1 << 1
	SNDRV_PCM_INTERVAL_INTEGER = 1 << 2
	SNDRV_PCM_INTERVAL_EMPTY   = 1 << 3
)

const (
	SNDRV_PCM_SYNC_PTR_HWSYNC    = 1 << 0
	SNDRV_PCM_SYNC_PTR_APPL      = 1 << 1
	SNDRV_PCM_SYNC_PTR_AVAIL_MIN = 1 << 2
)

// MixerCtlType defines the value type of mixer control.
type MixerCtlType int32

const (
	SNDRV_CTL_ELEM_TYPE_NONE       MixerCtlType = 0
	SNDRV_CTL_ELEM_TYPE_BOOLEAN    MixerCtlType = 1
	SNDRV_CTL_ELEM_TYPE_INTEGER    MixerCtlType = 2
	SNDRV_CTL_ELEM_TYPE_ENUMERATED MixerCtlType = 3
	SNDRV_CTL_ELEM_TYPE_BYTES      MixerCtlType = 4
	SNDRV_CTL_ELEM_TYPE_IEC958     MixerCtlType = 5
	SNDRV_CTL_ELEM_TYPE_INTEGER64  MixerCtlType = 6
)

// CtlAccessFlag defines the access permissions for a mixer control.
type CtlAccessFlag uint32

const (
	// If set, the control is readable.
	SNDRV_CTL_ELEM_ACCESS_READ CtlAccessFlag = 1 << 0
	// If set, the control is writable.
	SNDRV_CTL_ELEM_ACCESS_WRITE CtlAccessFlag = 1 << 1
	// If set, the control is inactive.
	SNDRV_CTL_ELEM_ACCESS_INACTIVE CtlAccessFlag = 1 << 8
)

// PcmFormatToBits returns the number of bits per sample for a given format.
// This reflects the space occupied in memory, so 24-bit formats in 32-bit containers return 32.
func PcmFormatToBits(f PcmFormat) uint32 {
	switch f {
	case SNDRV_PCM_FORMAT_FLOAT64_LE, SNDRV_PCM_FORMAT_FLOAT64_BE:
		return 64
	case SNDRV_PCM_FORMAT_S32_LE, SNDRV_PCM_FORMAT_S32_BE, SNDRV_PCM_FORMAT_U32_LE, SNDRV_PCM_FORMAT_U32_BE,
		SNDRV_PCM_FORMAT_FLOAT_LE, SNDRV_PCM_FORMAT_FLOAT_BE,
		SNDRV_PCM_FORMAT_S24_LE, SNDRV_PCM_FORMAT_S24_BE, SNDRV_PCM_FORMAT_U24_LE, SNDRV_PCM_FORMAT_U24_BE:
		return 32
	case SNDRV_PCM_FORMAT_S24_3LE, SNDRV_PCM_FORMAT_S24_3BE:
		return 24
	case SNDRV_PCM_FORMAT_S16_LE, SNDRV_PCM_FORMAT_S16_BE, SNDRV_PCM_FORMAT_U16_LE, SNDRV_PCM_FORMAT_U16_BE:
		return 16
	case SNDRV_PCM_FORMAT_S8, SNDRV_PCM_FORMAT_U8, SNDRV_PCM_FORMAT_MU_LAW, SNDRV_PCM_FORMAT_A_LAW:
		return 8
	case SNDRV_PCM_FORMAT_IMA_ADPCM:
		return 4
	default:
		return 0
	}
}
