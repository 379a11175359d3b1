//go:build linux && (amd64 || arm64)

package alsa

import (
	"golang.org/x/sys/unix"
)

// SndPcmUframesT is an unsigned long in the ALSA headers.
type SndPcmUframesT = uint64

// SndPcmSframesT is a signed long in the ALSA headers.
type SndPcmSframesT = int64

// clong is a type alias for the C `long` type on 64-bit systems.
type clong = int64

// sndXferi is for interleaved read/write operations.
type sndXferi struct {
	Result SndPcmSframesT // ssize_t
	Buf    uintptr        // void*
	Frames SndPcmUframesT
}

// sndPcmHwParams contains hardware parameters for a PCM device.
type sndPcmHwParams struct {
	Flags     uint32
	Masks     [3]sndMask
	Mres      [5]sndMask // reserved for future use
	Intervals [12]sndInterval
	Ires      [9]sndInterval // reserved for future use
	Rmask     uint32
	Cmask     uint32
	Info      uint32
	Msbits    uint32
	RateNum   uint32
	RateDen   uint32
	FifoSize  SndPcmUframesT
	Reserved  [64]byte
}

// sndPcmSwParams contains software parameters for a PCM device.
// There are 4 bytes of padding after SleepMin to align the following 64-bit fields.
type sndPcmSwParams struct {
	TstampMode       uint32
	PeriodStep       uint32
	SleepMin         uint32
	_                [4]byte
	AvailMin         SndPcmUframesT
	XferAlign        SndPcmUframesT
	StartThreshold   SndPcmUframesT
	StopThreshold    SndPcmUframesT
	SilenceThreshold SndPcmUframesT
	SilenceSize      SndPcmUframesT
	Boundary         SndPcmUframesT
	Proto            uint32
	TstampType       uint32
	Reserved         [56]byte
}

// sndPcmStatus is the reply of the STATUS ioctl.
type sndPcmStatus struct {
	State               PcmState
	_                   [4]byte
	TriggerTstamp       unix.Timespec
	Tstamp              unix.Timespec
	ApplPtr             SndPcmUframesT
	HwPtr               SndPcmUframesT
	Delay               SndPcmSframesT
	Avail               SndPcmUframesT
	AvailMax            SndPcmUframesT
	Overrange           SndPcmUframesT
	SuspendedState      PcmState
	AudioTstampData     uint32
	AudioTstamp         unix.Timespec
	DriverTstamp        unix.Timespec
	AudioTstampAccuracy uint32
	Reserved            [20]byte
}

// sndPcmMmapStatus contains the status of a PCM stream as exchanged by SYNC_PTR.
type sndPcmMmapStatus struct {
	State          PcmState
	Pad1           int32
	HwPtr          SndPcmUframesT
	Tstamp         unix.Timespec
	SuspendedState PcmState
	_              [4]byte
	AudioTstamp    unix.Timespec
}

// sndPcmMmapControl contains the application side pointers of a PCM stream.
type sndPcmMmapControl struct {
	ApplPtr  SndPcmUframesT
	AvailMin SndPcmUframesT
}

// sndPcmSyncPtr is used to synchronize hardware and application pointers via ioctl.
type sndPcmSyncPtr struct {
	Flags uint32
	_     [4]byte // Padding to align the unions
	S     struct {
		sndPcmMmapStatus
		_ [8]byte // Padding to make the union 64 bytes
	}
	C struct {
		sndPcmMmapControl
		_ [48]byte // Padding to make the union 64 bytes
	}
}

// sndCtlElemValue holds the value of a control element.
type sndCtlElemValue struct {
	Id sndCtlElemId
	_  [8]byte
	// The value union is 1024 bytes (long value[128]).
	Value    [128]clong
	Reserved [128]byte
}

// sndCtlElemList is used to enumerate control elements.
type sndCtlElemList struct {
	Offset   uint32
	Space    uint32
	Used     uint32
	Count    uint32
	Pids     uintptr // *sndCtlElemId
	Reserved [50]byte
}
