//go:build linux && (amd64 || arm64)

package alsa

import (
	"fmt"
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Config encapsulates the hardware parameters of a PCM stream.
type Config struct {
	Channels    uint32
	Rate        uint32
	PeriodSize  uint32
	PeriodCount uint32
	Format      PcmFormat
	// Mmap selects mmap access and maps the data buffer.
	Mmap bool
}

// PcmStatus is a snapshot of the position and state of a PCM stream.
type PcmStatus struct {
	State    PcmState
	ApplPtr  uint64
	HwPtr    uint64
	Delay    int64
	Avail    uint64
	AvailMax uint64
}

// PCM represents an open ALSA PCM substream.
type PCM struct {
	fd         int
	path       string
	stream     Stream
	config     Config
	configured bool
	bufferSize uint32 // In frames
	subdevice  uint32
	boundary   SndPcmUframesT
	mmapBuffer []byte
	sync       sndPcmSyncPtr
	xruns      int
}

// PcmPath returns the device node of a PCM substream.
func PcmPath(card, device uint, stream Stream) string {
	return fmt.Sprintf("/dev/snd/pcmC%dD%d%c", card, device, stream.suffix())
}

// PcmOpen opens a PCM substream without configuring it.
// Only direct hardware devices (e.g., /dev/snd/pcmC0D0p) are supported.
func PcmOpen(card, device uint, stream Stream, nonblock bool) (*PCM, error) {
	path := PcmPath(card, device, stream)

	// Always open non-blocking to avoid getting stuck
	// if the device is in use, then clear the flag if blocking I/O was requested.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCM device %s: %w", path, err)
	}

	pcm := &PCM{
		fd:     fd,
		path:   path,
		stream: stream,
	}

	if !nonblock {
		if err := pcm.SetNonblock(false); err != nil {
			_ = unix.Close(fd)

			return nil, err
		}
	}

	var info sndPcmInfo
	if err := ioctl(fd, SNDRV_PCM_IOCTL_INFO, uintptr(unsafe.Pointer(&info))); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("ioctl INFO failed: %w", err)
	}

	pcm.subdevice = info.Subdevice

	return pcm, nil
}

// IsReady checks if the PCM handle is valid.
func (p *PCM) IsReady() bool {
	return p != nil && p.fd >= 0
}

// Close stops the stream, unmaps its buffer and closes the device.
func (p *PCM) Close() error {
	if !p.IsReady() {
		return nil
	}

	if p.configured {
		_ = p.Stop()
	}

	p.unmapBuffer()

	err := unix.Close(p.fd)
	p.fd = -1
	p.configured = false
	p.bufferSize = 0

	if err != nil {
		return fmt.Errorf("failed to close PCM device %s: %w", p.path, err)
	}

	return nil
}

// Fd returns the underlying file descriptor for the PCM device.
func (p *PCM) Fd() int {
	if !p.IsReady() {
		return -1
	}

	return p.fd
}

// Stream returns the direction of the substream.
func (p *PCM) Stream() Stream {
	return p.stream
}

// Subdevice returns the subdevice number of the PCM stream.
func (p *PCM) Subdevice() uint32 {
	return p.subdevice
}

// Configured reports whether hardware parameters are installed.
func (p *PCM) Configured() bool {
	return p.configured
}

// Config returns the configuration the driver settled on.
func (p *PCM) Config() Config {
	return p.config
}

// BufferSize returns the PCM's total buffer size in frames.
func (p *PCM) BufferSize() uint32 {
	return p.bufferSize
}

// Boundary returns the wrap point of the hardware and application pointers.
func (p *PCM) Boundary() uint64 {
	return p.boundary
}

// Xruns returns the number of underruns or overruns recovered from.
func (p *PCM) Xruns() int {
	return p.xruns
}

// FrameSize returns the size of a single frame in bytes.
func (p *PCM) FrameSize() uint32 {
	return FrameSize(p.config.Format, p.config.Channels)
}

// FrameSize returns the size in bytes of a frame of channels samples of format f.
// Formats of less than a byte per sample yield 0.
func FrameSize(f PcmFormat, channels uint32) uint32 {
	return PcmFormatToBits(f) * channels / 8
}

// PeriodTime returns the duration of a single period.
func (p *PCM) PeriodTime() time.Duration {
	if p.config.Rate == 0 {
		return 0
	}

	return time.Duration(uint64(p.config.PeriodSize) * uint64(time.Second) / uint64(p.config.Rate))
}

// MmapBuffer returns the mapped data buffer, or nil if the stream does not use mmap access.
func (p *PCM) MmapBuffer() []byte {
	return p.mmapBuffer
}

// SetNonblock toggles O_NONBLOCK on the device.
func (p *PCM) SetNonblock(nonblock bool) error {
	flags, err := unix.FcntlInt(uintptr(p.fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFL for %s failed: %w", p.path, err)
	}

	if nonblock {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}

	if _, err := unix.FcntlInt(uintptr(p.fd), unix.F_SETFL, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFL for %s failed: %w", p.path, err)
	}

	return nil
}

// SetConfig installs hardware and software parameters. A configured stream is stopped and its
// parameters freed first, so SetConfig may be called again to change the format.
func (p *PCM) SetConfig(config Config) error {
	if p.configured {
		_ = p.Stop()
		p.unmapBuffer()

		if err := ioctl(p.fd, SNDRV_PCM_IOCTL_HW_FREE, 0); err != nil {
			return fmt.Errorf("ioctl HW_FREE failed: %w", err)
		}

		p.configured = false
	}

	hwParams := &sndPcmHwParams{}
	paramInit(hwParams)

	if config.Mmap {
		paramSetMask(hwParams, SNDRV_PCM_HW_PARAM_ACCESS, SNDRV_PCM_ACCESS_MMAP_INTERLEAVED)
	} else {
		paramSetMask(hwParams, SNDRV_PCM_HW_PARAM_ACCESS, SNDRV_PCM_ACCESS_RW_INTERLEAVED)
	}

	paramSetMask(hwParams, SNDRV_PCM_HW_PARAM_FORMAT, uint32(config.Format))
	paramSetInt(hwParams, SNDRV_PCM_HW_PARAM_CHANNELS, config.Channels)
	paramSetInt(hwParams, SNDRV_PCM_HW_PARAM_RATE, config.Rate)
	paramSetMin(hwParams, SNDRV_PCM_HW_PARAM_PERIOD_SIZE, config.PeriodSize)
	paramSetMin(hwParams, SNDRV_PCM_HW_PARAM_PERIODS, config.PeriodCount)

	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_HW_PARAMS, uintptr(unsafe.Pointer(hwParams))); err != nil {
		return fmt.Errorf("ioctl HW_PARAMS failed: %w", err)
	}

	// Update our config with the refined parameters from the driver.
	p.config = config
	p.config.PeriodSize = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_PERIOD_SIZE)
	p.config.PeriodCount = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_PERIODS)
	p.config.Channels = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_CHANNELS)
	p.config.Rate = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_RATE)
	p.bufferSize = p.config.PeriodSize * p.config.PeriodCount

	if p.config.Channels == 0 || p.config.Rate == 0 || p.config.PeriodSize == 0 || p.config.PeriodCount == 0 {
		return fmt.Errorf("driver finalized invalid PCM configuration (Channels=%d, Rate=%d, PeriodSize=%d, PeriodCount=%d)",
			p.config.Channels, p.config.Rate, p.config.PeriodSize, p.config.PeriodCount)
	}

	swParams := &sndPcmSwParams{}
	swParams.TstampMode = 1 // SNDRV_PCM_TSTAMP_ENABLE
	swParams.PeriodStep = 1
	swParams.AvailMin = SndPcmUframesT(p.config.PeriodSize)

	switch {
	case config.Mmap:
		// A threshold at the boundary lets a mapped stream run freely, even when started empty.
		swParams.StartThreshold = boundary(p.bufferSize)
		swParams.StopThreshold = boundary(p.bufferSize)
	case p.stream == Capture:
		swParams.StartThreshold = 1
		swParams.StopThreshold = SndPcmUframesT(p.bufferSize)
	default:
		swParams.StartThreshold = SndPcmUframesT(p.config.PeriodSize)
		swParams.StopThreshold = SndPcmUframesT(p.bufferSize)
	}

	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_SW_PARAMS, uintptr(unsafe.Pointer(swParams))); err != nil {
		return fmt.Errorf("ioctl SW_PARAMS failed: %w", err)
	}

	p.boundary = swParams.Boundary

	if config.Mmap {
		prot := unix.PROT_READ | unix.PROT_WRITE
		if p.stream == Capture {
			prot = unix.PROT_READ
		}

		buf, err := unix.Mmap(p.fd, 0, int(p.bufferSize*p.FrameSize()), prot, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("mmap data buffer failed: %w", err)
		}

		p.mmapBuffer = buf
	}

	p.configured = true

	return nil
}

// boundary returns the wrap point the kernel derives from the buffer size.
func boundary(bufferSize uint32) SndPcmUframesT {
	b := SndPcmUframesT(bufferSize)
	for b*2 <= math.MaxInt64-SndPcmUframesT(bufferSize) {
		b *= 2
	}

	return b
}

func (p *PCM) unmapBuffer() {
	if p.mmapBuffer != nil {
		_ = unix.Munmap(p.mmapBuffer)
		p.mmapBuffer = nil
	}
}

// Prepare readies the PCM device for I/O operations.
// This is typically used to recover from an XRUN.
func (p *PCM) Prepare() error {
	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_PREPARE, 0); err != nil {
		return fmt.Errorf("ioctl PREPARE failed: %w", err)
	}

	return nil
}

// Start explicitly starts the PCM stream.
// It ensures the stream is prepared before starting.
func (p *PCM) Start() error {
	switch p.State() {
	case SNDRV_PCM_STATE_RUNNING:
		return nil
	case SNDRV_PCM_STATE_SETUP, SNDRV_PCM_STATE_XRUN:
		if err := p.Prepare(); err != nil {
			return err
		}
	}

	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_START, 0); err != nil {
		return fmt.Errorf("ioctl START failed: %w", err)
	}

	return nil
}

// Stop abruptly stops the PCM stream, dropping any pending frames.
func (p *PCM) Stop() error {
	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_DROP, 0); err != nil {
		return fmt.Errorf("ioctl DROP failed: %w", err)
	}

	return nil
}

// Reset drops pending frames and prepares the stream again.
func (p *PCM) Reset() error {
	if err := p.Stop(); err != nil {
		return err
	}

	return p.Prepare()
}

// Drain waits for all pending frames in the buffer to be played.
func (p *PCM) Drain() error {
	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_DRAIN, 0); err != nil {
		return fmt.Errorf("ioctl DRAIN failed: %w", err)
	}

	return nil
}

// Pause pauses or resumes the PCM stream.
func (p *PCM) Pause(enable bool) error {
	var arg uintptr
	if enable {
		arg = 1
	}

	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_PAUSE, arg); err != nil {
		return fmt.Errorf("ioctl PAUSE failed: %w", err)
	}

	return nil
}

// Delay returns the current delay for the PCM stream in frames.
func (p *PCM) Delay() (int64, error) {
	var delay SndPcmSframesT
	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_DELAY, uintptr(unsafe.Pointer(&delay))); err != nil {
		return 0, fmt.Errorf("ioctl DELAY failed: %w", err)
	}

	return delay, nil
}

// Status returns the state and positions of the stream.
func (p *PCM) Status() (PcmStatus, error) {
	var status sndPcmStatus
	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_STATUS, uintptr(unsafe.Pointer(&status))); err != nil {
		return PcmStatus{}, fmt.Errorf("ioctl STATUS failed: %w", err)
	}

	return PcmStatus{
		State:    status.State,
		ApplPtr:  status.ApplPtr,
		HwPtr:    status.HwPtr,
		Delay:    status.Delay,
		Avail:    status.Avail,
		AvailMax: status.AvailMax,
	}, nil
}

// State returns the current state of the PCM stream.
func (p *PCM) State() PcmState {
	status, err := p.Status()
	if err != nil {
		// The device is likely unusable or disconnected.
		return SNDRV_PCM_STATE_DISCONNECTED
	}

	return status.State
}

// Pointers synchronizes with the hardware and returns the hardware and application pointers.
func (p *PCM) Pointers() (hw, appl uint64, err error) {
	if err := p.syncPtr(SNDRV_PCM_SYNC_PTR_HWSYNC | SNDRV_PCM_SYNC_PTR_APPL | SNDRV_PCM_SYNC_PTR_AVAIL_MIN); err != nil {
		return 0, 0, err
	}

	return p.sync.S.HwPtr, p.sync.C.ApplPtr, nil
}

// SetApplPtr moves the application pointer of a mapped stream.
func (p *PCM) SetApplPtr(appl uint64) error {
	if p.boundary > 0 {
		appl %= p.boundary
	}

	p.sync.C.ApplPtr = appl
	p.sync.C.AvailMin = SndPcmUframesT(p.config.PeriodSize)

	return p.syncPtr(SNDRV_PCM_SYNC_PTR_HWSYNC)
}

// syncPtr exchanges pointers with the kernel through the SYNC_PTR ioctl. Flags name the
// fields the kernel should keep rather than take from p.sync.
func (p *PCM) syncPtr(flags uint32) error {
	p.sync.Flags = flags
	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_SYNC_PTR, uintptr(unsafe.Pointer(&p.sync))); err != nil {
		return fmt.Errorf("ioctl SYNC_PTR failed: %w", err)
	}

	return nil
}

// PcmFramesToBytes converts a number of frames to the corresponding number of bytes.
func PcmFramesToBytes(p *PCM, frames uint32) uint32 {
	if p == nil {
		return 0
	}

	return frames * p.FrameSize()
}

// PcmBytesToFrames converts a number of bytes to the corresponding number of frames.
func PcmBytesToFrames(p *PCM, bytes uint32) uint32 {
	if p == nil {
		return 0
	}

	frameSize := p.FrameSize()
	if frameSize == 0 {
		return 0
	}

	return bytes / frameSize
}
