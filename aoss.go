// Package aoss routes OSS audio device operations (/dev/dsp, /dev/mixer and friends) to an emulation
// backend while passing every other descriptor through unchanged to the kernel.
//
// An Interposer stands where libc would be: callers invoke its Open, Close, Read, Write, Ioctl, Fcntl,
// Mmap, Munmap, Poll and Select methods and observe kernel semantics for ordinary descriptors.
// Descriptors opened on a recognized device path belong to a device class and are served by that
// class's Device. Poll and Select present a single readiness view over a mixture of kernel
// descriptors and device descriptors whose readiness is computed by the backend.
package aoss

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Class identifies a category of intercepted descriptor.
type Class int

const (
	// ClassDSP is a digital audio stream device (/dev/dsp, /dev/audio).
	ClassDSP Class = iota
	// ClassMixer is a mixer control device (/dev/mixer).
	ClassMixer

	numClasses
)

// String returns the class name used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case ClassDSP:
		return "dsp"
	case ClassMixer:
		return "mixer"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Interposer owns the descriptor table and the device class bindings of one process.
// It is safe for concurrent use on distinct descriptors.
type Interposer struct {
	kernel  Kernel
	devices [numClasses]Device
	table   *table
	log     *logrus.Logger
	metrics *Metrics

	// pollExtra is the number of kernel descriptors the open device descriptors
	// currently contribute to an expanded poll set.
	pollExtra atomic.Int64
}

// New creates an Interposer with dsp and mixer bound as the backends of ClassDSP and ClassMixer.
// A nil config is equivalent to DefaultConfig().
func New(dsp, mixer Device, config *Config) (*Interposer, error) {
	if dsp == nil || mixer == nil {
		return nil, fmt.Errorf("both dsp and mixer devices are required")
	}

	if config == nil {
		config = DefaultConfig()
	}

	if config.MaxDescriptors < 0 {
		return nil, fmt.Errorf("invalid descriptor limit %d", config.MaxDescriptors)
	}

	kernel := config.Kernel
	if kernel == nil {
		kernel = HostKernel()
	}

	log := config.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}

	if config.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	metrics, err := NewMetrics(config.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	ip := &Interposer{
		kernel:  kernel,
		table:   newTable(config.MaxDescriptors),
		log:     log,
		metrics: metrics,
	}
	ip.devices[ClassDSP] = dsp
	ip.devices[ClassMixer] = mixer

	return ip, nil
}

// Kernel returns the primitives used for passthrough descriptors.
func (ip *Interposer) Kernel() Kernel {
	return ip.kernel
}

// Managed reports whether fd is currently owned by a device class, and which.
func (ip *Interposer) Managed(fd int) (Class, bool) {
	return ip.table.class(fd)
}

// NumManaged returns the number of open device descriptors.
func (ip *Interposer) NumManaged() int {
	return ip.table.len()
}

// Metrics returns the interposer's counters.
func (ip *Interposer) Metrics() *Metrics {
	return ip.metrics
}
