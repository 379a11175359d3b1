package aoss

import (
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// EnvDebug enables tracing of poll and select translation when set to any value.
	EnvDebug = "ALSA_OSS_DEBUG"
	// EnvMaxDescriptors limits the number of simultaneously open device descriptors.
	EnvMaxDescriptors = "AOSS_MAX_FDS"
)

// Config holds the settings of an Interposer.
type Config struct {
	// Debug enables verbose tracing.
	Debug bool
	// MaxDescriptors caps the descriptor table; 0 means unlimited.
	MaxDescriptors int
	// Kernel serves passthrough descriptors. Nil means HostKernel().
	Kernel Kernel
	// Logger receives trace and error output. Nil means a new logger writing to stderr.
	Logger *logrus.Logger
	// Registerer receives the interposer metrics. Nil means a private registry.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the default settings.
func DefaultConfig() *Config {
	return &Config{}
}

// ConfigFromEnv returns the default settings overridden by the process environment.
// Malformed numeric values are ignored.
func ConfigFromEnv() *Config {
	config := DefaultConfig()

	if _, ok := os.LookupEnv(EnvDebug); ok {
		config.Debug = true
	}

	if s, ok := os.LookupEnv(EnvMaxDescriptors); ok {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			config.MaxDescriptors = n
		}
	}

	return config
}
