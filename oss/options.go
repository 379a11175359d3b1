//go:build linux && (amd64 || arm64)

package oss

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	// EnvConfig names a TOML file read by OptionsFromEnv before the other variables.
	EnvConfig = "AOSS_CONFIG"
	// EnvCard selects the ALSA card for device paths without a number.
	EnvCard = "AOSS_CARD"
	// EnvPeriodSize sets the default period size in frames.
	EnvPeriodSize = "AOSS_PERIOD_SIZE"
	// EnvPeriods sets the default number of periods in the buffer.
	EnvPeriods = "AOSS_PERIODS"
	// EnvBusyTimeout sets how long a blocking open waits for a busy device, e.g. "2s".
	EnvBusyTimeout = "AOSS_BUSY_TIMEOUT"
)

// Options configure the emulation.
type Options struct {
	// Card is used for paths without a card number, such as /dev/dsp.
	Card uint
	// PeriodSize and Periods size the ALSA buffer until a program asks for fragments itself.
	PeriodSize uint32
	Periods    uint32
	// BusyTimeout is how long an open without O_NONBLOCK retries a PCM that is in use.
	// Zero fails at once with EBUSY.
	BusyTimeout time.Duration
	// Logger receives debug and warning output. Nil means the logrus standard logger.
	Logger logrus.FieldLogger
}

// DefaultOptions returns the default emulation settings.
func DefaultOptions() Options {
	return Options{
		PeriodSize: 1024,
		Periods:    4,
	}
}

// optionsFile is the layout of the TOML options file.
type optionsFile struct {
	Card        *uint   `toml:"card"`
	PeriodSize  *uint32 `toml:"period_size"`
	Periods     *uint32 `toml:"periods"`
	BusyTimeout *string `toml:"busy_timeout"`
}

// LoadOptions returns opts overridden by the TOML file at path, for example:
//
//	card = 1
//	period_size = 512
//	periods = 8
//	busy_timeout = "2s"
func LoadOptions(path string, opts Options) (Options, error) {
	var file optionsFile

	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return opts, fmt.Errorf("failed to read options from %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return opts, fmt.Errorf("unknown option %q in %s", undecoded[0].String(), path)
	}

	if file.Card != nil {
		opts.Card = *file.Card
	}

	if file.PeriodSize != nil {
		if *file.PeriodSize == 0 {
			return opts, fmt.Errorf("period_size in %s must be positive", path)
		}

		opts.PeriodSize = *file.PeriodSize
	}

	if file.Periods != nil {
		if *file.Periods < 2 {
			return opts, fmt.Errorf("periods in %s must be at least 2", path)
		}

		opts.Periods = *file.Periods
	}

	if file.BusyTimeout != nil {
		d, err := time.ParseDuration(*file.BusyTimeout)
		if err != nil || d < 0 {
			return opts, fmt.Errorf("invalid busy_timeout %q in %s", *file.BusyTimeout, path)
		}

		opts.BusyTimeout = d
	}

	return opts, nil
}

// OptionsFromEnv returns the default options overridden by the file named in AOSS_CONFIG
// and then by the other variables. Malformed variables are ignored; a bad file is logged and skipped.
func OptionsFromEnv() Options {
	opts := DefaultOptions()

	if path, ok := os.LookupEnv(EnvConfig); ok {
		loaded, err := LoadOptions(path, opts)
		if err != nil {
			logrus.WithError(err).Warn("ignoring options file")
		} else {
			opts = loaded
		}
	}

	if v, ok := envUint(EnvCard); ok {
		opts.Card = uint(v)
	}

	if v, ok := envUint(EnvPeriodSize); ok && v > 0 {
		opts.PeriodSize = uint32(v)
	}

	if v, ok := envUint(EnvPeriods); ok && v > 1 {
		opts.Periods = uint32(v)
	}

	if s, ok := os.LookupEnv(EnvBusyTimeout); ok {
		if d, err := time.ParseDuration(s); err == nil && d >= 0 {
			opts.BusyTimeout = d
		}
	}

	return opts
}

func envUint(name string) (uint64, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}

	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}

	return v, true
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}

	return o.Logger
}
