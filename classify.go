package aoss

import "strings"

var (
	dspPrefixes = []string{
		"/dev/dsp",
		"/dev/adsp",
		"/dev/audio",
		"/dev/sound/dsp",
		"/dev/sound/adsp",
		"/dev/sound/audio",
	}

	mixerPrefixes = []string{
		"/dev/mixer",
		"/dev/sound/mixer",
	}
)

// Classify returns the device class of path, or false if path is not a device path.
func Classify(path string) (Class, bool) {
	for _, prefix := range dspPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ClassDSP, true
		}
	}

	for _, prefix := range mixerPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ClassMixer, true
		}
	}

	return 0, false
}
