package aoss_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gen2brain/aoss"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		path  string
		class aoss.Class
		ok    bool
	}{
		{"/dev/dsp", aoss.ClassDSP, true},
		{"/dev/dsp0", aoss.ClassDSP, true},
		{"/dev/adsp", aoss.ClassDSP, true},
		{"/dev/audio", aoss.ClassDSP, true},
		{"/dev/audio1", aoss.ClassDSP, true},
		{"/dev/sound/dsp", aoss.ClassDSP, true},
		{"/dev/sound/adsp1", aoss.ClassDSP, true},
		{"/dev/sound/audio", aoss.ClassDSP, true},
		{"/dev/mixer", aoss.ClassMixer, true},
		{"/dev/mixer1", aoss.ClassMixer, true},
		{"/dev/sound/mixer", aoss.ClassMixer, true},
		{"/dev/null", 0, false},
		{"/dev/snd/pcmC0D0p", 0, false},
		{"dsp", 0, false},
		{"/tmp/dev/dsp", 0, false},
		{"", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			class, ok := aoss.Classify(tc.path)
			assert.Equal(t, tc.ok, ok)

			if tc.ok {
				assert.Equal(t, tc.class, class)
			}
		})
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "dsp", aoss.ClassDSP.String())
	assert.Equal(t, "mixer", aoss.ClassMixer.String())
	assert.Equal(t, "class(9)", aoss.Class(9).String())
}
