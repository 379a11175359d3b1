//go:build linux && (amd64 || arm64)

package alsa_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/aoss/internal/alsa"
)

func TestPercentScaling(t *testing.T) {
	testCases := []struct {
		lo, hi int
	}{
		{0, 100},
		{0, 31},
		{-50, 100},
		{0, 65536},
	}

	for _, tc := range testCases {
		assert.Equal(t, 0, alsa.ToPercent(tc.lo, tc.lo, tc.hi))
		assert.Equal(t, 100, alsa.ToPercent(tc.hi, tc.lo, tc.hi))
		assert.Equal(t, tc.lo, alsa.FromPercent(0, tc.lo, tc.hi))
		assert.Equal(t, tc.hi, alsa.FromPercent(100, tc.lo, tc.hi))

		// Out of range input is clamped.
		assert.Equal(t, 100, alsa.ToPercent(tc.hi+10, tc.lo, tc.hi))
		assert.Equal(t, tc.hi, alsa.FromPercent(150, tc.lo, tc.hi))
	}

	assert.Equal(t, 50, alsa.ToPercent(50, 0, 100))
	assert.Equal(t, 25, alsa.FromPercent(50, -50, 100))
	assert.Equal(t, 0, alsa.ToPercent(3, 5, 5), "an empty range maps to 0")
}

func TestMixerInvalidParameters(t *testing.T) {
	var nilMixer *alsa.Mixer

	assert.NotPanics(t, func() {
		assert.NoError(t, nilMixer.Close())
	}, "Close on nil mixer should not panic")

	assert.Equal(t, "", nilMixer.Name())
	assert.Equal(t, 0, nilMixer.NumCtls())
	assert.Equal(t, -1, nilMixer.Fd())

	_, err := nilMixer.CtlByName("Master Volume")
	assert.Error(t, err)

	_, err = alsa.MixerOpen(999)
	assert.Error(t, err, "opening a nonexistent card should fail")
}

func TestMixerHardware(t *testing.T) {
	requireDummy(t)

	mixer, err := alsa.MixerOpen(uint(dummyCard))
	require.NoError(t, err)
	defer mixer.Close()

	assert.NotEmpty(t, mixer.Name())
	assert.NotEmpty(t, mixer.ID())
	assert.Greater(t, mixer.NumCtls(), 0)

	ctl, err := mixer.CtlByName("Master Volume")
	require.NoError(t, err)
	assert.Equal(t, alsa.SNDRV_CTL_ELEM_TYPE_INTEGER, ctl.Type())
	assert.Equal(t, 2, ctl.NumValues())

	lo, hi, err := ctl.Range()
	require.NoError(t, err)
	assert.Less(t, lo, hi)

	orig, err := ctl.Values()
	require.NoError(t, err)
	defer ctl.SetValues(orig...)

	require.NoError(t, ctl.SetPercents(100, 0))

	percents, err := ctl.Percents()
	require.NoError(t, err)
	assert.Equal(t, []int{100, 0}, percents)

	require.NoError(t, ctl.SetValues(hi+1000))

	values, err := ctl.Values()
	require.NoError(t, err)
	assert.Equal(t, []int{hi, hi}, values, "values should be clamped and repeated")
}
