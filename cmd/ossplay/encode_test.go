package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/aoss/oss"
)

func TestDeviceFormat(t *testing.T) {
	tests := []struct {
		name     string
		bitDepth int
		want     int32
	}{
		{"", 8, oss.AFMT_U8},
		{"", 16, oss.AFMT_S16_LE},
		{"", 24, oss.AFMT_S32_LE},
		{"s16", 24, oss.AFMT_S16_LE},
		{"u8", 16, oss.AFMT_U8},
		{"s32", 16, oss.AFMT_S32_LE},
	}

	for _, tt := range tests {
		got, err := deviceFormat(tt.name, tt.bitDepth)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "format %q, depth %d", tt.name, tt.bitDepth)
	}

	_, err := deviceFormat("f32", 16)
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff}, encode(nil, []int{1, -1}, 16, oss.AFMT_S16_LE))

	// Unsigned 8-bit samples are centered before widening.
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x80}, encode(nil, []int{128, 0}, 8, oss.AFMT_S16_LE))

	// Narrowing keeps the high bits.
	assert.Equal(t, []byte{0x80, 0xff, 0x00}, encode(nil, []int{0, 0x7fff, -0x8000}, 16, oss.AFMT_U8))

	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x00}, encode(nil, []int{1}, 16, oss.AFMT_S32_LE))
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00}, encode(nil, []int{1}, 24, oss.AFMT_S32_LE))

	dst := encode(make([]byte, 0, 8), []int{1}, 16, oss.AFMT_S16_LE)
	assert.Equal(t, []byte{0x01, 0x00}, encode(dst[:0], []int{1}, 16, oss.AFMT_S16_LE))
}
