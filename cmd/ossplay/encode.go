package main

import (
	"encoding/binary"
	"fmt"

	"github.com/gen2brain/aoss/oss"
)

// deviceFormat returns the OSS format requested for name, or for a source of the given
// bit depth when name is empty.
func deviceFormat(name string, bitDepth int) (int32, error) {
	switch name {
	case "u8":
		return oss.AFMT_U8, nil
	case "s16":
		return oss.AFMT_S16_LE, nil
	case "s32":
		return oss.AFMT_S32_LE, nil
	case "":
	default:
		return 0, fmt.Errorf("unsupported format %q, use u8, s16 or s32", name)
	}

	switch {
	case bitDepth <= 8:
		return oss.AFMT_U8, nil
	case bitDepth <= 16:
		return oss.AFMT_S16_LE, nil
	default:
		return oss.AFMT_S32_LE, nil
	}
}

// sampleBits returns the sample width of an OSS format.
func sampleBits(afmt int32) int {
	switch afmt {
	case oss.AFMT_U8:
		return 8
	case oss.AFMT_S16_LE:
		return 16
	default:
		return 32
	}
}

// encode appends samples of srcBits bits to dst in the layout of afmt.
func encode(dst []byte, samples []int, srcBits int, afmt int32) []byte {
	dstBits := sampleBits(afmt)

	for _, s := range samples {
		if srcBits == 8 {
			s -= 128
		}

		if shift := dstBits - srcBits; shift > 0 {
			s <<= shift
		} else {
			s >>= -shift
		}

		switch afmt {
		case oss.AFMT_U8:
			dst = append(dst, byte(s+128))
		case oss.AFMT_S16_LE:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(s)))
		default:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(s)))
		}
	}

	return dst
}
