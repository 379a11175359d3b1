//go:build linux && (amd64 || arm64)

package alsa

import (
	"fmt"
	"unsafe"
)

// PcmParams is the configuration space of a PCM substream as refined by its driver.
type PcmParams struct {
	params sndPcmHwParams
}

// Refine asks the driver to restrict a fully open configuration space to what the substream supports.
func (p *PCM) Refine() (*PcmParams, error) {
	pp := &PcmParams{}
	paramInit(&pp.params)

	if err := ioctl(p.fd, SNDRV_PCM_IOCTL_HW_REFINE, uintptr(unsafe.Pointer(&pp.params))); err != nil {
		return nil, fmt.Errorf("ioctl HW_REFINE failed: %w", err)
	}

	return pp, nil
}

// RangeMin returns the minimum value for an interval parameter.
func (pp *PcmParams) RangeMin(param PcmParam) uint32 {
	if !isInterval(param) {
		return 0
	}

	return pp.params.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS].MinVal
}

// RangeMax returns the maximum value for an interval parameter.
func (pp *PcmParams) RangeMax(param PcmParam) uint32 {
	if !isInterval(param) {
		return 0
	}

	return pp.params.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS].MaxVal
}

// Clamp limits val to the range of an interval parameter.
func (pp *PcmParams) Clamp(param PcmParam, val uint32) uint32 {
	return min(max(val, pp.RangeMin(param)), pp.RangeMax(param))
}

// FormatIsSupported checks if a given PCM format is supported.
func (pp *PcmParams) FormatIsSupported(format PcmFormat) bool {
	if format < 0 {
		return false
	}

	return maskTest(&pp.params.Masks[SNDRV_PCM_HW_PARAM_FORMAT], uint32(format))
}

// AccessIsSupported checks if a given access type is supported.
func (pp *PcmParams) AccessIsSupported(access uint32) bool {
	return maskTest(&pp.params.Masks[SNDRV_PCM_HW_PARAM_ACCESS], access)
}

func isMask(param PcmParam) bool {
	return param >= SNDRV_PCM_HW_PARAM_ACCESS && param <= SNDRV_PCM_HW_PARAM_SUBFORMAT
}

func isInterval(param PcmParam) bool {
	return param >= SNDRV_PCM_HW_PARAM_SAMPLE_BITS && param <= SNDRV_PCM_HW_PARAM_TICK_TIME
}

func maskTest(mask *sndMask, bit uint32) bool {
	if bit >= 256 { // SNDRV_MASK_MAX
		return false
	}

	return mask.Bits[bit>>5]&(1<<(bit&31)) != 0
}

// paramInit initializes a sndPcmHwParams struct to allow all possible values.
func paramInit(p *sndPcmHwParams) {
	for n := range p.Masks {
		for i := range p.Masks[n].Bits {
			p.Masks[n].Bits[i] = ^uint32(0)
		}
	}

	for n := range p.Mres {
		for i := range p.Mres[n].Bits {
			p.Mres[n].Bits[i] = ^uint32(0)
		}
	}

	for n := range p.Intervals {
		p.Intervals[n] = sndInterval{MinVal: 0, MaxVal: ^uint32(0)}
	}

	for n := range p.Ires {
		p.Ires[n] = sndInterval{MinVal: 0, MaxVal: ^uint32(0)}
	}

	p.Rmask = ^uint32(0)
	p.Info = ^uint32(0)
}

// paramSetMask restricts a mask parameter to a single bit.
func paramSetMask(p *sndPcmHwParams, param PcmParam, bit uint32) {
	if !isMask(param) {
		return
	}

	mask := &p.Masks[param-SNDRV_PCM_HW_PARAM_ACCESS]
	for i := range mask.Bits {
		mask.Bits[i] = 0
	}

	if bit >= 256 { // SNDRV_MASK_MAX
		return
	}

	mask.Bits[bit>>5] |= 1 << (bit & 31)
}

// paramSetInt restricts an interval parameter to a single integer value.
func paramSetInt(p *sndPcmHwParams, param PcmParam, val uint32) {
	if !isInterval(param) {
		return
	}

	interval := &p.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS]
	interval.MinVal = val
	interval.MaxVal = val
	interval.Flags = SNDRV_PCM_INTERVAL_INTEGER
}

// paramSetMin raises the lower bound of an interval parameter.
func paramSetMin(p *sndPcmHwParams, param PcmParam, val uint32) {
	if !isInterval(param) {
		return
	}

	p.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS].MinVal = val
}

// paramGetInt returns the value the driver settled on for an interval parameter.
func paramGetInt(p *sndPcmHwParams, param PcmParam) uint32 {
	if !isInterval(param) {
		return 0
	}

	// The driver finalizes the configuration by narrowing the interval.
	return p.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS].MinVal
}
