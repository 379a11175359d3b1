//go:build linux && (amd64 || arm64)

package alsa

import (
	"fmt"
	"unsafe"
)

// MixerCtl represents an individual mixer control handle.
type MixerCtl struct {
	mixer *Mixer
	info  sndCtlElemInfo
}

// Name returns the name of the control.
func (c *MixerCtl) Name() string {
	return cString(c.info.Id.Name[:])
}

// ID returns the numeric ID of the control.
func (c *MixerCtl) ID() uint32 {
	return c.info.Id.Numid
}

// Type returns the value type of the control.
func (c *MixerCtl) Type() MixerCtlType {
	return MixerCtlType(c.info.Typ)
}

// NumValues returns the number of values of the control, one per channel for volumes and switches.
func (c *MixerCtl) NumValues() int {
	return int(c.info.Count)
}

// Writable reports whether the control accepts writes.
func (c *MixerCtl) Writable() bool {
	return CtlAccessFlag(c.info.Access)&SNDRV_CTL_ELEM_ACCESS_WRITE != 0
}

// Range returns the minimum and maximum value of an integer or boolean control.
func (c *MixerCtl) Range() (int, int, error) {
	switch c.Type() {
	case SNDRV_CTL_ELEM_TYPE_BOOLEAN:
		return 0, 1, nil
	case SNDRV_CTL_ELEM_TYPE_INTEGER:
		v := (*integer)(unsafe.Pointer(&c.info.Value[0]))

		return int(v.Min), int(v.Max), nil
	default:
		return 0, 0, fmt.Errorf("control %s is not an integer or boolean control", c.Name())
	}
}

// Values reads all values of the control.
func (c *MixerCtl) Values() ([]int, error) {
	if _, _, err := c.Range(); err != nil {
		return nil, err
	}

	value, err := c.read()
	if err != nil {
		return nil, err
	}

	out := make([]int, min(c.NumValues(), len(value.Value)))
	for i := range out {
		out[i] = int(value.Value[i])
	}

	return out, nil
}

// SetValues writes the values of the control. Missing trailing values repeat the last given one.
func (c *MixerCtl) SetValues(values ...int) error {
	if len(values) == 0 {
		return fmt.Errorf("no values given for control %s", c.Name())
	}

	lo, hi, err := c.Range()
	if err != nil {
		return err
	}

	if !c.Writable() {
		return fmt.Errorf("control %s is read-only", c.Name())
	}

	value := &sndCtlElemValue{Id: c.info.Id}
	for i := 0; i < c.NumValues() && i < len(value.Value); i++ {
		v := values[min(i, len(values)-1)]
		value.Value[i] = clong(min(max(v, lo), hi))
	}

	if err := ioctl(c.mixer.fd, SNDRV_CTL_IOCTL_ELEM_WRITE, uintptr(unsafe.Pointer(value))); err != nil {
		return fmt.Errorf("ioctl ELEM_WRITE for %s failed: %w", c.Name(), err)
	}

	return nil
}

// Percents reads all values of the control scaled to 0..100.
func (c *MixerCtl) Percents() ([]int, error) {
	lo, hi, err := c.Range()
	if err != nil {
		return nil, err
	}

	values, err := c.Values()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		values[i] = ToPercent(v, lo, hi)
	}

	return values, nil
}

// SetPercents writes values given in 0..100 scaled to the range of the control.
func (c *MixerCtl) SetPercents(percents ...int) error {
	lo, hi, err := c.Range()
	if err != nil {
		return err
	}

	values := make([]int, len(percents))
	for i, p := range percents {
		values[i] = FromPercent(p, lo, hi)
	}

	return c.SetValues(values...)
}

func (c *MixerCtl) read() (*sndCtlElemValue, error) {
	value := &sndCtlElemValue{Id: c.info.Id}
	if err := ioctl(c.mixer.fd, SNDRV_CTL_IOCTL_ELEM_READ, uintptr(unsafe.Pointer(value))); err != nil {
		return nil, fmt.Errorf("ioctl ELEM_READ for %s failed: %w", c.Name(), err)
	}

	return value, nil
}

// ToPercent scales v from lo..hi to 0..100, rounding to nearest.
func ToPercent(v, lo, hi int) int {
	if hi <= lo {
		return 0
	}

	v = min(max(v, lo), hi)

	return ((v-lo)*100 + (hi-lo)/2) / (hi - lo)
}

// FromPercent scales p from 0..100 to lo..hi, rounding to nearest.
func FromPercent(p, lo, hi int) int {
	if hi <= lo {
		return lo
	}

	p = min(max(p, 0), 100)

	return lo + (p*(hi-lo)+50)/100
}
