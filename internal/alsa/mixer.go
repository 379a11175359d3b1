//go:build linux && (amd64 || arm64)

package alsa

import (
	"bytes"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mixer represents an open ALSA control device handle.
type Mixer struct {
	fd       int
	cardInfo sndCtlCardInfo
	Ctls     []*MixerCtl
	ctlMap   map[string][]*MixerCtl // Maps a name to one or more controls
}

// MixerPath returns the control device node of a card.
func MixerPath(card uint) string {
	return fmt.Sprintf("/dev/snd/controlC%d", card)
}

// MixerOpen opens the control device of a card and enumerates its controls.
// Only direct hardware control devices (e.g., /dev/snd/controlC0) are supported.
func MixerOpen(card uint) (*Mixer, error) {
	path := MixerPath(card)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open mixer device %s: %w", path, err)
	}

	mixer := &Mixer{
		fd:     fd,
		ctlMap: make(map[string][]*MixerCtl),
	}

	if err := ioctl(fd, SNDRV_CTL_IOCTL_CARD_INFO, uintptr(unsafe.Pointer(&mixer.cardInfo))); err != nil {
		_ = mixer.Close()

		return nil, fmt.Errorf("ioctl CARD_INFO failed: %w", err)
	}

	if err := mixer.enumerateAllControls(); err != nil {
		_ = mixer.Close()

		return nil, fmt.Errorf("failed to enumerate controls: %w", err)
	}

	return mixer, nil
}

// Close closes the mixer device handle.
func (m *Mixer) Close() error {
	if m == nil || m.fd < 0 {
		return nil
	}

	err := unix.Close(m.fd)
	m.fd = -1

	return err
}

// Fd returns the underlying file descriptor for the mixer device.
func (m *Mixer) Fd() int {
	if m == nil {
		return -1
	}

	return m.fd
}

// ID returns the short identifier of the sound card.
func (m *Mixer) ID() string {
	if m == nil {
		return ""
	}

	return cString(m.cardInfo.Id[:])
}

// Name returns the name of the sound card.
func (m *Mixer) Name() string {
	if m == nil {
		return ""
	}

	return cString(m.cardInfo.Name[:])
}

// NumCtls returns the total number of controls found on the mixer.
func (m *Mixer) NumCtls() int {
	if m == nil {
		return 0
	}

	return len(m.Ctls)
}

// CtlByName returns the first mixer control found with the given name.
func (m *Mixer) CtlByName(name string) (*MixerCtl, error) {
	if m == nil {
		return nil, fmt.Errorf("mixer is nil")
	}

	ctls, ok := m.ctlMap[name]
	if !ok || len(ctls) == 0 {
		return nil, fmt.Errorf("control not found: %s", name)
	}

	return ctls[0], nil
}

// enumerateAllControls gets the information for every control on the mixer.
func (m *Mixer) enumerateAllControls() error {
	list := &sndCtlElemList{}

	// First call: get the count of controls
	if err := ioctl(m.fd, SNDRV_CTL_IOCTL_ELEM_LIST, uintptr(unsafe.Pointer(list))); err != nil {
		return fmt.Errorf("ioctl ELEM_LIST (get count) failed: %w", err)
	}

	count := list.Count
	if count == 0 {
		return nil
	}

	m.Ctls = make([]*MixerCtl, 0, count)
	ids := make([]sndCtlElemId, count)

	// Second call: get the actual control IDs
	list.Space = count
	list.Pids = uintptr(unsafe.Pointer(&ids[0]))

	if err := ioctl(m.fd, SNDRV_CTL_IOCTL_ELEM_LIST, uintptr(unsafe.Pointer(list))); err != nil {
		return fmt.Errorf("ioctl ELEM_LIST (get ids) failed: %w", err)
	}

	for i := uint32(0); i < list.Used; i++ {
		info := sndCtlElemInfo{}
		info.Id = ids[i]

		if err := ioctl(m.fd, SNDRV_CTL_IOCTL_ELEM_INFO, uintptr(unsafe.Pointer(&info))); err != nil {
			// Skip controls that we can't read info for
			continue
		}

		ctl := &MixerCtl{
			mixer: m,
			info:  info,
		}

		name := ctl.Name()
		m.Ctls = append(m.Ctls, ctl)
		m.ctlMap[name] = append(m.ctlMap[name], ctl)
	}

	return nil
}

// cString converts a C-style null-terminated byte array to a Go string.
func cString(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		return string(b)
	}

	return string(b[:i])
}
