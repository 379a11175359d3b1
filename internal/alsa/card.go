//go:build linux && (amd64 || arm64)

package alsa

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	cardRegex = regexp.MustCompile(`^\s*(\d+)\s+\[\s*([^]]*?)\s*\]:\s*(.*)`)
	// Lines like "02-00: Loopback PCM : Loopback PCM : playback 8 : capture 8".
	pcmRegex = regexp.MustCompile(`^(\d+)-(\d+): (.*?) :.*`)
)

// SoundCardDevice is a PCM device of a sound card.
type SoundCardDevice struct {
	ID          int
	Description string
	Playback    bool
	Capture     bool
}

// String returns a human-readable representation of the SoundCardDevice.
func (d SoundCardDevice) String() string {
	var streams []string
	if d.Playback {
		streams = append(streams, "playback")
	}

	if d.Capture {
		streams = append(streams, "capture")
	}

	return fmt.Sprintf("  Device %d: %s [%s]", d.ID, d.Description, strings.Join(streams, ", "))
}

// SoundCard represents an enumerated sound card with its PCM devices.
type SoundCard struct {
	ID          int
	Name        string
	Description string
	Devices     []SoundCardDevice
}

// String returns a human-readable representation of the SoundCard.
func (c SoundCard) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Card %d: %s (%s)\n", c.ID, c.Name, c.Description))
	for _, dev := range c.Devices {
		sb.WriteString(dev.String() + "\n")
	}

	return sb.String()
}

// EnumerateCards scans /proc/asound to find all available sound cards and their PCM devices.
func EnumerateCards() ([]SoundCard, error) {
	cards, err := os.ReadFile("/proc/asound/cards")
	if err != nil {
		return nil, fmt.Errorf("could not read card list: %w", err)
	}

	// The PCM list is absent when no card has a PCM device.
	pcms, err := os.ReadFile("/proc/asound/pcm")
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read PCM list: %w", err)
	}

	return parseCards(string(cards), string(pcms)), nil
}

// parseCards parses the contents of /proc/asound/cards and /proc/asound/pcm.
func parseCards(cards, pcms string) []SoundCard {
	cardMap := make(map[int]*SoundCard)

	for _, line := range strings.Split(cards, "\n") {
		matches := cardRegex.FindStringSubmatch(line)
		if len(matches) != 4 {
			continue
		}

		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}

		cardMap[id] = &SoundCard{
			ID:          id,
			Name:        strings.TrimSpace(matches[2]),
			Description: strings.TrimSpace(matches[3]),
		}
	}

	for _, line := range strings.Split(pcms, "\n") {
		matches := pcmRegex.FindStringSubmatch(line)
		if len(matches) < 4 {
			continue
		}

		cardID, _ := strconv.Atoi(matches[1])
		devID, _ := strconv.Atoi(matches[2])

		card, ok := cardMap[cardID]
		if !ok {
			continue
		}

		card.Devices = append(card.Devices, SoundCardDevice{
			ID:          devID,
			Description: strings.TrimSpace(matches[3]),
			Playback:    strings.Contains(line, "playback"),
			Capture:     strings.Contains(line, "capture"),
		})
	}

	ids := make([]int, 0, len(cardMap))
	for id := range cardMap {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	result := make([]SoundCard, 0, len(ids))
	for _, id := range ids {
		result = append(result, *cardMap[id])
	}

	return result
}
