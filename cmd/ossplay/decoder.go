package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// source is a decoded audio file. Samples are signed integers of BitDepth bits,
// except for 8-bit WAV data which is unsigned.
type source interface {
	// PCMBuffer fills buf.Data with interleaved samples and returns how many were read.
	PCMBuffer(buf *audio.IntBuffer) (int, error)
	Duration() (time.Duration, error)
	NumChans() int
	SampleRate() int
	BitDepth() int
}

// openSource picks a decoder by the file extension.
func openSource(path string, f *os.File) (source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return newMp3Source(f)
	case ".wav", ".wave":
		return newWavSource(f)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

type wavSource struct {
	*wav.Decoder
}

func newWavSource(r io.ReadSeeker) (source, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("unsupported WAV encoding %d, only integer PCM can be played", d.WavAudioFormat)
	}

	return &wavSource{Decoder: d}, nil
}

func (w *wavSource) NumChans() int   { return int(w.Decoder.NumChans) }
func (w *wavSource) SampleRate() int { return int(w.Decoder.SampleRate) }
func (w *wavSource) BitDepth() int   { return int(w.Decoder.BitDepth) }

// mp3Source decodes to 16-bit stereo.
type mp3Source struct {
	d   *mp3.Decoder
	raw []byte
}

func newMp3Source(r io.Reader) (source, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	return &mp3Source{d: d}, nil
}

func (m *mp3Source) PCMBuffer(buf *audio.IntBuffer) (int, error) {
	size := len(buf.Data) * 2
	if cap(m.raw) < size {
		m.raw = make([]byte, size)
	}

	n, err := io.ReadFull(m.d, m.raw[:size])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}

	samples := n / 2
	for i := range samples {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(m.raw[i*2:])))
	}

	return samples, err
}

func (m *mp3Source) Duration() (time.Duration, error) {
	if m.d.Length() < 0 {
		return 0, errors.New("unknown length")
	}

	frames := m.d.Length() / 4

	return time.Duration(frames) * time.Second / time.Duration(m.d.SampleRate()), nil
}

func (m *mp3Source) NumChans() int   { return 2 }
func (m *mp3Source) SampleRate() int { return m.d.SampleRate() }
func (m *mp3Source) BitDepth() int   { return 16 }
