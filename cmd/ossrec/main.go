// Command ossrec records from the OSS interface of an ALSA card into a WAV file.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/oss"
)

func main() {
	var (
		device   string
		channels int
		rate     int
		format   string
		duration time.Duration
		debug    bool
	)

	flag.StringVarP(&device, "device", "d", "/dev/dsp", "The OSS device to record from")
	flag.IntVarP(&channels, "channels", "c", 2, "The number of channels")
	flag.IntVarP(&rate, "rate", "r", 48000, "The sample rate in Hz")
	flag.StringVarP(&format, "format", "f", "s16", "The sample format (u8, s16, s32)")
	flag.DurationVarP(&duration, "duration", "t", 5*time.Second, "How long to record")
	flag.BoolVar(&debug, "debug", false, "Log every translated call")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <output-wav-file>\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	log := logrus.New()
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	afmt, bits, err := parseFormat(format)
	if err != nil {
		log.Fatal(err)
	}

	opts := oss.OptionsFromEnv()
	opts.Logger = log

	config := aoss.ConfigFromEnv()
	config.Debug = config.Debug || debug
	config.Logger = log

	ip, err := oss.NewInterposer(opts, config)
	if err != nil {
		log.WithError(err).Fatal("cannot create interposer")
	}

	stream, err := ip.OpenStream(device, "r")
	if err != nil {
		log.WithError(err).Fatal("cannot open device")
	}
	defer stream.Close()

	fd := stream.Fd()

	for _, set := range []struct {
		name string
		req  uint
		val  *int
	}{
		{"SNDCTL_DSP_SETFMT", oss.SNDCTL_DSP_SETFMT, nil},
		{"SNDCTL_DSP_CHANNELS", oss.SNDCTL_DSP_CHANNELS, &channels},
		{"SNDCTL_DSP_SPEED", oss.SNDCTL_DSP_SPEED, &rate},
	} {
		v := afmt
		if set.val != nil {
			v = int32(*set.val)
		}

		if _, err := ip.Ioctl(fd, set.req, uintptr(unsafe.Pointer(&v))); err != nil {
			log.WithError(err).Fatal(set.name)
		}

		if set.val == nil && v != afmt {
			log.Fatalf("device does not support format %q", format)
		}

		if set.val != nil && int(v) != *set.val {
			log.WithFields(logrus.Fields{"requested": *set.val, "actual": v}).Warnf("%s adjusted by device", set.name)
			*set.val = int(v)
		}
	}

	out, err := os.Create(flag.Arg(0))
	if err != nil {
		log.WithError(err).Fatal("cannot create output")
	}
	defer out.Close()

	enc := wav.NewEncoder(out, rate, bits, channels, 1)
	defer func() {
		if err := enc.Close(); err != nil {
			log.WithError(err).Error("cannot finish WAV file")
		}
	}()

	fmt.Printf("Recording from %s: %d channels, %d Hz, %d-bit, %s\n", device, channels, rate, bits, duration)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	r := &recorder{ip: ip, fd: fd, stream: stream, afmt: afmt, channels: channels}

	frames, err := r.record(ctx, enc, bits)
	if err != nil {
		log.WithError(err).Error("recording failed")
	}

	fmt.Printf("Wrote %d frames (%.2f seconds) to %s\n", frames, float64(frames)/float64(rate), flag.Arg(0))
}

// parseFormat returns the OSS format and the WAV bit depth for name.
func parseFormat(name string) (int32, int, error) {
	switch name {
	case "u8":
		return oss.AFMT_U8, 8, nil
	case "s16":
		return oss.AFMT_S16_LE, 16, nil
	case "s32":
		return oss.AFMT_S32_LE, 32, nil
	default:
		return 0, 0, fmt.Errorf("unsupported format %q, use u8, s16 or s32", name)
	}
}

type recorder struct {
	ip       *aoss.Interposer
	fd       int
	stream   *aoss.Stream
	afmt     int32
	channels int
}

// record copies whole frames from the device to enc until ctx is done.
func (r *recorder) record(ctx context.Context, enc *wav.Encoder, bits int) (int, error) {
	frameSize := r.channels * bits / 8
	chunk := make([]byte, 1024*frameSize)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: r.channels}, SourceBitDepth: bits}

	frames := 0

	for {
		ready, err := r.wait(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return frames, nil
		}

		if err != nil {
			return frames, err
		}

		if !ready {
			continue
		}

		n, err := io.ReadFull(r.stream, chunk)
		if n -= n % frameSize; n > 0 {
			buf.Data = decode(buf.Data[:0], chunk[:n], r.afmt)
			if err := enc.Write(buf); err != nil {
				return frames, err
			}

			frames += n / frameSize
		}

		if err != nil {
			return frames, err
		}
	}
}

// wait selects on the device for up to 200ms.
func (r *recorder) wait(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var set unix.FdSet
	set.Set(r.fd)

	timeout := unix.NsecToTimeval((200 * time.Millisecond).Nanoseconds())

	n, err := r.ip.Select(r.fd+1, &set, nil, nil, &timeout)
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}

	return n > 0 && set.IsSet(r.fd), err
}

// decode appends the samples in b to dst. WAV stores 8-bit samples unsigned like AFMT_U8.
func decode(dst []int, b []byte, afmt int32) []int {
	switch afmt {
	case oss.AFMT_U8:
		for _, s := range b {
			dst = append(dst, int(s))
		}
	case oss.AFMT_S16_LE:
		for i := 0; i+2 <= len(b); i += 2 {
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(b[i:]))))
		}
	default:
		for i := 0; i+4 <= len(b); i += 4 {
			dst = append(dst, int(int32(binary.LittleEndian.Uint32(b[i:]))))
		}
	}

	return dst
}
