// Command ossplay plays WAV and MP3 files through the OSS interface of an ALSA card.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/go-audio/audio"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/oss"
)

func main() {
	var (
		device   string
		format   string
		fragment uint32
		debug    bool
	)

	flag.StringVarP(&device, "device", "d", "/dev/dsp", "The OSS device to play to")
	flag.StringVarP(&format, "format", "f", "", "The sample format sent to the device (u8, s16, s32; default matches the file)")
	flag.Uint32Var(&fragment, "fragment", 0, "The SNDCTL_DSP_SETFRAGMENT argument as 0xMMMMSSSS (0 = driver default)")
	flag.BoolVar(&debug, "debug", false, "Log every translated call")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file>\n\nOptions:\n", os.Args[0])
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

	path := flag.Arg(0)

	file, err := os.Open(path)
	if err != nil {
		log.WithError(err).Fatal("cannot open input")
	}
	defer file.Close()

	src, err := openSource(path, file)
	if err != nil {
		log.WithError(err).Fatal("cannot decode input")
	}

	afmt, err := deviceFormat(format, src.BitDepth())
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

	fd, err := ip.Open(device, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		log.WithError(err).WithField("device", device).Fatal("cannot open device")
	}

	p := &player{ip: ip, fd: fd, log: log}
	defer p.close()

	if err := p.configure(afmt, src.NumChans(), src.SampleRate(), fragment); err != nil {
		log.WithError(err).Fatal("cannot configure device")
	}

	if d, err := src.Duration(); err == nil {
		fmt.Printf("Playing %s (%s) on %s\n", path, d.Round(1e6), device)
	} else {
		fmt.Printf("Playing %s on %s\n", path, device)
	}

	fmt.Printf("%d channels, %d Hz, %d-bit source, %d-bit device\n", src.NumChans(), src.SampleRate(), src.BitDepth(), sampleBits(afmt))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.play(ctx, src, afmt); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("\nPlayback interrupted.")
			_, _ = ip.Ioctl(fd, oss.SNDCTL_DSP_RESET, 0)

			return
		}

		log.WithError(err).Error("playback failed")

		return
	}

	if _, err := ip.Ioctl(fd, oss.SNDCTL_DSP_SYNC, 0); err != nil {
		log.WithError(err).Warn("cannot drain device")
	}

	fmt.Println("Playback finished.")
}

type player struct {
	ip  *aoss.Interposer
	fd  int
	log logrus.FieldLogger
}

// configure sets the device parameters. The device may pick a nearby rate, any other
// substitution is an error because ossplay does not convert.
func (p *player) configure(afmt int32, channels, rate int, fragment uint32) error {
	if fragment != 0 {
		if _, err := p.ioctl(oss.SNDCTL_DSP_SETFRAGMENT, int32(fragment)); err != nil {
			return fmt.Errorf("SNDCTL_DSP_SETFRAGMENT: %w", err)
		}
	}

	got, err := p.ioctl(oss.SNDCTL_DSP_SETFMT, afmt)
	if err != nil {
		return fmt.Errorf("SNDCTL_DSP_SETFMT: %w", err)
	}

	if got != afmt {
		return fmt.Errorf("device does not support format %#x", afmt)
	}

	got, err = p.ioctl(oss.SNDCTL_DSP_CHANNELS, int32(channels))
	if err != nil {
		return fmt.Errorf("SNDCTL_DSP_CHANNELS: %w", err)
	}

	if int(got) != channels {
		return fmt.Errorf("device does not support %d channels", channels)
	}

	got, err = p.ioctl(oss.SNDCTL_DSP_SPEED, int32(rate))
	if err != nil {
		return fmt.Errorf("SNDCTL_DSP_SPEED: %w", err)
	}

	if int(got) != rate {
		p.log.WithFields(logrus.Fields{"requested": rate, "actual": got}).Warn("rate adjusted by device")
	}

	return nil
}

func (p *player) ioctl(req uint, v int32) (int32, error) {
	_, err := p.ip.Ioctl(p.fd, req, uintptr(unsafe.Pointer(&v)))

	return v, err
}

// play decodes src a fragment at a time and writes it to the device.
func (p *player) play(ctx context.Context, src source, afmt int32) error {
	blksize, err := p.ioctl(oss.SNDCTL_DSP_GETBLKSIZE, 0)
	if err != nil {
		return fmt.Errorf("SNDCTL_DSP_GETBLKSIZE: %w", err)
	}

	samples := max(int(blksize)*8/sampleBits(afmt), src.NumChans())
	samples -= samples % src.NumChans()

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: src.NumChans(), SampleRate: src.SampleRate()},
		Data:   make([]int, samples),
	}

	var out []byte

	for {
		n, err := src.PCMBuffer(buf)
		if n > 0 {
			out = encode(out[:0], buf.Data[:n], src.BitDepth(), afmt)
			if werr := p.write(ctx, out); werr != nil {
				return werr
			}
		}

		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}

// write writes all of b, waiting for room whenever the device is full.
func (p *player) write(ctx context.Context, b []byte) error {
	for len(b) > 0 {
		n, err := p.ip.Write(p.fd, b)
		switch {
		case errors.Is(err, unix.EAGAIN):
			if err := p.wait(ctx); err != nil {
				return err
			}

			continue
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return err
		}

		b = b[n:]
	}

	return nil
}

// wait polls the device until it is writable or ctx is done.
func (p *player) wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.ip.Poll(fds, 200)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return err
		}

		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLERR != 0 {
			return unix.EIO
		}

		return nil
	}
}

func (p *player) close() {
	if err := p.ip.Close(p.fd); err != nil {
		p.log.WithError(err).Warn("cannot close device")
	}
}
