// Command ossinfo lists the sound cards and what their OSS devices offer.
package main

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/internal/alsa"
	"github.com/gen2brain/aoss/oss"
)

var formatNames = []struct {
	afmt int32
	name string
}{
	{oss.AFMT_MU_LAW, "MU_LAW"},
	{oss.AFMT_A_LAW, "A_LAW"},
	{oss.AFMT_IMA_ADPCM, "IMA_ADPCM"},
	{oss.AFMT_U8, "U8"},
	{oss.AFMT_S16_LE, "S16_LE"},
	{oss.AFMT_S16_BE, "S16_BE"},
	{oss.AFMT_S8, "S8"},
	{oss.AFMT_U16_LE, "U16_LE"},
	{oss.AFMT_U16_BE, "U16_BE"},
	{oss.AFMT_MPEG, "MPEG"},
	{oss.AFMT_S32_LE, "S32_LE"},
}

var capNames = []struct {
	bit  int32
	name string
}{
	{oss.DSP_CAP_DUPLEX, "duplex"},
	{oss.DSP_CAP_REALTIME, "realtime"},
	{oss.DSP_CAP_TRIGGER, "trigger"},
	{oss.DSP_CAP_MMAP, "mmap"},
}

func main() {
	var (
		metrics bool
		debug   bool
	)

	flag.BoolVar(&metrics, "metrics", false, "Print the interposer metrics after probing")
	flag.BoolVar(&debug, "debug", false, "Log every translated call")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Probes /dev/dspN and /dev/mixerN of every ALSA card.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	log := logrus.New()
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cards, err := alsa.EnumerateCards()
	if err != nil {
		log.WithError(err).Fatal("cannot enumerate cards")
	}

	if len(cards) == 0 {
		fmt.Println("No sound cards found.")

		return
	}

	reg := prometheus.NewRegistry()

	config := aoss.ConfigFromEnv()
	config.Debug = config.Debug || debug
	config.Logger = log
	config.Registerer = reg

	opts := oss.OptionsFromEnv()
	opts.Logger = log

	ip, err := oss.NewInterposer(opts, config)
	if err != nil {
		log.WithError(err).Fatal("cannot create interposer")
	}

	reports := make([]string, len(cards))

	var g errgroup.Group
	g.SetLimit(4)

	for i, card := range cards {
		g.Go(func() error {
			var sb strings.Builder

			sb.WriteString(card.String())
			sb.WriteString(probeDSP(ip, fmt.Sprintf("/dev/dsp%d", card.ID), unix.O_WRONLY))
			sb.WriteString(probeDSP(ip, fmt.Sprintf("/dev/dsp%d", card.ID), unix.O_RDONLY))
			sb.WriteString(probeMixer(ip, fmt.Sprintf("/dev/mixer%d", card.ID)))
			reports[i] = sb.String()

			return nil
		})
	}

	_ = g.Wait()

	fmt.Println(strings.Join(reports, "\n"))

	if metrics {
		families, err := reg.Gather()
		if err != nil {
			log.WithError(err).Fatal("cannot gather metrics")
		}

		enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				log.WithError(err).Fatal("cannot encode metrics")
			}
		}
	}
}

func ioctl(ip *aoss.Interposer, fd int, req uint) (int32, error) {
	var v int32
	_, err := ip.Ioctl(fd, req, uintptr(unsafe.Pointer(&v)))

	return v, err
}

// probeDSP describes the formats and capabilities of one direction of a DSP device.
func probeDSP(ip *aoss.Interposer, path string, flags int) string {
	dir := "playback"
	if flags == unix.O_RDONLY {
		dir = "capture"
	}

	fd, err := ip.Open(path, flags|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Sprintf("  %s %s: %v\n", path, dir, err)
	}
	defer ip.Close(fd)

	fmts, err := ioctl(ip, fd, oss.SNDCTL_DSP_GETFMTS)
	if err != nil {
		return fmt.Sprintf("  %s %s: %v\n", path, dir, err)
	}

	caps, _ := ioctl(ip, fd, oss.SNDCTL_DSP_GETCAPS)
	blksize, _ := ioctl(ip, fd, oss.SNDCTL_DSP_GETBLKSIZE)

	var names []string
	for _, f := range formatNames {
		if fmts&f.afmt != 0 {
			names = append(names, f.name)
		}
	}

	var capList []string
	for _, c := range capNames {
		if caps&c.bit != 0 {
			capList = append(capList, c.name)
		}
	}

	return fmt.Sprintf("  %s %s: formats %s, fragment %d bytes, caps %s\n",
		path, dir, strings.Join(names, " "), blksize, strings.Join(capList, " "))
}

func probeMixer(ip *aoss.Interposer, path string) string {
	fd, err := ip.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Sprintf("  %s: %v\n", path, err)
	}
	defer ip.Close(fd)

	devmask, err := ioctl(ip, fd, oss.SOUND_MIXER_READ_DEVMASK)
	if err != nil {
		return fmt.Sprintf("  %s: %v\n", path, err)
	}

	recmask, _ := ioctl(ip, fd, oss.SOUND_MIXER_READ_RECMASK)

	return fmt.Sprintf("  %s: devmask %#07x, recmask %#07x\n", path, devmask, recmask)
}
