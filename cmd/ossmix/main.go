// Command ossmix shows and sets OSS mixer channels of an ALSA card.
package main

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/aoss"
	"github.com/gen2brain/aoss/oss"
)

// labels are the conventional OSS channel names, indexed by channel.
var labels = [oss.SOUND_MIXER_NRDEVICES]string{
	"vol", "bass", "treble", "synth", "pcm", "speaker", "line", "mic", "cd", "mix",
	"pcm2", "rec", "igain", "ogain", "line1", "line2", "line3", "dig1", "dig2", "dig3",
	"phin", "phout", "video", "radio", "monitor",
}

func main() {
	var (
		device string
		recsrc []string
		debug  bool
	)

	flag.StringVarP(&device, "device", "d", "/dev/mixer", "The OSS mixer device")
	flag.StringSliceVar(&recsrc, "recsrc", nil, "Set the recording sources, e.g. --recsrc mic,line")
	flag.BoolVar(&debug, "debug", false, "Log every translated call")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [channel left[:right]]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "\nWithout arguments all channels and their volumes are listed.")
	}

	flag.Parse()

	log := logrus.New()
	if debug {
		log.SetLevel(logrus.DebugLevel)
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

	fd, err := ip.Open(device, unix.O_RDWR, 0)
	if err != nil {
		log.WithError(err).WithField("device", device).Fatal("cannot open mixer")
	}
	defer ip.Close(fd)

	m := &mixer{ip: ip, fd: fd, log: log}

	if recsrc != nil {
		if err := m.setRecsrc(recsrc); err != nil {
			log.WithError(err).Fatal("cannot set recording sources")
		}
	}

	switch flag.NArg() {
	case 0:
		if err := m.list(); err != nil {
			log.WithError(err).Fatal("cannot list channels")
		}
	case 2:
		if err := m.set(flag.Arg(0), flag.Arg(1)); err != nil {
			log.WithError(err).Fatal("cannot set volume")
		}
	default:
		flag.Usage()
		os.Exit(1)
	}
}

type mixer struct {
	ip  *aoss.Interposer
	fd  int
	log logrus.FieldLogger
}

func (m *mixer) ioctl(req uint, v int32) (int32, error) {
	_, err := m.ip.Ioctl(m.fd, req, uintptr(unsafe.Pointer(&v)))

	return v, err
}

func (m *mixer) list() error {
	var info oss.MixerInfo
	if _, err := m.ip.Ioctl(m.fd, oss.SOUND_MIXER_INFO, uintptr(unsafe.Pointer(&info))); err != nil {
		return err
	}

	devmask, err := m.ioctl(oss.SOUND_MIXER_READ_DEVMASK, 0)
	if err != nil {
		return err
	}

	stereo, err := m.ioctl(oss.SOUND_MIXER_READ_STEREODEVS, 0)
	if err != nil {
		return err
	}

	recmask, err := m.ioctl(oss.SOUND_MIXER_READ_RECMASK, 0)
	if err != nil {
		return err
	}

	recsrc, err := m.ioctl(oss.SOUND_MIXER_READ_RECSRC, 0)
	if err != nil {
		return err
	}

	fmt.Printf("Mixer %s (%s)\n", cstring(info.Name[:]), cstring(info.ID[:]))

	for ch, label := range labels {
		bit := int32(1) << ch
		if devmask&bit == 0 {
			continue
		}

		v, err := m.ioctl(oss.SOUND_MIXER_READ|uint(ch), 0)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}

		left, right := oss.DecodeVolume(v)

		line := fmt.Sprintf("  %-8s %3d", label, left)
		if stereo&bit != 0 {
			line += fmt.Sprintf(":%-3d", right)
		}

		switch {
		case recsrc&bit != 0:
			line += "  [rec]"
		case recmask&bit != 0:
			line += "  [   ]"
		}

		fmt.Println(line)
	}

	return nil
}

// set parses "left[:right]" and writes it to the channel called name.
func (m *mixer) set(name, value string) error {
	ch, err := channel(name)
	if err != nil {
		return err
	}

	ls, rs, stereo := strings.Cut(value, ":")

	left, err := strconv.Atoi(ls)
	if err != nil {
		return fmt.Errorf("invalid volume %q", value)
	}

	right := left
	if stereo {
		if right, err = strconv.Atoi(rs); err != nil {
			return fmt.Errorf("invalid volume %q", value)
		}
	}

	v, err := m.ioctl(oss.SOUND_MIXER_WRITE|uint(ch), oss.EncodeVolume(left, right))
	if err != nil {
		return err
	}

	left, right = oss.DecodeVolume(v)
	fmt.Printf("%s set to %d:%d\n", labels[ch], left, right)

	return nil
}

func (m *mixer) setRecsrc(names []string) error {
	var mask int32
	for _, name := range names {
		ch, err := channel(name)
		if err != nil {
			return err
		}

		mask |= 1 << ch
	}

	got, err := m.ioctl(oss.SOUND_MIXER_WRITE_RECSRC, mask)
	if err != nil {
		return err
	}

	if got != mask {
		m.log.WithFields(logrus.Fields{"requested": mask, "actual": got}).Warn("some sources cannot record")
	}

	return nil
}

func channel(name string) (int, error) {
	ch := slices.Index(labels[:], strings.ToLower(name))
	if ch < 0 {
		return -1, fmt.Errorf("unknown channel %q", name)
	}

	return ch, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}
