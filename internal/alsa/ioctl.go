//go:build linux && (amd64 || arm64)

package alsa

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl performs a generic ioctl syscall.
func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

const (
	iocNrbits    = 8
	iocTypebits  = 8
	iocSizebits  = 14
	iocNrshift   = 0
	iocTypeshift = iocNrshift + iocNrbits
	iocSizeshift = iocTypeshift + iocTypebits
	iocDirshift  = iocSizeshift + iocSizebits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

// ioc builds an ioctl request code the way the kernel's _IOC macro does.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirshift) | (typ << iocTypeshift) | (nr << iocNrshift) | (size << iocSizeshift)
}

// io builds an ioctl request code for a command with no data transfer.
func io(typ, nr uintptr) uintptr {
	return ioc(iocNone, typ, nr, 0)
}

// iow builds an ioctl request code for a write-only operation.
func iow(typ, nr, size uintptr) uintptr {
	return ioc(iocWrite, typ, nr, size)
}

// ior builds a read-only ioctl request code.
func ior(typ, nr, size uintptr) uintptr {
	return ioc(iocRead, typ, nr, size)
}

// iowr builds a read-write ioctl request code.
func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

var (
	// PCM IOCTLs
	SNDRV_PCM_IOCTL_INFO          = ior('A', 0x01, unsafe.Sizeof(sndPcmInfo{}))
	SNDRV_PCM_IOCTL_HW_REFINE     = iowr('A', 0x10, unsafe.Sizeof(sndPcmHwParams{}))
	SNDRV_PCM_IOCTL_HW_PARAMS     = iowr('A', 0x11, unsafe.Sizeof(sndPcmHwParams{}))
	SNDRV_PCM_IOCTL_HW_FREE       = io('A', 0x12)
	SNDRV_PCM_IOCTL_SW_PARAMS     = iowr('A', 0x13, unsafe.Sizeof(sndPcmSwParams{}))
	SNDRV_PCM_IOCTL_STATUS        = ior('A', 0x20, unsafe.Sizeof(sndPcmStatus{}))
	SNDRV_PCM_IOCTL_DELAY         = ior('A', 0x21, unsafe.Sizeof(SndPcmSframesT(0)))
	SNDRV_PCM_IOCTL_HWSYNC        = io('A', 0x22)
	SNDRV_PCM_IOCTL_SYNC_PTR      = iowr('A', 0x23, unsafe.Sizeof(sndPcmSyncPtr{}))
	SNDRV_PCM_IOCTL_PREPARE       = io('A', 0x40)
	SNDRV_PCM_IOCTL_RESET         = io('A', 0x41)
	SNDRV_PCM_IOCTL_START         = io('A', 0x42)
	SNDRV_PCM_IOCTL_DROP          = io('A', 0x43)
	SNDRV_PCM_IOCTL_DRAIN         = io('A', 0x44)
	SNDRV_PCM_IOCTL_PAUSE         = iow('A', 0x45, unsafe.Sizeof(int32(0)))
	SNDRV_PCM_IOCTL_WRITEI_FRAMES = iow('A', 0x50, unsafe.Sizeof(sndXferi{}))
	SNDRV_PCM_IOCTL_READI_FRAMES  = ior('A', 0x51, unsafe.Sizeof(sndXferi{}))

	// Control IOCTLs
	SNDRV_CTL_IOCTL_CARD_INFO  = ior('U', 0x01, unsafe.Sizeof(sndCtlCardInfo{}))
	SNDRV_CTL_IOCTL_ELEM_LIST  = iowr('U', 0x10, unsafe.Sizeof(sndCtlElemList{}))
	SNDRV_CTL_IOCTL_ELEM_INFO  = iowr('U', 0x11, unsafe.Sizeof(sndCtlElemInfo{}))
	SNDRV_CTL_IOCTL_ELEM_READ  = iowr('U', 0x12, unsafe.Sizeof(sndCtlElemValue{}))
	SNDRV_CTL_IOCTL_ELEM_WRITE = iowr('U', 0x13, unsafe.Sizeof(sndCtlElemValue{}))
)
