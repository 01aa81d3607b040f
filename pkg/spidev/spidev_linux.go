//go:build linux

package spidev

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding, asm-generic layout
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1

	spiMagic = 'k'
)

// spi_ioc_transfer
type transfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

const (
	spiMode0 = 0x00
	spiNoCS  = 0x40
)

func iow(nr, size uintptr) uintptr {
	return iocWrite<<iocDirShift | spiMagic<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

var (
	spiIocWrMode        = iow(1, 1)
	spiIocWrBitsPerWord = iow(3, 1)
	spiIocWrMaxSpeedHz  = iow(4, 4)
)

// spiIocMessage is SPI_IOC_MESSAGE(n).
func spiIocMessage(n uintptr) uintptr {
	return iow(0, n*unsafe.Sizeof(transfer{}))
}

type devConn struct {
	fd     int
	tx, rx [1]byte
}

// Open opens the spidev node and puts it in mode 0 with 8 bit words. With a
// ChipSelect the controller's own chip select is disabled.
func Open(opts Options) (*Device, error) {
	fd, err := unix.Open(opts.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", opts.Path, err)
	}
	c := &devConn{fd: fd}

	mode := uint8(spiMode0)
	if opts.ChipSelect != nil {
		mode |= spiNoCS
	}
	if err := c.ioctl(spiIocWrMode, unsafe.Pointer(&mode)); err != nil {
		c.close()
		return nil, fmt.Errorf("spidev: set mode 0x%02X: %w", mode, err)
	}
	bits := uint8(8)
	if err := c.ioctl(spiIocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		c.close()
		return nil, fmt.Errorf("spidev: set bits per word: %w", err)
	}
	return newDevice(c, opts), nil
}

func (c *devConn) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *devConn) exchange(w byte, speed uint32) (byte, error) {
	c.tx[0] = w
	xfer := transfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&c.tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&c.rx[0]))),
		length:      1,
		speedHz:     speed,
		bitsPerWord: 8,
	}
	err := c.ioctl(spiIocMessage(1), unsafe.Pointer(&xfer))
	runtime.KeepAlive(c)
	if err != nil {
		return 0xFF, fmt.Errorf("spidev: transfer: %w", err)
	}
	return c.rx[0], nil
}

func (c *devConn) setSpeed(hz uint32) error {
	return c.ioctl(spiIocWrMaxSpeedHz, unsafe.Pointer(&hz))
}

func (c *devConn) close() error {
	return unix.Close(c.fd)
}
