// Package spidev drives an SD card through the Linux spidev interface, with
// chip select on a sysfs GPIO line.
package spidev

import (
	"errors"
	"fmt"
	"os"
	"sync"

	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"
	"github.com/spf13/afero"
)

// ErrUnsupported is returned by Open on systems without spidev.
var ErrUnsupported = errors.New("spidev: not supported on this platform")

// ChipSelect drives a card's chip-select line.
type ChipSelect interface {
	Set(active bool) error
}

// GPIO is a chip-select line exported through /sys/class/gpio. Writing "0"
// or "1" to its value file drives the pin.
type GPIO struct {
	mu        sync.Mutex
	file      afero.File
	activeLow bool
	active    bool
}

// NewGPIO opens the value file at path on fs. A chip select on SD cards is
// active low; activeLow false inverts that for boards with an inverter.
func NewGPIO(fs afero.Fs, path string, activeLow bool) (*GPIO, error) {
	f, err := fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open gpio: %w", err)
	}
	g := &GPIO{file: f, activeLow: activeLow}
	// start deselected
	if err := g.write(false); err != nil {
		f.Close()
		return nil, err
	}
	return g, nil
}

func (g *GPIO) write(active bool) error {
	level := byte('0')
	if active != g.activeLow {
		level = '1'
	}
	if _, err := g.file.WriteAt([]byte{level}, 0); err != nil {
		return fmt.Errorf("spidev: set chip select: %w", err)
	}
	g.active = active
	return nil
}

// Set asserts (true) or releases (false) the line. Writes are skipped when the
// line is already at the requested level.
func (g *GPIO) Set(active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.file == nil {
		return os.ErrClosed
	}
	if active == g.active {
		return nil
	}
	return g.write(active)
}

// Close releases the line and closes the value file.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.file == nil {
		return nil
	}
	werr := g.write(false)
	err := g.file.Close()
	g.file = nil
	if werr != nil {
		return werr
	}
	return err
}

// Options configure a Device.
type Options struct {
	// Path of the spidev node, for example /dev/spidev0.0.
	Path string
	// ChipSelect drives the card's CS line. When nil the controller's own chip
	// select is left in charge and Select does nothing.
	ChipSelect ChipSelect
	Logger     log.Logger
}

// Device is an SPI bus to one card. It implements sdspi.Bus.
type Device struct {
	mu     sync.Mutex
	conn   conn
	cs     ChipSelect
	speed  uint32
	logger log.Logger
}

// conn is the platform byte exchange.
type conn interface {
	exchange(w byte, speed uint32) (byte, error)
	setSpeed(hz uint32) error
	close() error
}

func newDevice(c conn, opts Options) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = noop.NewNoOpLogger()
	}
	return &Device{conn: c, cs: opts.ChipSelect, logger: logger}
}

// Transfer exchanges one byte.
func (d *Device) Transfer(w byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0xFF, os.ErrClosed
	}
	return d.conn.exchange(w, d.speed)
}

// Select drives the chip-select line.
func (d *Device) Select(selected bool) error {
	if d.cs == nil {
		return nil
	}
	return d.cs.Set(selected)
}

// SetFrequency changes the clock used by subsequent transfers.
func (d *Device) SetFrequency(hz uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return os.ErrClosed
	}
	if err := d.conn.setSpeed(hz); err != nil {
		return fmt.Errorf("spidev: set speed %d Hz: %w", hz, err)
	}
	d.speed = hz
	d.logger.Debug("SPI clock changed", "hz", hz)
	return nil
}

// Frequency returns the current clock rate, zero before the first SetFrequency.
func (d *Device) Frequency() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// Close closes the spidev node. The chip select is not closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.close()
	d.conn = nil
	return err
}
