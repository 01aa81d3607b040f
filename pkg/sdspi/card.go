// Package sdspi drives an SD or MMC card in SPI mode through a byte-wide Bus.
//
// A Card starts out not initialized. Initialize runs the power-up sequence
// (CMD0, CMD8, ACMD41 or CMD1, CMD58) and raises the bus clock; afterwards
// single 512 byte sectors can be read and written with CMD17 and CMD24.
// Every exported method holds the card for its whole duration and returns
// with the chip-select line released.
package sdspi

import (
	"sync"

	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"

	"github.com/OffBroadway/sdspi/pkg/diskio"
)

// CardType is the card generation found during initialization.
type CardType uint8

const (
	CardUnknown CardType = iota
	CardSDv1             // SD version 1 or MMC
	CardSDv2             // SD version 2, standard or high capacity
)

func (t CardType) String() string {
	switch t {
	case CardSDv1:
		return "SDv1/MMC"
	case CardSDv2:
		return "SDv2"
	default:
		return "unknown"
	}
}

// assert that Card implements the BlockDevice interface
var _ diskio.BlockDevice = (*Card)(nil)

// Card is one card on a dedicated bus.
type Card struct {
	mu       sync.Mutex
	bus      Bus
	cfg      Config
	logger   log.Logger
	stat     diskio.Status
	typ      CardType
	hc       bool // OCR CCS bit
	ocr      uint32
	selected bool
	scratch  [4]byte
}

// New returns a not yet initialized card on bus.
func New(bus Bus, cfg Config) *Card {
	logger := cfg.Logger
	if logger == nil {
		logger = noop.NewNoOpLogger()
	}
	return &Card{
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		stat:   diskio.StatusNoInit,
	}
}

// Status returns the current status flags.
func (c *Card) Status() diskio.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stat
}

// Type returns the card generation found by the last Initialize.
func (c *Card) Type() CardType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typ
}

// HighCapacity reports whether the OCR read during the last Initialize had
// the card capacity status bit set.
func (c *Card) HighCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hc
}

// OCR returns the operating conditions register read during the last
// Initialize, or zero if it was not read.
func (c *Card) OCR() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ocr
}
