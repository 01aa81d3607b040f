// Package cardsim emulates an SD card on the far side of an SPI bus. It
// implements sdspi.Bus, stores its sectors in an afero file and can be told
// to misbehave in the ways real cards do.
package cardsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// Version selects how the card answers the initialization commands.
type Version uint8

const (
	// V2 answers CMD8 and ACMD41, standard or high capacity.
	V2 Version = iota
	// V1 rejects CMD8 but accepts ACMD41.
	V1
	// MMC rejects CMD8 and application commands and only initializes with CMD1.
	MMC
)

func (v Version) String() string {
	switch v {
	case V2:
		return "SDv2"
	case V1:
		return "SDv1"
	case MMC:
		return "MMC"
	default:
		return fmt.Sprintf("Version(%d)", uint8(v))
	}
}

type state uint

const (
	stateIdle      state = iota // waiting for a command byte
	stateCommand                // collecting argument and CRC bytes
	stateWriteData              // waiting for the data token or collecting a block
)

// R1 bits.
const (
	r1Idle          = 0x01
	r1IllegalCmd    = 0x04
	r1CRCError      = 0x08
	r1AddressError  = 0x20
	r1ParamError    = 0x40
	tokenStartBlock = 0xFE
	dataAccepted    = 0x05
	hcsBit          = 1 << 30
	ocrPowerUp      = 1 << 31
	ocrVoltages     = 0x00FF8000 // 2.7-3.6V
	sectorSize      = 512
)

// DefaultSectors is the size of a new image when Options.Sectors is zero.
const DefaultSectors = 2048

// Options describes the emulated card. The zero value is a well-behaved
// standard capacity SDv2 card.
type Options struct {
	Version      Version
	HighCapacity bool   // block addressed, needs HCS in ACMD41
	Sectors      uint32 // capacity of a new image

	// Responses overrides the R1 answer of the given command indexes.
	Responses map[byte]byte
	// Silent is the number of times each command index goes unanswered
	// before the card starts responding to it.
	Silent map[byte]int
	// IgnoreCRC accepts CMD0 and CMD8 regardless of their CRC byte.
	IgnoreCRC bool
	// CorruptEcho makes CMD8 echo a wrong check pattern.
	CorruptEcho bool
	// InitBusy is the number of ACMD41/CMD1 attempts answered idle before
	// the card reports ready.
	InitBusy int
	// NeverReady keeps the card idle forever.
	NeverReady bool
	// ResponseDelay is the number of filler bytes before every R1.
	ResponseDelay int
	// ReadLatency is the number of filler bytes before a data token.
	ReadLatency int
	// ReadToken replaces the data start token when nonzero.
	ReadToken byte
	// NoReadToken never sends a data token.
	NoReadToken bool
	// DataResponse replaces the accepted data response when nonzero. A
	// rejected block is not stored.
	DataResponse byte
	// BusyBytes is the number of busy bytes after an accepted block.
	BusyBytes int
	// BusyForever never finishes programming a block.
	BusyForever bool
}

// Command is one command packet received by the card.
type Command struct {
	Index    byte
	Arg      uint32
	CRC      byte
	Response byte
}

// Card is an emulated SD card.
type Card struct {
	mu   sync.Mutex
	opts Options
	img  afero.File

	sectors  uint32
	selected bool
	state    state
	packet   [6]byte
	pktpos   int
	readbuf  []byte
	writebuf []byte
	writepos int
	writeArg uint32
	busy     bool

	idle      bool // in idle state, initialization not complete
	appNext   bool // previous command was CMD55
	initPolls int
	silenced  map[byte]int

	// bookkeeping for tests
	commands    []Command
	transfers   int
	frequencies []uint32
	clocked     bool // an idle byte was clocked since the last deselect
	violations  []string
}

// New opens or creates the card image name on fs.
func New(fs afero.Fs, name string, opts Options) (*Card, error) {
	f, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	sectors := uint32(info.Size() / sectorSize)
	if sectors == 0 {
		sectors = opts.Sectors
		if sectors == 0 {
			sectors = DefaultSectors
		}
		if err := f.Truncate(int64(sectors) * sectorSize); err != nil {
			f.Close()
			return nil, err
		}
	}

	if opts.Version != V2 {
		opts.HighCapacity = false
	}

	return &Card{
		opts:    opts,
		img:     f,
		sectors: sectors,
		idle:    true,
		clocked: true,
	}, nil
}

// NewMem returns a card backed by an in-memory image.
func NewMem(opts Options) *Card {
	c, err := New(afero.NewMemMapFs(), "sdcard.img", opts)
	if err != nil {
		// MemMapFs does not fail on create
		panic(err)
	}
	return c
}

// Close closes the image file.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img.Close()
}

// Sectors returns the card capacity.
func (c *Card) Sectors() uint32 {
	return c.sectors
}

// Select implements sdspi.Bus.
func (c *Card) Select(selected bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if selected && !c.selected && !c.clocked {
		c.violations = append(c.violations, fmt.Sprintf("selected at transfer %d without an idle byte after deselect", c.transfers))
	}
	if !selected && c.selected {
		c.clocked = false
		// Dropping chip select aborts whatever is in flight.
		c.state = stateIdle
		c.readbuf = c.readbuf[:0]
		c.writebuf = nil
	}
	c.selected = selected
	return nil
}

// SetFrequency implements sdspi.Bus.
func (c *Card) SetFrequency(hz uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frequencies = append(c.frequencies, hz)
	return nil
}

// Transfer implements sdspi.Bus.
func (c *Card) Transfer(w byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transfers++
	if !c.selected {
		if w == 0xFF {
			c.clocked = true
		}
		return 0xFF, nil
	}

	result := byte(0xFF)
	if len(c.readbuf) > 0 {
		result = c.readbuf[0]
		c.readbuf = c.readbuf[1:]
	} else if c.busy {
		result = 0x00
	}

	if err := c.receive(w); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Card) receive(value byte) error {
	switch c.state {
	case stateIdle:
		if value&0xC0 == 0x40 {
			c.state = stateCommand
			c.packet[0] = value
			c.pktpos = 1
		}
	case stateCommand:
		c.packet[c.pktpos] = value
		c.pktpos++
		if c.pktpos == len(c.packet) {
			c.state = stateIdle
			return c.execute()
		}
	case stateWriteData:
		if c.writebuf == nil {
			if value == tokenStartBlock {
				c.writebuf = make([]byte, sectorSize+2)
				c.writepos = 0
			}
			return nil
		}
		c.writebuf[c.writepos] = value
		c.writepos++
		if c.writepos == len(c.writebuf) {
			c.state = stateIdle
			return c.finishWrite()
		}
	}
	return nil
}

func (c *Card) respond(r1 byte, trailer ...byte) {
	for i := 0; i < c.opts.ResponseDelay; i++ {
		c.readbuf = append(c.readbuf, 0xFF)
	}
	c.readbuf = append(c.readbuf, r1)
	c.readbuf = append(c.readbuf, trailer...)
}

func (c *Card) idleBit() byte {
	if c.idle {
		return r1Idle
	}
	return 0
}

func (c *Card) execute() error {
	index := c.packet[0] & 0x3F
	arg := binary.BigEndian.Uint32(c.packet[1:5])
	crc := c.packet[5]
	app := c.appNext
	c.appNext = false

	if c.silenced[index] < c.opts.Silent[index] {
		if c.silenced == nil {
			c.silenced = make(map[byte]int)
		}
		c.silenced[index]++
		c.commands = append(c.commands, Command{Index: index, Arg: arg, CRC: crc, Response: 0xFF})
		return nil
	}

	r1, trailer, err := c.dispatch(index, arg, crc, app)
	if override, ok := c.opts.Responses[index]; ok {
		r1, trailer = override, nil
		if index == 24 && r1 != 0 {
			c.state = stateIdle
		}
	}
	c.commands = append(c.commands, Command{Index: index, Arg: arg, CRC: crc, Response: r1})
	if err != nil {
		return err
	}
	c.respond(r1, trailer...)
	return nil
}

func (c *Card) dispatch(index byte, arg uint32, crc byte, app bool) (byte, []byte, error) {
	switch index {
	case 0: // GO_IDLE_STATE
		if !c.crcOK(crc) {
			return r1Idle | r1CRCError, nil, nil
		}
		c.idle = true
		c.initPolls = 0
		c.busy = false
		return r1Idle, nil, nil

	case 1: // SEND_OP_COND
		if c.opts.Version != MMC && c.opts.Version != V1 {
			return c.idleBit() | r1IllegalCmd, nil, nil
		}
		return c.pollInit(), nil, nil

	case 8: // SEND_IF_COND
		if !c.crcOK(crc) {
			return c.idleBit() | r1CRCError, nil, nil
		}
		if c.opts.Version != V2 {
			return c.idleBit() | r1IllegalCmd, nil, nil
		}
		pattern := byte(arg)
		if c.opts.CorruptEcho {
			pattern ^= 0xFF
		}
		return c.idleBit(), []byte{0x00, 0x00, byte(arg>>8) & 0x0F, pattern}, nil

	case 55: // APP_CMD
		if c.opts.Version == MMC {
			return c.idleBit() | r1IllegalCmd, nil, nil
		}
		c.appNext = true
		return c.idleBit(), nil, nil

	case 41: // SD_SEND_OP_COND
		if !app || c.opts.Version == MMC {
			return c.idleBit() | r1IllegalCmd, nil, nil
		}
		if c.opts.HighCapacity && arg&hcsBit == 0 {
			// a high capacity card never leaves idle for a host without HCS
			return r1Idle, nil, nil
		}
		return c.pollInit(), nil, nil

	case 58: // READ_OCR
		return c.idleBit(), c.ocr(), nil

	case 17: // READ_SINGLE_BLOCK
		if c.idle {
			return r1Idle | r1IllegalCmd, nil, nil
		}
		sector, r1 := c.sector(arg)
		if r1 != 0 {
			return r1, nil, nil
		}
		data, err := c.readSector(sector)
		if err != nil {
			return 0, nil, err
		}
		return 0, data, nil

	case 24: // WRITE_BLOCK
		if c.idle {
			return r1Idle | r1IllegalCmd, nil, nil
		}
		sector, r1 := c.sector(arg)
		if r1 != 0 {
			return r1, nil, nil
		}
		c.writeArg = sector
		c.writebuf = nil
		c.state = stateWriteData
		return 0, nil, nil
	}
	return c.idleBit() | r1IllegalCmd, nil, nil
}

func (c *Card) crcOK(crc byte) bool {
	if c.opts.IgnoreCRC {
		return true
	}
	return crc7(c.packet[:5]) == crc
}

func (c *Card) pollInit() byte {
	if !c.idle {
		return 0
	}
	if c.opts.NeverReady || c.initPolls < c.opts.InitBusy {
		c.initPolls++
		return r1Idle
	}
	c.idle = false
	return 0
}

func (c *Card) ocr() []byte {
	ocr := uint32(ocrVoltages)
	if !c.idle {
		ocr |= ocrPowerUp
		if c.opts.HighCapacity {
			ocr |= hcsBit
		}
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ocr)
	return b
}

// sector decodes a data command argument the way the card's capacity
// class dictates.
func (c *Card) sector(arg uint32) (uint32, byte) {
	sector := arg
	if !c.opts.HighCapacity {
		if arg%sectorSize != 0 {
			return 0, r1AddressError
		}
		sector = arg / sectorSize
	}
	if sector >= c.sectors {
		return 0, r1ParamError
	}
	return sector, 0
}

func (c *Card) readSector(sector uint32) ([]byte, error) {
	buf := make([]byte, sectorSize)
	_, err := c.img.ReadAt(buf, int64(sector)*sectorSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cardsim: read sector %d: %w", sector, err)
	}

	var pkt []byte
	for i := 0; i < c.opts.ReadLatency; i++ {
		pkt = append(pkt, 0xFF)
	}
	if c.opts.NoReadToken {
		return pkt, nil
	}
	token := byte(tokenStartBlock)
	if c.opts.ReadToken != 0 {
		token = c.opts.ReadToken
	}
	pkt = append(pkt, token)
	pkt = append(pkt, buf...)
	crc := dataCRC(buf)
	pkt = append(pkt, byte(crc>>8), byte(crc))
	return pkt, nil
}

func (c *Card) finishWrite() error {
	resp := byte(dataAccepted)
	if c.opts.DataResponse != 0 {
		resp = c.opts.DataResponse
	}
	data := c.writebuf[:sectorSize]
	c.writebuf = nil

	if resp&0x1F == dataAccepted {
		if _, err := c.img.WriteAt(data, int64(c.writeArg)*sectorSize); err != nil {
			return fmt.Errorf("cardsim: write sector %d: %w", c.writeArg, err)
		}
	}

	c.readbuf = append(c.readbuf, resp)
	if resp&0x1F != dataAccepted {
		return nil
	}
	for i := 0; i < c.opts.BusyBytes; i++ {
		c.readbuf = append(c.readbuf, 0x00)
	}
	c.busy = c.opts.BusyForever
	return nil
}

// Sector returns a copy of the stored sector n.
func (c *Card) Sector(n uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, sectorSize)
	if _, err := c.img.ReadAt(buf, int64(n)*sectorSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// SetSector stores data as sector n, bypassing the SPI protocol.
func (c *Card) SetSector(n uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) != sectorSize {
		return fmt.Errorf("cardsim: sector data must be %d bytes, got %d", sectorSize, len(data))
	}
	_, err := c.img.WriteAt(data, int64(n)*sectorSize)
	return err
}

// Commands returns the command packets received so far.
func (c *Card) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.commands...)
}

// CommandIndexes returns the indexes of the commands received so far.
func (c *Card) CommandIndexes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := make([]byte, len(c.commands))
	for i, cmd := range c.commands {
		idx[i] = cmd.Index
	}
	return idx
}

// Transfers returns the number of bytes exchanged so far.
func (c *Card) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers
}

// Frequencies returns every clock rate set so far.
func (c *Card) Frequencies() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.frequencies...)
}

// Selected reports the chip-select line.
func (c *Card) Selected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Violations lists bus protocol violations seen so far.
func (c *Card) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

// Ready reports whether the card has left the idle state.
func (c *Card) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.idle
}

// ResetLog clears the command, transfer and frequency logs.
func (c *Card) ResetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = nil
	c.transfers = 0
	c.frequencies = nil
	c.violations = nil
}
