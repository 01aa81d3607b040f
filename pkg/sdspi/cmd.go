package sdspi

import (
	"fmt"

	"github.com/OffBroadway/sdspi/pkg/diskio"
)

// SPI mode command indexes.
const (
	cmdGoIdleState     = 0  // CMD0
	cmdSendOpCond      = 1  // CMD1, MMC
	cmdSendIfCond      = 8  // CMD8
	cmdReadSingleBlock = 17 // CMD17
	cmdWriteBlock      = 24 // CMD24
	acmdSendOpCond     = 41 // ACMD41
	cmdAppCmd          = 55 // CMD55
	cmdReadOCR         = 58 // CMD58
)

const (
	r1Ready = 0x00
	r1Idle  = 0x01
	r1Busy  = 0x80 // set on filler bytes, never on a response

	idleByte         = 0xFF
	tokenStartBlock  = 0xFE
	dataResponseMask = 0x1F
	dataAccepted     = 0x05

	ifCondArg     = 0x1AA   // 2.7-3.6V, check pattern 0xAA
	ifCondVoltage = 0x01    // echoed in the low nibble of R7 byte 3
	ifCondPattern = 0xAA    // echoed in R7 byte 4
	hcsBit        = 1 << 30 // ACMD41 host capacity support, OCR CCS

	// CMD0 and CMD8 are checked before CRC checking can be left; everything
	// else carries a placeholder with the end bit set.
	crcGoIdle  = 0x95
	crcIfCond  = 0x87
	crcUnused  = 0x01
	packetSize = 6
)

func busError(op string, err error) error {
	return fmt.Errorf("sdspi: %s: %w: %w", op, err, diskio.ResultError)
}

// deselect releases chip select and clocks one idle byte so the card lets go
// of its data-out line. It does nothing if the card is not selected.
func (c *Card) deselect() error {
	if !c.selected {
		return nil
	}
	if err := c.bus.Select(false); err != nil {
		return err
	}
	c.selected = false
	_, err := c.bus.Transfer(idleByte)
	return err
}

// resync drives chip select high and clocks one idle byte whatever the
// tracked select state is.
func (c *Card) resync() error {
	if err := c.bus.Select(false); err != nil {
		return err
	}
	c.selected = false
	_, err := c.bus.Transfer(idleByte)
	return err
}

func (c *Card) selectCard() error {
	if err := c.bus.Select(true); err != nil {
		return err
	}
	c.selected = true
	return nil
}

// release is deselect for error paths, where the first error wins.
func (c *Card) release() {
	if err := c.deselect(); err != nil {
		c.logger.Warn("deselect failed", "err", err)
	}
}

// command sends one command packet and returns the R1 response. Every packet
// is preceded by a deselect, one idle byte and a fresh select. On success
// the card is left selected. When no response arrives within the poll bound
// the card is deselected and the last filler byte (bit 7 set) is returned.
func (c *Card) command(index byte, arg uint32) (byte, error) {
	polls := c.cfg.Timeouts.CommandPolls
	crc := byte(crcUnused)
	switch index {
	case cmdGoIdleState:
		polls = c.cfg.Timeouts.ResetPolls
		crc = crcGoIdle
	case cmdSendIfCond:
		crc = crcIfCond
	}

	if err := c.resync(); err != nil {
		return idleByte, busError(fmt.Sprintf("CMD%d", index), err)
	}
	if err := c.selectCard(); err != nil {
		return idleByte, busError(fmt.Sprintf("CMD%d", index), err)
	}

	packet := [packetSize]byte{
		0x40 | index,
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
		crc,
	}
	for _, b := range packet {
		if _, err := c.bus.Transfer(b); err != nil {
			c.release()
			return idleByte, busError(fmt.Sprintf("CMD%d", index), err)
		}
	}

	res := byte(idleByte)
	for n := 0; n < polls; n++ {
		var err error
		res, err = c.bus.Transfer(idleByte)
		if err != nil {
			c.release()
			return idleByte, busError(fmt.Sprintf("CMD%d", index), err)
		}
		if res&r1Busy == 0 {
			return res, nil
		}
	}

	c.logger.Debug("no response", "cmd", index, "arg", arg, "polls", polls)
	c.release()
	return res, nil
}

// readTrailer clocks in the n bytes that follow an R3/R7 response.
func (c *Card) readTrailer(n int) ([]byte, error) {
	buf := c.scratch[:n]
	for i := range buf {
		b, err := c.bus.Transfer(idleByte)
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}
