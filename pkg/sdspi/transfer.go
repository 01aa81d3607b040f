package sdspi

import (
	"fmt"
	"math"

	"github.com/OffBroadway/sdspi/pkg/diskio"
)

const sectorSize = diskio.SectorSize

// checkTransfer validates a read or write request. Parameter errors win over
// the not-ready condition, and nothing here touches the bus.
func (c *Card) checkTransfer(buf []byte, sector, count uint32) error {
	if count == 0 {
		return fmt.Errorf("sdspi: zero sector count: %w", diskio.ResultParameterError)
	}
	if uint64(len(buf)) < uint64(count)*sectorSize {
		return fmt.Errorf("sdspi: buffer of %d bytes cannot hold %d sectors: %w", len(buf), count, diskio.ResultParameterError)
	}
	if uint64(sector)+uint64(count) > math.MaxUint32+1 {
		return fmt.Errorf("sdspi: sectors %d+%d overflow the address space: %w", sector, count, diskio.ResultParameterError)
	}
	if c.stat&diskio.StatusNoInit != 0 {
		return diskio.ResultNotReady
	}
	return nil
}

// address turns a sector index into the CMD17/CMD24 argument.
func (c *Card) address(sector uint32) (uint32, error) {
	mode := c.cfg.Addressing
	if mode == AddressAuto {
		if c.hc {
			mode = AddressSector
		} else {
			mode = AddressByte
		}
	}
	if mode != AddressByte {
		return sector, nil
	}
	if sector > math.MaxUint32/sectorSize {
		return 0, fmt.Errorf("sdspi: sector %d has no byte address: %w", sector, diskio.ResultParameterError)
	}
	return sector * sectorSize, nil
}

// ReadSectors reads count consecutive sectors starting at sector into buf,
// one CMD17 per sector. The first failing sector aborts the transfer; the
// sectors before it have already been stored in buf.
func (c *Card) ReadSectors(buf []byte, sector uint32, count uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTransfer(buf, sector, count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		off := int(i) * sectorSize
		if err := c.readSector(buf[off:off+sectorSize], sector+i); err != nil {
			c.release()
			c.logger.Warn("read failed", "sector", sector+i, "err", err)
			return err
		}
	}
	return nil
}

func (c *Card) readSector(dst []byte, sector uint32) error {
	arg, err := c.address(sector)
	if err != nil {
		return err
	}
	res, err := c.command(cmdReadSingleBlock, arg)
	if err != nil {
		return err
	}
	if res != r1Ready {
		return transferError("CMD17 sector %d: response 0x%02X", sector, res)
	}

	token := byte(idleByte)
	for n := 0; n < c.cfg.Timeouts.TokenPolls; n++ {
		token, err = c.bus.Transfer(idleByte)
		if err != nil {
			return busError("read token", err)
		}
		if token != idleByte {
			break
		}
	}
	if token != tokenStartBlock {
		return transferError("sector %d: data token 0x%02X", sector, token)
	}

	for i := range dst {
		b, err := c.bus.Transfer(idleByte)
		if err != nil {
			return busError("read data", err)
		}
		dst[i] = b
	}
	// CRC16, not checked
	for i := 0; i < 2; i++ {
		if _, err := c.bus.Transfer(idleByte); err != nil {
			return busError("read crc", err)
		}
	}

	if err := c.deselect(); err != nil {
		return busError("deselect", err)
	}
	return nil
}

// WriteSectors writes count consecutive sectors starting at sector from buf,
// one CMD24 per sector. The first failing sector aborts the transfer; the
// sectors before it stay written.
func (c *Card) WriteSectors(buf []byte, sector uint32, count uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTransfer(buf, sector, count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		off := int(i) * sectorSize
		if err := c.writeSector(buf[off:off+sectorSize], sector+i); err != nil {
			c.release()
			c.logger.Warn("write failed", "sector", sector+i, "err", err)
			return err
		}
	}
	return nil
}

func (c *Card) writeSector(src []byte, sector uint32) error {
	arg, err := c.address(sector)
	if err != nil {
		return err
	}
	res, err := c.command(cmdWriteBlock, arg)
	if err != nil {
		return err
	}
	if res != r1Ready {
		return transferError("CMD24 sector %d: response 0x%02X", sector, res)
	}

	if _, err := c.bus.Transfer(tokenStartBlock); err != nil {
		return busError("write token", err)
	}
	for _, b := range src {
		if _, err := c.bus.Transfer(b); err != nil {
			return busError("write data", err)
		}
	}
	// dummy CRC16
	for i := 0; i < 2; i++ {
		if _, err := c.bus.Transfer(idleByte); err != nil {
			return busError("write crc", err)
		}
	}

	resp, err := c.bus.Transfer(idleByte)
	if err != nil {
		return busError("data response", err)
	}
	if resp&dataResponseMask != dataAccepted {
		return transferError("sector %d: data response 0x%02X", sector, resp)
	}

	// The card holds its data-out line low while programming.
	for n := 0; ; n++ {
		b, err := c.bus.Transfer(idleByte)
		if err != nil {
			return busError("busy wait", err)
		}
		if b == idleByte {
			break
		}
		if n >= c.cfg.Timeouts.BusyPolls {
			return transferError("sector %d: still busy after %d polls", sector, n+1)
		}
	}

	if _, err := c.bus.Transfer(idleByte); err != nil {
		return busError("write trailer", err)
	}
	if err := c.deselect(); err != nil {
		return busError("deselect", err)
	}
	return nil
}
