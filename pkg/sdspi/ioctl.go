package sdspi

import (
	"fmt"

	"github.com/OffBroadway/sdspi/pkg/diskio"
)

// Ioctl answers the sector size, the erase block size and the cache flush
// request. The sector count is not known to this driver.
func (c *Card) Ioctl(cmd diskio.IoctlCmd) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stat&diskio.StatusNoInit != 0 {
		return 0, diskio.ResultNotReady
	}

	switch cmd {
	case diskio.IoctlSync:
		// nothing is buffered
		return 0, nil
	case diskio.IoctlSectorSize:
		return sectorSize, nil
	case diskio.IoctlBlockSize:
		return 1, nil
	}
	return 0, fmt.Errorf("sdspi: ioctl %v: %w", cmd, diskio.ResultParameterError)
}
