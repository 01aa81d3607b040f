package diskio

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"
)

// Registry associates BlockDevices with physical drive numbers and dispatches
// the disk_* calls of a filesystem layer to them.
type Registry struct {
	mu      sync.RWMutex
	devices map[uint8]BlockDevice
	logger  log.Logger
}

// NewRegistry returns an empty registry. A nil logger discards everything.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = noop.NewNoOpLogger()
	}
	return &Registry{
		devices: make(map[uint8]BlockDevice),
		logger:  logger,
	}
}

// RegisterBlockDevice associates a BlockDevice with a drive number.
func (r *Registry) RegisterBlockDevice(pdrv uint8, dev BlockDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[pdrv] = dev
}

func (r *Registry) UnregisterBlockDevice(pdrv uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, pdrv)
}

// Drives returns the registered drive numbers in ascending order.
func (r *Registry) Drives() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drives := make([]uint8, 0, len(r.devices))
	for pdrv := range r.devices {
		drives = append(drives, pdrv)
	}
	sort.Slice(drives, func(i, j int) bool { return drives[i] < drives[j] })
	return drives
}

func (r *Registry) lookup(pdrv uint8) (BlockDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bd, ok := r.devices[pdrv]
	return bd, ok
}

// DiskInitialize initializes the drive. An unknown drive reports StatusNoInit.
func (r *Registry) DiskInitialize(pdrv uint8) (Status, error) {
	bd, ok := r.lookup(pdrv)
	if !ok {
		return StatusNoInit, fmt.Errorf("drive %d: %w", pdrv, ResultNotReady)
	}
	stat, err := bd.Initialize()
	if err != nil {
		r.logger.Warn("disk initialize failed", "pdrv", pdrv, "err", err)
		return stat | StatusNoInit, err
	}
	return stat, nil
}

// DiskStatus returns the drive status. An unknown drive reports StatusNoInit.
func (r *Registry) DiskStatus(pdrv uint8) Status {
	bd, ok := r.lookup(pdrv)
	if !ok {
		return StatusNoInit
	}
	return bd.Status()
}

func (r *Registry) DiskRead(pdrv uint8, buff []byte, sector uint32, count uint32) error {
	bd, ok := r.lookup(pdrv)
	if !ok {
		return fmt.Errorf("drive %d: %w", pdrv, ResultParameterError)
	}
	if err := bd.ReadSectors(buff, sector, count); err != nil {
		r.logger.Warn("disk read failed", "pdrv", pdrv, "sector", sector, "count", count, "err", err)
		return err
	}
	return nil
}

func (r *Registry) DiskWrite(pdrv uint8, buff []byte, sector uint32, count uint32) error {
	bd, ok := r.lookup(pdrv)
	if !ok {
		return fmt.Errorf("drive %d: %w", pdrv, ResultParameterError)
	}
	if err := bd.WriteSectors(buff, sector, count); err != nil {
		r.logger.Warn("disk write failed", "pdrv", pdrv, "sector", sector, "count", count, "err", err)
		return err
	}
	return nil
}

func (r *Registry) DiskIoctl(pdrv uint8, cmd IoctlCmd) (uint32, error) {
	bd, ok := r.lookup(pdrv)
	if !ok {
		return 0, fmt.Errorf("drive %d: %w", pdrv, ResultParameterError)
	}
	return bd.Ioctl(cmd)
}
