package diskio

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// assert that ImageFile implements the BlockDevice interface
var _ BlockDevice = (*ImageFile)(nil)

// ImageFile is a BlockDevice backed by a raw disk image file.
type ImageFile struct {
	mu   sync.Mutex
	file afero.File
	stat Status
}

// NewImageFile opens or creates the image at path on fs. A newly created image
// is grown to sectors sectors; an existing one keeps its size.
func NewImageFile(fs afero.Fs, path string, sectors uint32) (*ImageFile, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if info.Size() == 0 && sectors > 0 {
		if err := f.Truncate(int64(sectors) * SectorSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size image: %w", err)
		}
	}

	return &ImageFile{file: f, stat: StatusNoInit}, nil
}

// Initialize checks that the image is open and holds at least one sector.
func (img *ImageFile) Initialize() (Status, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.file == nil {
		img.stat = StatusNoInit | StatusNoDisk
		return img.stat, fmt.Errorf("file is not open: %w", ResultNotReady)
	}
	if img.sectorCount() == 0 {
		img.stat = StatusNoInit
		return img.stat, fmt.Errorf("image holds no sectors: %w", ResultNotReady)
	}
	img.stat &^= StatusNoInit
	return img.stat, nil
}

func (img *ImageFile) Status() Status {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.stat
}

func (img *ImageFile) check(buff []byte, sector, count uint32) error {
	if count == 0 {
		return fmt.Errorf("zero sector count: %w", ResultParameterError)
	}
	// Ensure the buffer is large enough
	length := int64(count) * SectorSize
	if int64(len(buff)) < length {
		return fmt.Errorf("buffer too small: need %d bytes, got %d: %w", length, len(buff), ResultParameterError)
	}
	if !img.stat.Ready() {
		return ResultNotReady
	}
	if uint64(sector)+uint64(count) > uint64(img.sectorCount()) {
		return fmt.Errorf("sectors %d+%d beyond end of image: %w", sector, count, ResultParameterError)
	}
	return nil
}

// ReadSectors reads `count` sectors from the image at the sector index `sector`
// into the buffer `buff`.
func (img *ImageFile) ReadSectors(buff []byte, sector uint32, count uint32) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if err := img.check(buff, sector, count); err != nil {
		return err
	}

	length := int64(count) * SectorSize
	n, err := img.file.ReadAt(buff[:length], int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("failed to read: %w: %w", err, ResultError)
	}
	if int64(n) != length {
		return fmt.Errorf("short read: expected %d bytes, got %d: %w", length, n, ResultError)
	}
	return nil
}

// WriteSectors writes `count` sectors from the buffer `buff` to the image
// at the sector index `sector`.
func (img *ImageFile) WriteSectors(buff []byte, sector uint32, count uint32) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if err := img.check(buff, sector, count); err != nil {
		return err
	}

	length := int64(count) * SectorSize
	n, err := img.file.WriteAt(buff[:length], int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("failed to write: %w: %w", err, ResultError)
	}
	if int64(n) != length {
		return fmt.Errorf("short write: expected %d bytes, wrote %d: %w", length, n, ResultError)
	}
	return nil
}

func (img *ImageFile) Ioctl(cmd IoctlCmd) (uint32, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if !img.stat.Ready() {
		return 0, ResultNotReady
	}
	switch cmd {
	case IoctlSync:
		if err := img.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync: %w: %w", err, ResultError)
		}
		return 0, nil
	case IoctlSectorCount:
		return img.sectorCount(), nil
	case IoctlSectorSize:
		return SectorSize, nil
	case IoctlBlockSize:
		return 1, nil
	}
	return 0, ResultParameterError
}

func (img *ImageFile) sectorCount() uint32 {
	if img.file == nil {
		return 0
	}
	info, err := img.file.Stat()
	if err != nil {
		return 0
	}
	return uint32(info.Size() / SectorSize)
}

// Close should be called when you're done with the ImageFile
func (img *ImageFile) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.file == nil {
		return nil
	}
	err := img.file.Close()
	img.file = nil
	img.stat = StatusNoInit | StatusNoDisk
	return err
}
