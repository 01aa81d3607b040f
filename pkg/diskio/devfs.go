package diskio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// maxChunk bounds the number of sectors moved by one DiskRead/DiskWrite call.
const maxChunk = 64

// DeviceFs exposes every drive of a Registry as a raw image file named
// "/disk<pdrv>.img". The namespace is flat and fixed: files can be read and
// overwritten in place but not created, removed or resized.
type DeviceFs struct {
	reg *Registry
	// sectors is used as the drive size when the device cannot report one.
	sectors uint32
}

var _ afero.Fs = (*DeviceFs)(nil)

// NewDeviceFs wraps reg. defaultSectors sizes drives whose Ioctl does not
// answer IoctlSectorCount.
func NewDeviceFs(reg *Registry, defaultSectors uint32) *DeviceFs {
	return &DeviceFs{reg: reg, sectors: defaultSectors}
}

// AsIO returns a read-only io/fs view of d.
func AsIO(d *DeviceFs) fs.FS {
	return afero.NewIOFS(d)
}

// FileInfo describes a drive image or the root directory.
type FileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) IsDir() bool        { return fi.isDir }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi FileInfo) Sys() interface{}   { return nil }

var _ os.FileInfo = FileInfo{}

func driveFileName(pdrv uint8) string {
	return "disk" + strconv.Itoa(int(pdrv)) + ".img"
}

// parseDrive maps "/disk0.img" to drive 0.
func parseDrive(name string) (uint8, bool) {
	base := path.Base(path.Clean("/" + name))
	if !strings.HasPrefix(base, "disk") || !strings.HasSuffix(base, ".img") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(base, "disk"), ".img"), 10, 8)
	if err != nil {
		return 0, false
	}
	if path.Dir(path.Clean("/"+name)) != "/" {
		return 0, false
	}
	return uint8(n), true
}

func isRoot(name string) bool {
	clean := path.Clean("/" + name)
	return clean == "/"
}

func (d *DeviceFs) sectorCount(pdrv uint8) uint32 {
	n, err := d.reg.DiskIoctl(pdrv, IoctlSectorCount)
	if err != nil || n == 0 {
		return d.sectors
	}
	return n
}

func (d *DeviceFs) driveInfo(pdrv uint8) *FileInfo {
	mode := os.FileMode(0o644)
	if d.reg.DiskStatus(pdrv)&StatusProtect != 0 {
		mode = 0o444
	}
	return &FileInfo{
		name:    driveFileName(pdrv),
		size:    int64(d.sectorCount(pdrv)) * SectorSize,
		modTime: time.Unix(0, 0),
		mode:    mode,
	}
}

func (d *DeviceFs) hasDrive(pdrv uint8) bool {
	for _, p := range d.reg.Drives() {
		if p == pdrv {
			return true
		}
	}
	return false
}

func (d *DeviceFs) Name() string {
	return "DeviceFs"
}

func (d *DeviceFs) Stat(name string) (os.FileInfo, error) {
	if isRoot(name) {
		return &FileInfo{
			name:    "/",
			isDir:   true,
			modTime: time.Unix(0, 0),
			mode:    os.ModeDir | 0o755,
		}, nil
	}
	pdrv, ok := parseDrive(name)
	if !ok || !d.hasDrive(pdrv) {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	return d.driveInfo(pdrv), nil
}

func (d *DeviceFs) Open(name string) (afero.File, error) {
	return d.OpenFile(name, os.O_RDONLY, 0)
}

func (d *DeviceFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if isRoot(name) {
		if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
		}
		return &DeviceFile{fs: d, name: "/", dir: true}, nil
	}

	pdrv, ok := parseDrive(name)
	if !ok || !d.hasDrive(pdrv) {
		if flag&os.O_CREATE != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
		}
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	if flag&os.O_EXCL != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
	}

	// O_TRUNC and O_APPEND are ignored: the image size is the size of the medium.
	f := &DeviceFile{
		fs:       d,
		name:     "/" + driveFileName(pdrv),
		pdrv:     pdrv,
		writable: flag&(os.O_WRONLY|os.O_RDWR) != 0,
		readable: flag&os.O_WRONLY == 0,
	}
	if d.reg.DiskStatus(pdrv)&StatusNoInit != 0 {
		if _, err := d.reg.DiskInitialize(pdrv); err != nil {
			return nil, &os.PathError{Op: "open", Path: name, Err: err}
		}
	}
	return f, nil
}

func (d *DeviceFs) Create(name string) (afero.File, error) {
	return d.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (d *DeviceFs) Mkdir(name string, perm os.FileMode) error {
	return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrPermission}
}

func (d *DeviceFs) MkdirAll(p string, perm os.FileMode) error {
	if isRoot(p) {
		return nil
	}
	return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrPermission}
}

func (d *DeviceFs) Remove(name string) error {
	return &os.PathError{Op: "remove", Path: name, Err: os.ErrPermission}
}

func (d *DeviceFs) RemoveAll(p string) error {
	return &os.PathError{Op: "remove", Path: p, Err: os.ErrPermission}
}

func (d *DeviceFs) Rename(oldname, newname string) error {
	return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrPermission}
}

func (d *DeviceFs) Chmod(name string, mode os.FileMode) error {
	return nil
}

func (d *DeviceFs) Chown(name string, uid, gid int) error {
	return nil
}

func (d *DeviceFs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return nil
}

// DeviceFile is an open drive image or the root directory of a DeviceFs.
type DeviceFile struct {
	mu       sync.Mutex
	fs       *DeviceFs
	name     string
	pdrv     uint8
	dir      bool
	readable bool
	writable bool
	offset   int64
	closed   bool
	listed   bool
}

var _ afero.File = (*DeviceFile)(nil)

// Name returns the name of the file as presented to OpenFile
func (f *DeviceFile) Name() string {
	return f.name
}

func (f *DeviceFile) Stat() (os.FileInfo, error) {
	return f.fs.Stat(f.name)
}

func (f *DeviceFile) size() int64 {
	return int64(f.fs.sectorCount(f.pdrv)) * SectorSize
}

func (f *DeviceFile) Readdir(count int) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dir {
		return nil, &os.PathError{Op: "readdir", Path: f.name, Err: errors.New("not a directory")}
	}
	if f.listed {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	var infos []os.FileInfo
	for _, pdrv := range f.fs.reg.Drives() {
		infos = append(infos, f.fs.driveInfo(pdrv))
	}
	if count > 0 && len(infos) > count {
		infos = infos[:count]
	}
	f.listed = true
	return infos, nil
}

func (f *DeviceFile) Readdirnames(n int) (names []string, err error) {
	infos, err := f.Readdir(n)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (f *DeviceFile) usable(write bool) error {
	switch {
	case f.closed:
		return os.ErrClosed
	case f.dir:
		return &os.PathError{Op: "read", Path: f.name, Err: errors.New("is a directory")}
	case write && !f.writable, !write && !f.readable:
		return &os.PathError{Op: "access", Path: f.name, Err: os.ErrPermission}
	}
	return nil
}

// readAt fills buf from the medium starting at byte offset off.
func (f *DeviceFile) readAt(buf []byte, off int64) (int, error) {
	size := f.size()
	if off >= size {
		return 0, io.EOF
	}
	want := len(buf)
	if int64(want) > size-off {
		want = int(size - off)
	}

	scratch := make([]byte, maxChunk*SectorSize)
	n := 0
	for n < want {
		pos := off + int64(n)
		sector := uint32(pos / SectorSize)
		skip := int(pos % SectorSize)
		count := (skip + want - n + SectorSize - 1) / SectorSize
		if count > maxChunk {
			count = maxChunk
		}
		if err := f.fs.reg.DiskRead(f.pdrv, scratch, sector, uint32(count)); err != nil {
			return n, err
		}
		n += copy(buf[n:want], scratch[skip:count*SectorSize])
	}
	if want < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// writeAt stores buf at byte offset off, merging partial sectors with their
// current contents.
func (f *DeviceFile) writeAt(buf []byte, off int64) (int, error) {
	size := f.size()
	if off+int64(len(buf)) > size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of medium (%d): %w", len(buf), off, size, ResultParameterError)
	}

	scratch := make([]byte, maxChunk*SectorSize)
	n := 0
	for n < len(buf) {
		pos := off + int64(n)
		sector := uint32(pos / SectorSize)
		skip := int(pos % SectorSize)
		count := (skip + len(buf) - n + SectorSize - 1) / SectorSize
		if count > maxChunk {
			count = maxChunk
		}
		span := count * SectorSize
		end := skip + len(buf) - n
		if end > span {
			end = span
		}
		if skip != 0 {
			if err := f.fs.reg.DiskRead(f.pdrv, scratch[:SectorSize], sector, 1); err != nil {
				return n, err
			}
		}
		if end%SectorSize != 0 {
			last := uint32(count - 1)
			if last != 0 || skip == 0 {
				if err := f.fs.reg.DiskRead(f.pdrv, scratch[last*SectorSize:span], sector+last, 1); err != nil {
					return n, err
				}
			}
		}
		copied := copy(scratch[skip:end], buf[n:])
		if err := f.fs.reg.DiskWrite(f.pdrv, scratch[:span], sector, uint32(count)); err != nil {
			return n, err
		}
		n += copied
	}
	return n, nil
}

func (f *DeviceFile) Read(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(false); err != nil {
		return 0, err
	}
	n, err := f.readAt(data, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *DeviceFile) ReadAt(buf []byte, offset int64) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(false); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, &os.PathError{Op: "readat", Path: f.name, Err: errors.New("negative offset")}
	}
	return f.readAt(buf, offset)
}

func (f *DeviceFile) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(true); err != nil {
		return 0, err
	}
	n, err := f.writeAt(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *DeviceFile) WriteAt(buf []byte, offset int64) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(true); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, &os.PathError{Op: "writeat", Path: f.name, Err: errors.New("negative offset")}
	}
	return f.writeAt(buf, offset)
}

func (f *DeviceFile) WriteString(s string) (n int, err error) {
	return f.Write([]byte(s))
}

// Seek changes the position of the file
func (f *DeviceFile) Seek(offset int64, whence int) (ret int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += f.size()
	default:
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: os.ErrInvalid}
	}
	if offset < 0 {
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: os.ErrInvalid}
	}
	f.offset = offset
	return offset, nil
}

// Sync flushes the drive.
func (f *DeviceFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dir {
		return nil
	}
	_, err := f.fs.reg.DiskIoctl(f.pdrv, IoctlSync)
	return err
}

// Truncate only accepts the current size of the medium.
func (f *DeviceFile) Truncate(size int64) error {
	if f.dir || size != f.size() {
		return &os.PathError{Op: "truncate", Path: f.name, Err: os.ErrPermission}
	}
	return nil
}

func (f *DeviceFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}
