package diskio_test

import (
	"bytes"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OffBroadway/sdspi/pkg/cardsim"
	"github.com/OffBroadway/sdspi/pkg/diskio"
	"github.com/OffBroadway/sdspi/pkg/sdspi"
)

// newCardFs registers an emulated SD card as drive 0 and an image file as
// drive 1.
func newCardFs(t *testing.T) (*diskio.DeviceFs, *cardsim.Card) {
	t.Helper()
	sim := cardsim.NewMem(cardsim.Options{HighCapacity: true, Sectors: 128})
	t.Cleanup(func() { sim.Close() })
	img, _ := newImage(t, 8)
	if _, err := img.Initialize(); err != nil {
		t.Fatal(err)
	}

	reg := diskio.NewRegistry(nil)
	reg.RegisterBlockDevice(0, sdspi.New(sim, sdspi.DefaultConfig()))
	reg.RegisterBlockDevice(1, img)
	return diskio.NewDeviceFs(reg, sim.Sectors()), sim
}

func TestDeviceFsListing(t *testing.T) {
	dfs, _ := newCardFs(t)

	dir, err := dfs.Open("/")
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"disk0.img", "disk1.img"}, names); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}

	info, err := dfs.Stat("/disk0.img")
	if err != nil {
		t.Fatal(err)
	}
	// the card does not report its size, so the fallback applies
	if info.Size() != 128*512 {
		t.Errorf("disk0 size = %d", info.Size())
	}
	info, err = dfs.Stat("disk1.img")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 8*512 {
		t.Errorf("disk1 size = %d", info.Size())
	}

	if _, err := dfs.Stat("/disk7.img"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat unknown drive = %v", err)
	}
	if _, err := dfs.Stat("/sub/disk0.img"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat nested path = %v", err)
	}
}

func TestDeviceFsNamespaceIsFixed(t *testing.T) {
	dfs, _ := newCardFs(t)

	if _, err := dfs.Create("/notes.txt"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Create = %v", err)
	}
	if err := dfs.Remove("/disk0.img"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Remove = %v", err)
	}
	if err := dfs.Mkdir("/dir", 0o755); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Mkdir = %v", err)
	}
	if err := dfs.Rename("/disk0.img", "/disk2.img"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Rename = %v", err)
	}
	if _, err := dfs.OpenFile("/disk0.img", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0); !errors.Is(err, os.ErrExist) {
		t.Errorf("exclusive open = %v", err)
	}
}

func TestDeviceFsOpenInitializesCard(t *testing.T) {
	dfs, sim := newCardFs(t)
	if sim.Ready() {
		t.Fatal("card ready before open")
	}
	f, err := dfs.Open("/disk0.img")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if !sim.Ready() {
		t.Error("open did not initialize the card")
	}
}

func TestDeviceFsUnalignedWrite(t *testing.T) {
	dfs, sim := newCardFs(t)

	for n := uint32(0); n < 4; n++ {
		if err := sim.SetSector(n, bytes.Repeat([]byte{byte('a' + n)}, 512)); err != nil {
			t.Fatal(err)
		}
	}

	f, err := dfs.OpenFile("/disk0.img", os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// spans the tail of sector 0, all of sector 1 and the head of sector 2
	payload := bytes.Repeat([]byte{'X'}, 700)
	if n, err := f.WriteAt(payload, 400); err != nil || n != len(payload) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}

	want := make([]byte, 4*512)
	for n := 0; n < 4; n++ {
		copy(want[n*512:], bytes.Repeat([]byte{byte('a' + n)}, 512))
	}
	copy(want[400:], payload)
	for n := uint32(0); n < 4; n++ {
		got, _ := sim.Sector(n)
		if !bytes.Equal(got, want[n*512:(n+1)*512]) {
			t.Errorf("sector %d damaged by partial write", n)
		}
	}

	got := make([]byte, 1000)
	if _, err := f.ReadAt(got, 300); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want[300:1300]) {
		t.Error("ReadAt returned wrong bytes")
	}
}

func TestDeviceFsSmallWriteInsideSector(t *testing.T) {
	dfs, sim := newCardFs(t)
	if err := sim.SetSector(5, bytes.Repeat([]byte{'z'}, 512)); err != nil {
		t.Fatal(err)
	}
	f, err := dfs.OpenFile("/disk0.img", os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Seek(5*512+10, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("hello"); err != nil {
		t.Fatal(err)
	}
	got, _ := sim.Sector(5)
	want := bytes.Repeat([]byte{'z'}, 512)
	copy(want[10:], "hello")
	if !bytes.Equal(got, want) {
		t.Error("sector contents wrong after small write")
	}

	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Read on write-only file = %v", err)
	}
}

func TestDeviceFsSequentialRead(t *testing.T) {
	dfs, _ := newCardFs(t)
	img, err := dfs.OpenFile("/disk1.img", os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 8*512)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if _, err := img.Write(data); err != nil {
		t.Fatal(err)
	}
	if _, err := img.Write([]byte{1}); !errors.Is(err, diskio.ResultParameterError) {
		t.Errorf("write past end = %v", err)
	}
	if err := img.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
	if err := img.Truncate(100); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Truncate = %v", err)
	}
	img.Close()

	got, err := iofs.ReadFile(diskio.AsIO(dfs), "disk1.img")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("io/fs view returned wrong contents")
	}
}

func TestDeviceFsClosedFile(t *testing.T) {
	dfs, _ := newCardFs(t)
	f, err := dfs.Open("/disk1.img")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := f.Read(make([]byte, 4)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Read after close = %v", err)
	}
	if err := f.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
}
