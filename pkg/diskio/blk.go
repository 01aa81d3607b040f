package diskio

// BlockDevice is a sector addressed storage device behind one drive number.
type BlockDevice interface {
	Initialize() (Status, error)
	Status() Status
	ReadSectors(buf []byte, sector uint32, count uint32) error
	WriteSectors(buf []byte, sector uint32, count uint32) error
	Ioctl(cmd IoctlCmd) (uint32, error)
}
