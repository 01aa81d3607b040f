package diskio

// Status is the drive status bit set returned by initialize and status.
type Status uint8

const (
	StatusNoInit  Status = 0x01 /* Drive not initialized */
	StatusNoDisk  Status = 0x02 /* No medium in the drive */
	StatusProtect Status = 0x04 /* Write protected */
)

// Ready reports whether none of the not-initialized bits are set.
func (s Status) Ready() bool {
	return s&StatusNoInit == 0
}

func (s Status) String() string {
	if s == 0 {
		return "ready"
	}
	var str string
	add := func(name string) {
		if str != "" {
			str += "|"
		}
		str += name
	}
	if s&StatusNoInit != 0 {
		add("noinit")
	}
	if s&StatusNoDisk != 0 {
		add("nodisk")
	}
	if s&StatusProtect != 0 {
		add("protect")
	}
	if s&^(StatusNoInit|StatusNoDisk|StatusProtect) != 0 {
		add("reserved")
	}
	return str
}

const (
	ResultError          Result = 1
	ResultWriteProtected Result = 2
	ResultNotReady       Result = 3
	ResultParameterError Result = 4
)

// Result is the low level disk I/O result code. A nil error stands for RES_OK.
type Result uint

func (r Result) Error() string {
	var msg string
	switch r {
	case ResultError:
		msg = "(1) A hard error occurred during the read/write operation"
	case ResultWriteProtected:
		msg = "(2) The medium is write protected"
	case ResultNotReady:
		msg = "(3) The device has not been initialized"
	case ResultParameterError:
		msg = "(4) Invalid parameter"
	default:
		msg = "unknown disk result error"
	}
	return "diskio: " + msg
}

// IoctlCmd is a control code understood by BlockDevice.Ioctl.
type IoctlCmd uint8

const (
	IoctlSync        IoctlCmd = 0 /* Complete pending write process */
	IoctlSectorCount IoctlCmd = 1 /* Get media size */
	IoctlSectorSize  IoctlCmd = 2 /* Get sector size */
	IoctlBlockSize   IoctlCmd = 3 /* Get erase block size in unit of sector */
)

func (c IoctlCmd) String() string {
	switch c {
	case IoctlSync:
		return "CTRL_SYNC"
	case IoctlSectorCount:
		return "GET_SECTOR_COUNT"
	case IoctlSectorSize:
		return "GET_SECTOR_SIZE"
	case IoctlBlockSize:
		return "GET_BLOCK_SIZE"
	default:
		return "invalid/unknown"
	}
}

// SectorSize is the only sector size supported by this package.
const SectorSize = 512
