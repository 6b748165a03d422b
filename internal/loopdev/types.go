package loopdev

// Loop device flags from <linux/loop.h>
const (
	LoFlagsReadOnly = 1 << 0
	LoFlagsPartscan = 1 << 3
)

// LoopInfo64 is the loop device info structure for LOOP_SET_STATUS64/LOOP_GET_STATUS64.
// This matches the kernel's struct loop_info64 from <linux/loop.h>.
type LoopInfo64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

// Config holds the options for attaching a backing file to a loop device.
type Config struct {
	// ReadOnly attaches the device read-only.
	ReadOnly bool
	// PartScan asks the kernel to scan the partition table and expose each
	// partition as its own sub-device (loopNpM).
	PartScan bool
	// Offset is the byte offset in the backing file where the device starts.
	Offset uint64
	// SizeLimit caps the device size in bytes (0 = entire file).
	SizeLimit uint64
}

// Device represents an attached loop device.
type Device struct {
	// Path is the device path (e.g., "/dev/loop0").
	Path string
	// Number is the loop device number.
	Number int
}

// Attached describes one configured loop device discovered from sysfs.
type Attached struct {
	Path        string
	Number      int
	BackingFile string
	ReadOnly    bool
	PartScan    bool
	Offset      uint64
	SizeLimit   uint64
}
