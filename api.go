package testfs

import (
	"os"
	"time"
)

// MountFlags controls what operations a mounted image permits.
type MountFlags int

const (
	MountFlagsAllowRead = MountFlags(1 << iota)
	MountFlagsAllowWrite
)

const MountFlagsReadWrite = MountFlagsAllowRead | MountFlagsAllowWrite

// CanWrite returns true if the flags permit modifying the image.
func (flags MountFlags) CanWrite() bool {
	return flags&MountFlagsAllowWrite != 0
}

// FSStat is a platform-independent form of [syscall.Statfs_t].
type FSStat struct {
	// BlockSize is the size of a logical block on the file system, in bytes.
	BlockSize uint32
	// TotalBlocks is the total number of blocks on the disk image.
	TotalBlocks uint64
	// BlocksFree is the number of unallocated blocks on the image.
	BlocksFree uint64
	// BlocksAvailable is the number of blocks available for use by user data.
	// This should always be less than or equal to BlocksFree.
	BlocksAvailable uint64
	// Files is the total number of files in use on the file system.
	Files uint64
	// FilesFree is the number of additional files that can be created.
	FilesFree uint64
	// MaxNameLength is the longest possible name for a directory entry, in
	// bytes.
	MaxNameLength uint64
}

// FileStat is the information a driver returns about a single object on the
// file system, roughly equivalent to [syscall.Stat_t].
type FileStat struct {
	InodeNumber  uint64
	Mode         uint32
	Nlinks       uint32
	Uid          uint32
	Gid          uint32
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	LastAccessed time.Time
	LastChanged  time.Time
	LastModified time.Time
}

// IsDir returns true if the object is a directory.
func (stat *FileStat) IsDir() bool {
	return IsDir(stat.Mode)
}

// FileMode converts the raw mode bits to an [os.FileMode].
func (stat *FileStat) FileMode() os.FileMode {
	mode := os.FileMode(stat.Mode & 0o777)
	if stat.IsDir() {
		mode |= os.ModeDir
	}
	return mode
}
