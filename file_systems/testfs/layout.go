package testfs

import (
	"github.com/mkatiyar/testfs"
	c "github.com/mkatiyar/testfs/file_systems/common"
)

// Index identifies an inode and, one-to-one, the data block that inode owns.
type Index uint32

// Magic is the value of RawSuperblock.Magic, "SFKM" when read as little-endian
// bytes.
const Magic uint32 = 0x4D4B4653

const DefaultBlockSize = 4096
const MinBlockSize = 512
const MaxBlockSize = 65536

const SuperblockBlock = c.LogicalBlock(1)
const BitmapBlock = c.LogicalBlock(2)
const InodeTableBlock = c.LogicalBlock(3)
const InodeTableBlocks = 3

// FirstUsableIndex is the lowest index the allocator will hand out. Everything
// below it is file system metadata. It's also the root directory's index.
const FirstUsableIndex = Index(6)
const RootIndex = FirstUsableIndex

// MinTotalBlocks is the smallest image Format will accept.
const MinTotalBlocks = 25

// RawSuperblock is the on-disk form of the superblock, stored at the start of
// block 1.
type RawSuperblock struct {
	Magic             uint32
	BlockSize         uint32
	FirstNonMetaInode uint32
	FreeInodes        uint32
	// MaxInodes is one past the highest valid index.
	MaxInodes uint32
	VolumeID  [16]byte
}

// EntryKind is the type of the object a directory record points to.
type EntryKind uint32

const (
	KindUnknown EntryKind = iota
	KindFile
	KindDir
	KindSymlink
	KindSocket
	KindCharDevice
	KindBlockDevice
	KindPipe
	kindMax
)

var kindNames = [kindMax]string{
	"unknown", "file", "dir", "symlink", "socket", "chrdev", "blkdev", "pipe",
}

func (kind EntryKind) String() string {
	if kind >= kindMax {
		return "invalid"
	}
	return kindNames[kind]
}

// IsValid returns true if `kind` is one of the defined kinds.
func (kind EntryKind) IsValid() bool {
	return kind < kindMax
}

// ModeBits returns the S_IF* file type bits corresponding to the kind, or 0 for
// [KindUnknown].
func (kind EntryKind) ModeBits() uint32 {
	switch kind {
	case KindFile:
		return testfs.S_IFREG
	case KindDir:
		return testfs.S_IFDIR
	case KindSymlink:
		return testfs.S_IFLNK
	case KindSocket:
		return testfs.S_IFSOCK
	case KindCharDevice:
		return testfs.S_IFCHR
	case KindBlockDevice:
		return testfs.S_IFBLK
	case KindPipe:
		return testfs.S_IFIFO
	default:
		return 0
	}
}

// KindFromMode returns the entry kind for the file type bits in `mode`.
func KindFromMode(mode uint32) EntryKind {
	switch mode & testfs.S_IFMT {
	case testfs.S_IFREG:
		return KindFile
	case testfs.S_IFDIR:
		return KindDir
	case testfs.S_IFLNK:
		return KindSymlink
	case testfs.S_IFSOCK:
		return KindSocket
	case testfs.S_IFCHR:
		return KindCharDevice
	case testfs.S_IFBLK:
		return KindBlockDevice
	case testfs.S_IFIFO:
		return KindPipe
	default:
		return KindUnknown
	}
}

// inodesPerBlock gives the number of inodes that fit in one block of the inode
// table. Inodes never straddle a block boundary.
func inodesPerBlock(bytesPerBlock uint) uint {
	return bytesPerBlock / InodeSize
}

// maxIndicesFor gives the exclusive upper bound on indices for an image. It's
// limited both by the number of inodes the table can hold and by the number of
// blocks, since each index owns the block with the same number.
func maxIndicesFor(bytesPerBlock, totalBlocks uint) Index {
	byInodes := uint(FirstUsableIndex) + InodeTableBlocks*inodesPerBlock(bytesPerBlock)
	if totalBlocks < byInodes {
		return Index(totalBlocks)
	}
	return Index(byInodes)
}
