package testfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/mkatiyar/testfs"
	"github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	"github.com/noxer/bytewriter"
)

// InodeSize is the size of a [RawInode] on disk, in bytes.
const InodeSize = 48

type RawTimestamp struct {
	Seconds     uint32
	Nanoseconds uint32
}

// RawInode is the on-disk form of an inode.
type RawInode struct {
	Uid    uint32
	Gid    uint32
	Size   uint32
	Type   uint32
	Nlinks uint32
	Atime  RawTimestamp
	Ctime  RawTimestamp
	Mtime  RawTimestamp
	// Data is the index of the file's one data block, or 0 if it has none.
	Data uint32
}

// Inode is the in-memory form of a [RawInode].
type Inode struct {
	Index        Index
	Uid          uint32
	Gid          uint32
	Size         uint32
	Mode         uint32
	Nlinks       uint32
	LastAccessed time.Time
	LastChanged  time.Time
	LastModified time.Time
	DataBlock    c.PhysicalBlock
}

func SerializeTimestamp(tstamp time.Time) RawTimestamp {
	return RawTimestamp{
		Seconds:     uint32(tstamp.Unix()),
		Nanoseconds: uint32(tstamp.Nanosecond()),
	}
}

func DeserializeTimestamp(tstamp RawTimestamp) time.Time {
	return time.Unix(int64(tstamp.Seconds), int64(tstamp.Nanoseconds))
}

// IsDir returns true if the inode is a directory.
func (inode *Inode) IsDir() bool {
	return testfs.IsDir(inode.Mode)
}

// Kind returns the directory entry kind matching the inode's type bits.
func (inode *Inode) Kind() EntryKind {
	return KindFromMode(inode.Mode)
}

// Touch sets the modification and change times to `now`.
func (inode *Inode) Touch(now time.Time) {
	inode.LastModified = now
	inode.LastChanged = now
}

// Stat converts the inode to a [testfs.FileStat].
func (inode *Inode) Stat(bytesPerBlock uint) testfs.FileStat {
	numBlocks := int64(0)
	if inode.DataBlock != 0 {
		numBlocks = 1
	}
	return testfs.FileStat{
		InodeNumber:  uint64(inode.Index),
		Mode:         inode.Mode,
		Nlinks:       inode.Nlinks,
		Uid:          inode.Uid,
		Gid:          inode.Gid,
		Size:         int64(inode.Size),
		BlockSize:    int64(bytesPerBlock),
		NumBlocks:    numBlocks,
		LastAccessed: inode.LastAccessed,
		LastChanged:  inode.LastChanged,
		LastModified: inode.LastModified,
	}
}

func (inode *Inode) toRaw() RawInode {
	return RawInode{
		Uid:    inode.Uid,
		Gid:    inode.Gid,
		Size:   inode.Size,
		Type:   inode.Mode,
		Nlinks: inode.Nlinks,
		Atime:  SerializeTimestamp(inode.LastAccessed),
		Ctime:  SerializeTimestamp(inode.LastChanged),
		Mtime:  SerializeTimestamp(inode.LastModified),
		Data:   uint32(inode.DataBlock),
	}
}

func inodeFromRaw(index Index, raw *RawInode) Inode {
	return Inode{
		Index:        index,
		Uid:          raw.Uid,
		Gid:          raw.Gid,
		Size:         raw.Size,
		Mode:         raw.Type,
		Nlinks:       raw.Nlinks,
		LastAccessed: DeserializeTimestamp(raw.Atime),
		LastChanged:  DeserializeTimestamp(raw.Ctime),
		LastModified: DeserializeTimestamp(raw.Mtime),
		DataBlock:    c.PhysicalBlock(raw.Data),
	}
}

// InodeTable reads and writes inodes in the inode table blocks. Several inodes
// share each table block, so all access goes through one lock.
type InodeTable struct {
	mu         sync.Mutex
	cache      *blockcache.BlockCache
	maxIndices Index
}

func NewInodeTable(cache *blockcache.BlockCache, maxIndices Index) *InodeTable {
	return &InodeTable{cache: cache, maxIndices: maxIndices}
}

// locate gives the block and byte offset within that block of an inode.
func (table *InodeTable) locate(index Index) (c.LogicalBlock, uint, error) {
	if index < FirstUsableIndex || index >= table.maxIndices {
		return 0, 0, testfs.ErrInvalidIndex.WithMessage(
			fmt.Sprintf(
				"no inode %d: not in range [%d, %d)",
				index,
				FirstUsableIndex,
				table.maxIndices,
			),
		)
	}

	perBlock := inodesPerBlock(table.cache.BytesPerBlock())
	relative := uint(index - FirstUsableIndex)
	block := InodeTableBlock + c.LogicalBlock(relative/perBlock)
	return block, (relative % perBlock) * InodeSize, nil
}

// Get reads an inode from the table.
func (table *InodeTable) Get(index Index) (Inode, error) {
	block, offset, err := table.locate(index)
	if err != nil {
		return Inode{}, err
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	blockData, err := table.cache.GetSlice(block, 1)
	if err != nil {
		return Inode{}, err
	}

	raw := RawInode{}
	reader := bytes.NewReader(blockData[offset : offset+InodeSize])
	err = binary.Read(reader, binary.LittleEndian, &raw)
	if err != nil {
		return Inode{}, errors.ErrIOFailed.Wrap(err)
	}
	return inodeFromRaw(index, &raw), nil
}

// Put writes an inode back to the table and commits the table block. On
// failure the table block is left as it was before the call.
func (table *InodeTable) Put(inode *Inode) error {
	block, offset, err := table.locate(inode.Index)
	if err != nil {
		return err
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	blockData, err := table.cache.GetSlice(block, 1)
	if err != nil {
		return err
	}

	slot := blockData[offset : offset+InodeSize]
	previous := make([]byte, InodeSize)
	copy(previous, slot)

	raw := inode.toRaw()
	err = binary.Write(bytewriter.New(slot), binary.LittleEndian, &raw)
	if err == nil {
		err = table.cache.MarkBlockRangeDirty(block, 1)
	}
	if err == nil {
		err = table.cache.FlushBlock(block)
	}
	if err != nil {
		copy(slot, previous)
		return errors.CastToDriverError(err)
	}
	return nil
}
