package testfs

import (
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/google/uuid"
	"github.com/mkatiyar/testfs"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
)

// FormatOptions controls the geometry of a new image.
type FormatOptions struct {
	// BlockSize is the number of bytes per block. Defaults to DefaultBlockSize.
	BlockSize uint
	// TotalBlocks is the size of the image in blocks. If 0, the current size
	// of the cache is used.
	TotalBlocks uint
	// VolumeID is stored in the superblock. A random one is generated if this
	// is uuid.Nil.
	VolumeID uuid.UUID
	// Now is the timestamp given to the root directory. Defaults to the
	// current time.
	Now time.Time
}

// Validate checks the options against the cache they'll be applied to, filling
// in defaults.
func (opts *FormatOptions) Validate(cache *blockcache.BlockCache) error {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.TotalBlocks == 0 {
		opts.TotalBlocks = cache.TotalBlocks()
	}

	if opts.BlockSize < MinBlockSize || opts.BlockSize > MaxBlockSize ||
		opts.BlockSize&(opts.BlockSize-1) != 0 {
		return testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block size must be a power of 2 in [%d, %d], got %d",
				MinBlockSize,
				MaxBlockSize,
				opts.BlockSize,
			),
		)
	}
	if opts.BlockSize != cache.BytesPerBlock() {
		return testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block size %d doesn't match the image's %d",
				opts.BlockSize,
				cache.BytesPerBlock(),
			),
		)
	}
	if opts.TotalBlocks < MinTotalBlocks {
		return testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("need at least %d blocks, got %d", MinTotalBlocks, opts.TotalBlocks))
	}
	if opts.VolumeID == uuid.Nil {
		opts.VolumeID = uuid.New()
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	return nil
}

// Format writes an empty file system to the image in `cache`, resizing it to
// opts.TotalBlocks if needed. The root directory gets index [RootIndex] and
// contains only "." and "..", both pointing to itself.
func Format(cache *blockcache.BlockCache, opts FormatOptions) (Superblock, error) {
	err := opts.Validate(cache)
	if err != nil {
		return Superblock{}, err
	}

	if cache.TotalBlocks() != opts.TotalBlocks {
		err = cache.Resize(opts.TotalBlocks)
		if err != nil {
			return Superblock{}, err
		}
	}

	// Start from a clean slate for all metadata blocks and the root
	// directory's block.
	metadata, err := cache.GetSlice(0, uint(RootIndex)+1)
	if err != nil {
		return Superblock{}, err
	}
	for i := range metadata {
		metadata[i] = 0
	}

	maxIndices := maxIndicesFor(opts.BlockSize, opts.TotalBlocks)

	// Indices below FirstUsableIndex are reserved, and the root directory
	// takes the first usable one.
	bits := bitmap.Bitmap(metadata[uint(BitmapBlock)*opts.BlockSize : uint(BitmapBlock+1)*opts.BlockSize])
	for i := 0; i <= int(RootIndex); i++ {
		bits.Set(i, true)
	}

	err = cache.MarkBlockRangeDirty(0, uint(RootIndex)+1)
	if err != nil {
		return Superblock{}, err
	}

	root := Inode{
		Index:        RootIndex,
		Mode:         testfs.S_IFDIR | 0o755,
		Nlinks:       2,
		LastAccessed: opts.Now,
		LastChanged:  opts.Now,
		LastModified: opts.Now,
		DataBlock:    c.PhysicalBlock(RootIndex),
	}
	err = writeInitialDirectory(cache, &root, root.Index)
	if err != nil {
		return Superblock{}, err
	}

	sb := Superblock{
		BlockSize:         uint32(opts.BlockSize),
		FirstNonMetaIndex: FirstUsableIndex,
		FreeIndices:       uint32(maxIndices-FirstUsableIndex) - 1,
		MaxIndices:        maxIndices,
		VolumeID:          opts.VolumeID,
	}
	err = WriteSuperblock(cache, &sb)
	if err != nil {
		return Superblock{}, err
	}

	err = NewInodeTable(cache, maxIndices).Put(&root)
	if err != nil {
		return Superblock{}, err
	}
	return sb, cache.Flush()
}

// writeInitialDirectory fills the data block of the directory `dir` with its
// "." and ".." records and sets its size to one block. The inode isn't saved.
func writeInitialDirectory(cache *blockcache.BlockCache, dir *Inode, parent Index) error {
	data, err := cache.GetSlice(c.LogicalBlock(dir.DataBlock), 1)
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = 0
	}

	self := Record{
		Index:  dir.Index,
		Kind:   KindDir,
		Name:   ".",
		Length: MinimumRecordLength(1),
	}
	err = EncodeRecord(data, &self)
	if err != nil {
		return err
	}

	up := Record{
		Index:  parent,
		Kind:   KindDir,
		Name:   "..",
		Length: uint32(len(data)) - self.Length,
	}
	err = EncodeRecord(data[self.Length:], &up)
	if err != nil {
		return err
	}

	dir.Size = uint32(len(data))
	err = cache.MarkBlockRangeDirty(c.LogicalBlock(dir.DataBlock), 1)
	if err != nil {
		return err
	}
	return cache.FlushBlock(c.LogicalBlock(dir.DataBlock))
}
