package testfs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkatiyar/testfs"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	fstest "github.com/mkatiyar/testfs/testing"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512
const testTotalBlocks = 32

var testVolumeID = uuid.MustParse("8b5f5d43-4a8c-4c1e-9d3a-0f6e1b2c7d90")
var testTime = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

// newFormattedImage returns a cache over a freshly formatted in-memory image,
// along with the backing bytes.
func newFormattedImage(t *testing.T) (*blockcache.BlockCache, []byte) {
	backing := make([]byte, testBlockSize*testTotalBlocks)
	cache := fstest.CreateDefaultCache(testBlockSize, testTotalBlocks, true, backing, t)
	_, err := Format(
		cache,
		FormatOptions{
			BlockSize: testBlockSize,
			VolumeID:  testVolumeID,
			Now:       testTime,
		},
	)
	require.NoError(t, err, "formatting failed")
	return cache, backing
}

// newTestDirectoryTable formats an image and returns a directory table and
// inode table over it.
func newTestDirectoryTable(t *testing.T) (*DirectoryTable, *InodeTable, *blockcache.BlockCache) {
	cache, _ := newFormattedImage(t)
	inodes := NewInodeTable(cache, maxIndicesFor(testBlockSize, testTotalBlocks))
	dirs := NewDirectoryTable(cache, inodes)
	dirs.now = func() time.Time { return testTime }
	return dirs, inodes, cache
}

// createEmptyDirectory writes a directory inode with no records at `index`.
// Its data block is the block with the same number.
func createEmptyDirectory(t *testing.T, inodes *InodeTable, index Index) Inode {
	inode := Inode{
		Index:     index,
		Mode:      testfs.S_IFDIR | 0o755,
		Nlinks:    2,
		DataBlock: c.PhysicalBlock(index),
	}
	require.NoError(t, inodes.Put(&inode))
	return inode
}

// blockBytes returns a copy of a block's current contents.
func blockBytes(t *testing.T, cache *blockcache.BlockCache, block c.PhysicalBlock) []byte {
	data, err := cache.GetSlice(c.LogicalBlock(block), 1)
	require.NoError(t, err)
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

func newMountedDriver(t *testing.T, flags testfs.MountFlags) (*Driver, *blockcache.BlockCache) {
	cache, _ := newFormattedImage(t)
	driver := NewDriverFromCache(cache)
	driver.now = func() time.Time { return testTime }
	require.NoError(t, driver.Mount(flags))
	return driver, cache
}
