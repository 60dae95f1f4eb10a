package testfs

import (
	"testing"

	"github.com/mkatiyar/testfs"
	fserrors "github.com/mkatiyar/testfs/errors"
	fstest "github.com/mkatiyar/testfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver__MountFreshImage(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)

	stat, err := driver.FSStat()
	require.NoError(t, err)
	assert.Equal(
		t,
		testfs.FSStat{
			BlockSize:       testBlockSize,
			TotalBlocks:     testTotalBlocks,
			BlocksFree:      testTotalBlocks - 7,
			BlocksAvailable: testTotalBlocks - 7,
			Files:           1,
			FilesFree:       testTotalBlocks - 7,
			MaxNameLength:   MaxNameLength,
		},
		stat,
	)

	rootStat, err := driver.Stat(RootIndex)
	require.NoError(t, err)
	assert.True(t, rootStat.IsDir())
	assert.EqualValues(t, 2, rootStat.Nlinks)
}

func TestDriver__MountTwiceFails(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)
	err := driver.Mount(testfs.MountFlagsReadWrite)
	assert.ErrorIs(t, err, fserrors.ErrBusy)
}

func TestDriver__MountBlankImageFails(t *testing.T) {
	_, stream := fstest.NewBlankImage(testBlockSize, testTotalBlocks)
	driver, err := NewDriverFromStream(stream, testBlockSize, false)
	require.NoError(t, err)

	err = driver.Mount(testfs.MountFlagsAllowRead)
	assert.ErrorIs(t, err, testfs.ErrInvalidFileSystem)
}

func TestDriver__CreateAndUnlinkFile(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)

	inode, err := driver.CreateObject(RootIndex, "hello", testfs.S_IFREG|0o644)
	require.NoError(t, err)
	assert.EqualValues(t, 7, inode.Index)
	assert.EqualValues(t, 7, inode.DataBlock)

	index, err := driver.Lookup(RootIndex, "hello")
	require.NoError(t, err)
	assert.Equal(t, inode.Index, index)

	stat, err := driver.Stat(index)
	require.NoError(t, err)
	assert.True(t, testfs.IsRegular(stat.Mode))
	assert.EqualValues(t, 1, stat.Nlinks)
	assert.True(t, testTime.Equal(stat.LastModified))

	assert.EqualValues(t, testTotalBlocks-8, driver.Superblock().FreeIndices)

	require.NoError(t, driver.Unlink(RootIndex, "hello"))
	_, err = driver.Lookup(RootIndex, "hello")
	assert.ErrorIs(t, err, testfs.ErrNotFound)
	_, err = driver.Stat(index)
	assert.ErrorIs(t, err, testfs.ErrNotFound)
	assert.EqualValues(t, testTotalBlocks-7, driver.Superblock().FreeIndices)
}

func TestDriver__CreateDuplicateReleasesIndex(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)

	_, err := driver.CreateObject(RootIndex, "same", testfs.S_IFREG|0o644)
	require.NoError(t, err)

	_, err = driver.CreateObject(RootIndex, "same", testfs.S_IFREG|0o644)
	assert.ErrorIs(t, err, testfs.ErrNameExists)
	assert.EqualValues(t, testTotalBlocks-8, driver.Superblock().FreeIndices)

	// The index the failed call took must be available again.
	inode, err := driver.CreateObject(RootIndex, "other", testfs.S_IFREG|0o644)
	require.NoError(t, err)
	assert.EqualValues(t, 8, inode.Index)
}

func TestDriver__CreateWithoutFileType(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)
	_, err := driver.CreateObject(RootIndex, "bad", 0o644)
	assert.ErrorIs(t, err, testfs.ErrInvalidArgument)
}

func TestDriver__MkdirAndRemove(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)

	sub, err := driver.Mkdir(RootIndex, "sub", 0o750)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sub.Nlinks)

	rootStat, err := driver.Stat(RootIndex)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rootStat.Nlinks)

	entries, err := driver.ReadDir(sub.Index)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, sub.Index, entries[0].Index)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, RootIndex, entries[1].Index)

	file, err := driver.CreateObject(sub.Index, "f", testfs.S_IFREG|0o644)
	require.NoError(t, err)

	index, err := driver.ResolvePath("/sub/f")
	require.NoError(t, err)
	assert.Equal(t, file.Index, index)
	index, err = driver.ResolvePath("sub/../sub/./f")
	require.NoError(t, err)
	assert.Equal(t, file.Index, index)

	err = driver.Unlink(RootIndex, "sub")
	assert.ErrorIs(t, err, fserrors.ErrDirectoryNotEmpty)

	require.NoError(t, driver.Unlink(sub.Index, "f"))
	require.NoError(t, driver.Unlink(RootIndex, "sub"))

	rootStat, err = driver.Stat(RootIndex)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rootStat.Nlinks)
	assert.EqualValues(t, testTotalBlocks-7, driver.Superblock().FreeIndices)
}

func TestDriver__ResolvePathReportsCause(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)
	_, err := driver.CreateObject(RootIndex, "f", testfs.S_IFREG|0o644)
	require.NoError(t, err)

	_, err = driver.ResolvePath("/missing/x")
	assert.ErrorIs(t, err, testfs.ErrNotFound)
	assert.ErrorContains(t, err, `"missing" not found`)

	_, err = driver.ResolvePath("/f/x")
	assert.ErrorIs(t, err, testfs.ErrNotADirectory)
	assert.NotErrorIs(t, err, testfs.ErrNotFound)
	assert.ErrorContains(t, err, `can't resolve "/f/x" at "x"`)
	assert.NotContains(t, err.Error(), "not found")
}

func TestDriver__UnlinkDotEntries(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsReadWrite)
	assert.ErrorIs(t, driver.Unlink(RootIndex, "."), testfs.ErrInvalidArgument)
	assert.ErrorIs(t, driver.Unlink(RootIndex, ".."), testfs.ErrInvalidArgument)
}

func TestDriver__ReadOnlyMount(t *testing.T) {
	driver, _ := newMountedDriver(t, testfs.MountFlagsAllowRead)

	_, err := driver.CreateObject(RootIndex, "nope", testfs.S_IFREG|0o644)
	assert.ErrorIs(t, err, testfs.ErrReadOnlyFileSystem)
	err = driver.Unlink(RootIndex, "..")
	assert.ErrorIs(t, err, testfs.ErrReadOnlyFileSystem)

	entries, err := driver.ReadDir(RootIndex)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDriver__UnmountPersistsFreeCount(t *testing.T) {
	_, backing := newFormattedImage(t)
	stream := fstest.LoadDiskImage(t, backing, testBlockSize, testTotalBlocks)

	driver, err := NewDriverFromStream(stream, testBlockSize, true)
	require.NoError(t, err)
	require.NoError(t, driver.Mount(testfs.MountFlagsReadWrite))

	_, err = driver.CreateObject(RootIndex, "a", testfs.S_IFREG|0o644)
	require.NoError(t, err)
	_, err = driver.Mkdir(RootIndex, "b", 0o755)
	require.NoError(t, err)
	require.NoError(t, driver.Unmount())

	_, err = driver.FSStat()
	assert.Error(t, err, "driver is still usable after unmounting")

	// Remount from the same stream and make sure everything is still there.
	remounted, err := NewDriverFromStream(stream, testBlockSize, true)
	require.NoError(t, err)
	require.NoError(t, remounted.Mount(testfs.MountFlagsAllowRead))

	assert.EqualValues(t, testTotalBlocks-9, remounted.Superblock().FreeIndices)
	index, err := remounted.ResolvePath("/b")
	require.NoError(t, err)
	assert.EqualValues(t, 8, index)

	sb, err := ReadSuperblock(remounted.cache)
	require.NoError(t, err)
	assert.EqualValues(t, testTotalBlocks-9, sb.FreeIndices)
}
