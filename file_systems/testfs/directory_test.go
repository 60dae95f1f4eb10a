package testfs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/mkatiyar/testfs"
	fserrors "github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
	fstest "github.com/mkatiyar/testfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryTable__EmptyDirectoryScenario(t *testing.T) {
	dirs, inodes, _ := newTestDirectoryTable(t)
	createEmptyDirectory(t, inodes, 10)

	require.NoError(t, dirs.Insert(10, "a", 7, KindFile))
	record, err := dirs.Find(10, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 7, record.Index)
	assert.Equal(t, KindFile, record.Kind)
	assert.EqualValues(t, 0, record.Location.Offset)
	assert.EqualValues(t, testBlockSize, record.Length, "first record takes the whole block")

	err = dirs.Insert(10, "a", 8, KindFile)
	assert.ErrorIs(t, err, testfs.ErrNameExists)

	require.NoError(t, dirs.Delete(10, record))
	_, err = dirs.Find(10, "a")
	assert.ErrorIs(t, err, testfs.ErrNotFound)

	require.NoError(t, dirs.Insert(10, "bb", 8, KindFile))
	record, err = dirs.Find(10, "bb")
	require.NoError(t, err)
	assert.EqualValues(t, 8, record.Index)
	assert.EqualValues(t, 0, record.Location.Offset, "tombstone wasn't reused")

	dir, err := inodes.Get(10)
	require.NoError(t, err)
	assert.EqualValues(t, testBlockSize, dir.Size, "directory grew")
}

func TestDirectoryTable__InsertThenFindAllNameLengths(t *testing.T) {
	dirs, _, _ := newTestDirectoryTable(t)

	for n := 1; n <= MaxNameLength; n++ {
		name := strings.Repeat("x", n)
		kind := EntryKind(n%int(kindMax-1) + 1)
		require.NoErrorf(t, dirs.Insert(RootIndex, name, Index(6+n), kind), "inserting %q", name)
	}

	for n := 1; n <= MaxNameLength; n++ {
		name := strings.Repeat("x", n)
		record, err := dirs.Find(RootIndex, name)
		require.NoErrorf(t, err, "finding %q", name)
		assert.EqualValues(t, 6+n, record.Index)
		assert.Equal(t, EntryKind(n%int(kindMax-1)+1), record.Kind)
		assert.Equal(t, name, record.Name)
	}
}

func TestDirectoryTable__InsertBadArguments(t *testing.T) {
	dirs, _, cache := newTestDirectoryTable(t)
	before := blockBytes(t, cache, c.PhysicalBlock(RootIndex))

	err := dirs.Insert(RootIndex, "", 7, KindFile)
	assert.ErrorIs(t, err, testfs.ErrInvalidArgument)

	err = dirs.Insert(RootIndex, "abcdefghijklm", 7, KindFile)
	assert.ErrorIs(t, err, testfs.ErrNameTooLong)

	err = dirs.Insert(RootIndex, "zero", 0, KindFile)
	assert.ErrorIs(t, err, testfs.ErrInvalidIndex)

	assert.Equal(t, before, blockBytes(t, cache, c.PhysicalBlock(RootIndex)))
}

func TestDirectoryTable__InsertIntoFileFails(t *testing.T) {
	dirs, inodes, _ := newTestDirectoryTable(t)
	file := Inode{Index: 9, Mode: testfs.S_IFREG | 0o644, Nlinks: 1, DataBlock: 9}
	require.NoError(t, inodes.Put(&file))

	err := dirs.Insert(9, "a", 10, KindFile)
	assert.ErrorIs(t, err, testfs.ErrNotADirectory)
}

func TestDirectoryTable__DuplicateLeavesBlockUnchanged(t *testing.T) {
	dirs, inodes, cache := newTestDirectoryTable(t)

	require.NoError(t, dirs.Insert(RootIndex, "first", 7, KindFile))
	require.NoError(t, dirs.Insert(RootIndex, "second", 8, KindFile))
	require.NoError(t, dirs.Insert(RootIndex, "third", 9, KindFile))

	// Delete "first" so there's a free slot before "third". The duplicate
	// must still be caught.
	_, err := dirs.Remove(RootIndex, "first")
	require.NoError(t, err)

	before := blockBytes(t, cache, c.PhysicalBlock(RootIndex))
	inodeBefore, err := inodes.Get(RootIndex)
	require.NoError(t, err)

	err = dirs.Insert(RootIndex, "third", 10, KindDir)
	assert.ErrorIs(t, err, testfs.ErrNameExists)

	assert.Equal(t, before, blockBytes(t, cache, c.PhysicalBlock(RootIndex)))
	inodeAfter, err := inodes.Get(RootIndex)
	require.NoError(t, err)
	assert.Equal(t, inodeBefore, inodeAfter)
}

func TestDirectoryTable__SplitsLastRecord(t *testing.T) {
	dirs, _, _ := newTestDirectoryTable(t)

	require.NoError(t, dirs.Insert(RootIndex, "abc", 7, KindFile))

	parent, err := dirs.Find(RootIndex, "..")
	require.NoError(t, err)
	assert.EqualValues(t, 20, parent.Location.Offset)
	assert.EqualValues(t, 20, parent.Length, "\"..\" wasn't shrunk")

	record, err := dirs.Find(RootIndex, "abc")
	require.NoError(t, err)
	assert.EqualValues(t, 40, record.Location.Offset)
	assert.EqualValues(t, testBlockSize-40, record.Length)
}

func TestDirectoryTable__DeleteMergesIntoPredecessor(t *testing.T) {
	dirs, _, _ := newTestDirectoryTable(t)

	require.NoError(t, dirs.Insert(RootIndex, "abc", 7, KindFile))
	removed, err := dirs.Remove(RootIndex, "abc")
	require.NoError(t, err)
	assert.EqualValues(t, 7, removed.Index)

	parent, err := dirs.Find(RootIndex, "..")
	require.NoError(t, err)
	assert.EqualValues(t, testBlockSize-20, parent.Length)

	_, err = dirs.Find(RootIndex, "abc")
	assert.ErrorIs(t, err, testfs.ErrNotFound)
}

func TestDirectoryTable__DeleteFirstRecordLeavesTombstone(t *testing.T) {
	dirs, _, cache := newTestDirectoryTable(t)

	self, err := dirs.Find(RootIndex, ".")
	require.NoError(t, err)
	require.NoError(t, dirs.Delete(RootIndex, self))

	data := blockBytes(t, cache, c.PhysicalBlock(RootIndex))
	assert.EqualValues(t, 0, binary.LittleEndian.Uint32(data[0:]), "index wasn't cleared")
	assert.EqualValues(t, 20, binary.LittleEndian.Uint32(data[12:]), "length changed")

	entries, err := dirs.ReadDir(RootIndex)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "..", entries[0].Name)

	// A name that fits exactly in the tombstone reuses it.
	require.NoError(t, dirs.Insert(RootIndex, "b", 7, KindFile))
	record, err := dirs.Find(RootIndex, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 0, record.Location.Offset)
	assert.EqualValues(t, 20, record.Length)
}

func TestDirectoryTable__DeleteStaleRecord(t *testing.T) {
	dirs, _, _ := newTestDirectoryTable(t)

	require.NoError(t, dirs.Insert(RootIndex, "abc", 7, KindFile))
	record, err := dirs.Find(RootIndex, "abc")
	require.NoError(t, err)
	require.NoError(t, dirs.Delete(RootIndex, record))

	err = dirs.Delete(RootIndex, record)
	assert.ErrorIs(t, err, testfs.ErrNotFound)

	record.Location.Offset += 4
	err = dirs.Delete(RootIndex, record)
	assert.ErrorIs(t, err, testfs.ErrNotFound)
}

func TestDirectoryTable__FullDirectoryRefusesToGrow(t *testing.T) {
	dirs, inodes, cache := newTestDirectoryTable(t)
	createEmptyDirectory(t, inodes, 10)

	// Each 12-byte name takes 28 bytes, so 18 fit in 512 bytes.
	inserted := 0
	var err error
	for inserted < 100 {
		name := fmt.Sprintf("file%08d", inserted)
		err = dirs.Insert(10, name, Index(7+inserted%20), KindFile)
		if err != nil {
			break
		}
		inserted++
	}

	assert.Equal(t, 18, inserted)
	assert.ErrorIs(t, err, testfs.ErrOutOfSpace)
	assert.ErrorIs(t, err, testfs.ErrUnsupportedExtent)

	before := blockBytes(t, cache, 10)
	err = dirs.Insert(10, "x", 7, KindFile)
	assert.ErrorIs(t, err, testfs.ErrOutOfSpace)
	assert.Equal(t, before, blockBytes(t, cache, 10))

	entries, err := dirs.ReadDir(10)
	require.NoError(t, err)
	assert.Len(t, entries, 18)
}

func TestDirectoryTable__ZeroLengthRecordIsCorruption(t *testing.T) {
	dirs, _, cache := newTestDirectoryTable(t)

	data, err := cache.GetSlice(c.LogicalBlock(RootIndex), 1)
	require.NoError(t, err)
	// Zero out the length of "..".
	binary.LittleEndian.PutUint32(data[20+12:], 0)

	_, err = dirs.Find(RootIndex, "missing")
	assert.ErrorIs(t, err, testfs.ErrCorruptDirectory)

	err = dirs.Insert(RootIndex, "new", 7, KindFile)
	assert.ErrorIs(t, err, testfs.ErrCorruptDirectory)

	_, err = dirs.ReadDir(RootIndex)
	assert.ErrorIs(t, err, testfs.ErrCorruptDirectory)
}

func TestDirectoryTable__RecordPastBlockEndIsCorruption(t *testing.T) {
	dirs, _, cache := newTestDirectoryTable(t)

	data, err := cache.GetSlice(c.LogicalBlock(RootIndex), 1)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[20+12:], testBlockSize)

	_, err = dirs.Find(RootIndex, "missing")
	assert.ErrorIs(t, err, testfs.ErrCorruptDirectory)
	assert.ErrorIs(t, err, testfs.ErrCorruptRecord)
}

func TestDirectoryTable__IterateResume(t *testing.T) {
	dirs, _, _ := newTestDirectoryTable(t)
	require.NoError(t, dirs.Insert(RootIndex, "a", 7, KindFile))
	require.NoError(t, dirs.Insert(RootIndex, "b", 8, KindFile))

	names := []string{}
	var afterA uint64
	var offsetOfA uint64
	iter := dirs.Iterate(RootIndex, 0)
	for iter.Next() {
		entry := iter.Entry()
		names = append(names, entry.Name)
		if entry.Name == "a" {
			offsetOfA = entry.Offset
			afterA = entry.NextOffset
		}
	}
	require.NoError(t, iter.Err())
	assert.Equal(t, []string{".", "..", "a", "b"}, names)
	assert.EqualValues(t, testBlockSize, iter.Position())

	iter = dirs.Iterate(RootIndex, afterA)
	require.True(t, iter.Next())
	assert.Equal(t, "b", iter.Entry().Name)
	assert.False(t, iter.Next())
	require.NoError(t, iter.Err())

	// An offset in the middle of "a" moves forward to the next record.
	iter = dirs.Iterate(RootIndex, offsetOfA+4)
	require.True(t, iter.Next())
	assert.Equal(t, "b", iter.Entry().Name)
}

func TestDirectoryTable__IterateSkipsTombstones(t *testing.T) {
	dirs, _, _ := newTestDirectoryTable(t)
	require.NoError(t, dirs.Insert(RootIndex, "a", 7, KindFile))
	require.NoError(t, dirs.Insert(RootIndex, "b", 8, KindFile))
	require.NoError(t, dirs.Insert(RootIndex, "c", 9, KindFile))

	_, err := dirs.Remove(RootIndex, "b")
	require.NoError(t, err)
	self, err := dirs.Find(RootIndex, ".")
	require.NoError(t, err)
	require.NoError(t, dirs.Delete(RootIndex, self))

	entries, err := dirs.ReadDir(RootIndex)
	require.NoError(t, err)
	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"..", "a", "c"}, names)
}

func TestDirectoryTable__IsEmpty(t *testing.T) {
	dirs, _, _ := newTestDirectoryTable(t)

	empty, err := dirs.IsEmpty(RootIndex)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, dirs.Insert(RootIndex, "a", 7, KindFile))
	empty, err = dirs.IsEmpty(RootIndex)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestDirectoryTable__FailedCommitRollsBack(t *testing.T) {
	_, backing := newFormattedImage(t)
	pristine := make([]byte, len(backing))
	copy(pristine, backing)

	cache := fstest.CreateFailingCache(testBlockSize, testTotalBlocks, backing, 0, fserrors.ErrNoDevice)
	inodes := NewInodeTable(cache, maxIndicesFor(testBlockSize, testTotalBlocks))
	dirs := NewDirectoryTable(cache, inodes)

	err := dirs.Insert(RootIndex, "a", 7, KindFile)
	assert.ErrorIs(t, err, fserrors.ErrNoDevice)

	assert.Equal(t, pristine, backing, "image was modified")
	assert.Equal(
		t,
		pristine[RootIndex*testBlockSize:(RootIndex+1)*testBlockSize],
		blockBytes(t, cache, c.PhysicalBlock(RootIndex)),
		"cached block wasn't restored",
	)

	_, err = dirs.Find(RootIndex, "a")
	assert.ErrorIs(t, err, testfs.ErrNotFound)
}

func TestDirectoryTable__ConcurrentInsertAndRemove(t *testing.T) {
	dirs, inodes, _ := newTestDirectoryTable(t)
	// Both directory inodes live in the same inode table block.
	createEmptyDirectory(t, inodes, 10)
	createEmptyDirectory(t, inodes, 11)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	report := func(err error) {
		if err != nil {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}
	}

	expected := map[Index][]string{}
	for _, dir := range []Index{10, 11} {
		// One writer only inserts.
		wg.Add(1)
		go func(dir Index) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				report(dirs.Insert(dir, fmt.Sprintf("a%02d", i), Index(12+i), KindFile))
			}
		}(dir)

		// Another inserts and then removes every other name it added.
		wg.Add(1)
		go func(dir Index) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				name := fmt.Sprintf("b%02d", i)
				report(dirs.Insert(dir, name, Index(22+i), KindFile))
				if i%2 == 0 {
					_, err := dirs.Remove(dir, name)
					report(err)
				}
			}
		}(dir)

		// A reader lists the directory the whole time.
		wg.Add(1)
		go func(dir Index) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				entries, err := dirs.ReadDir(dir)
				report(err)
				seen := map[string]bool{}
				for _, entry := range entries {
					if seen[entry.Name] {
						report(fmt.Errorf("%q listed twice in directory %d", entry.Name, dir))
					}
					seen[entry.Name] = true
				}
			}
		}(dir)

		names := []string{}
		for i := 0; i < 10; i++ {
			names = append(names, fmt.Sprintf("a%02d", i))
			if i%2 == 1 {
				names = append(names, fmt.Sprintf("b%02d", i))
			}
		}
		sort.Strings(names)
		expected[dir] = names
	}
	wg.Wait()

	require.Empty(t, errs)
	for dir, names := range expected {
		entries, err := dirs.ReadDir(dir)
		require.NoError(t, err)

		listed := []string{}
		for _, entry := range entries {
			listed = append(listed, entry.Name)
			record, err := dirs.Find(dir, entry.Name)
			require.NoError(t, err)
			assert.Equal(t, entry.Index, record.Index)
		}
		sort.Strings(listed)
		assert.Equal(t, names, listed, "directory %d", dir)

		inode, err := inodes.Get(dir)
		require.NoError(t, err)
		assert.True(t, inode.IsDir(), "directory %d inode was clobbered", dir)
		assert.EqualValues(t, dir, inode.DataBlock)
	}
}
