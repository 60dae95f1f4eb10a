package testfs

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mkatiyar/testfs"
	"github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	"github.com/mkatiyar/testfs/file_systems/common/lockmap"
)

// Byte offsets of fields inside RawRecordHeader.
const (
	recordIndexOffset  = 0
	recordLengthOffset = 12
)

// DirectoryTable manipulates the records stored in directory blocks.
//
// Operations on the same directory are serialized; operations on different
// directories may run concurrently. Directory inodes that share an inode table
// block are protected by the [InodeTable]'s own lock.
type DirectoryTable struct {
	cache  *blockcache.BlockCache
	inodes *InodeTable
	locks  *lockmap.LockMap
	now    func() time.Time
}

func NewDirectoryTable(cache *blockcache.BlockCache, inodes *InodeTable) *DirectoryTable {
	registerMetrics()
	return &DirectoryTable{
		cache:  cache,
		inodes: inodes,
		locks:  lockmap.New(),
		now:    time.Now,
	}
}

func (table *DirectoryTable) lock(dir Index) {
	table.locks.Acquire(uint64(dir))
}

func (table *DirectoryTable) unlock(dir Index) {
	table.locks.Release(uint64(dir))
}

// loadDirectory reads the directory's inode, failing if it isn't a directory.
func (table *DirectoryTable) loadDirectory(dir Index) (Inode, error) {
	inode, err := table.inodes.Get(dir)
	if err != nil {
		return Inode{}, err
	}
	if !inode.IsDir() {
		return Inode{}, testfs.ErrNotADirectory.WithMessage(fmt.Sprintf("inode %d", dir))
	}
	return inode, nil
}

// directoryBlock is one block of a directory, loaded from the cache.
type directoryBlock struct {
	logical  c.LogicalBlock
	physical c.PhysicalBlock
	data     []byte
	// end is the number of bytes of the block within the directory's logical
	// size. Records are only read from data[:end].
	end uint32
}

func (table *DirectoryTable) loadBlock(inode *Inode, logical c.LogicalBlock) (directoryBlock, error) {
	physical, err := Resolve(inode, logical)
	if err != nil {
		if stderrors.Is(err, testfs.ErrUnsupportedExtent) {
			return directoryBlock{}, err
		}
		return directoryBlock{}, testfs.ErrCorruptDirectory.Wrap(err)
	}

	data, err := table.cache.GetSlice(c.LogicalBlock(physical), 1)
	if err != nil {
		return directoryBlock{}, err
	}

	bytesPerBlock := uint64(table.cache.BytesPerBlock())
	blockStart := uint64(logical) * bytesPerBlock
	end := uint64(0)
	if uint64(inode.Size) > blockStart {
		end = uint64(inode.Size) - blockStart
		if end > bytesPerBlock {
			end = bytesPerBlock
		}
	}

	return directoryBlock{
		logical:  logical,
		physical: physical,
		data:     data,
		end:      uint32(end),
	}, nil
}

// loadDataBlock loads a block that the directory's size says holds records.
func (table *DirectoryTable) loadDataBlock(inode *Inode, logical c.LogicalBlock) (directoryBlock, error) {
	block, err := table.loadBlock(inode, logical)
	if err != nil && stderrors.Is(err, testfs.ErrUnsupportedExtent) {
		return directoryBlock{}, testfs.ErrCorruptDirectory.Wrap(
			fmt.Errorf("size %d runs past the directory's only block: %w", inode.Size, err))
	}
	return block, err
}

// recordAt decodes the record at `offset`, which must be inside the block's
// written region.
func (block *directoryBlock) recordAt(offset uint32) (Record, error) {
	record, err := DecodeRecord(block.data[offset:block.end])
	if err != nil {
		return Record{}, testfs.ErrCorruptDirectory.Wrap(
			fmt.Errorf("block %d offset %d: %w", block.physical, offset, err))
	}
	record.Location = RecordLocation{Block: block.physical, Offset: offset}
	return record, nil
}

// numDataBlocks gives the number of blocks the directory's records occupy.
func (table *DirectoryTable) numDataBlocks(inode *Inode) c.LogicalBlock {
	bytesPerBlock := uint64(table.cache.BytesPerBlock())
	return c.LogicalBlock((uint64(inode.Size) + bytesPerBlock - 1) / bytesPerBlock)
}

// commit marks a directory block dirty, writes it out and then saves the
// directory inode. If anything fails, the block bytes are restored from
// `snapshot` and the error is returned.
func (table *DirectoryTable) commit(inode *Inode, block *directoryBlock, snapshot []byte) error {
	blockIndex := c.LogicalBlock(block.physical)

	err := table.cache.MarkBlockRangeDirty(blockIndex, 1)
	if err == nil {
		err = table.cache.FlushBlock(blockIndex)
	}
	if err == nil {
		err = table.inodes.Put(inode)
		if err == nil {
			return nil
		}

		// The block made it to storage but the inode didn't, so the old
		// block contents have to be written back too.
		copy(block.data, snapshot)
		rollbackErr := table.cache.FlushBlock(blockIndex)
		if rollbackErr != nil {
			return multierror.Append(err, rollbackErr)
		}
		return err
	}

	copy(block.data, snapshot)
	return errors.CastToDriverError(err)
}

func snapshotOf(data []byte) []byte {
	snapshot := make([]byte, len(data))
	copy(snapshot, data)
	return snapshot
}

func validateName(name string) error {
	if len(name) == 0 {
		return testfs.ErrInvalidArgument.WithMessage("name can't be empty")
	}
	if len(name) > MaxNameLength {
		return testfs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q is %d bytes, limit is %d", name, len(name), MaxNameLength))
	}
	return nil
}

type slotKind int

const (
	slotAtEnd slotKind = iota
	slotTombstone
	slotSplit
)

// insertionSlot is the place a new record will go.
type insertionSlot struct {
	kind    slotKind
	logical c.LogicalBlock
	offset  uint32
	// existing is the record being reused or split. Unset for slotAtEnd.
	existing Record
}

// Insert adds a record for `name` pointing to `index` to the directory.
//
// The whole directory is scanned so that a duplicate name is always detected.
// The new record goes into the first slot that fits, in order of preference
// within each record: a tombstone large enough to hold it, or the unused space
// at the end of a live record. If no record has room, it's appended at the end
// of the written data, taking the rest of that block.
//
// Returns [testfs.ErrNameExists] if a live record already has this name,
// [testfs.ErrOutOfSpace] if there's no room (directories can't grow past one
// block), or [testfs.ErrCorruptDirectory] if a malformed record is found. The
// directory is unchanged if an error is returned.
func (table *DirectoryTable) Insert(dir Index, name string, index Index, kind EntryKind) (err error) {
	defer func() {
		directoryOperations.WithLabelValues("insert", outcomeLabel(err)).Inc()
	}()

	err = validateName(name)
	if err != nil {
		return err
	}
	if index == 0 {
		return testfs.ErrInvalidIndex.WithMessage("can't link index 0")
	}

	table.lock(dir)
	defer table.unlock(dir)

	inode, err := table.loadDirectory(dir)
	if err != nil {
		return err
	}
	return table.insert(&inode, name, index, kind)
}

func (table *DirectoryTable) insert(inode *Inode, name string, index Index, kind EntryKind) error {
	required := MinimumRecordLength(len(name))
	dataBlocks := table.numDataBlocks(inode)

	var slot *insertionSlot
	for logical := c.LogicalBlock(0); logical < dataBlocks; logical++ {
		block, err := table.loadDataBlock(inode, logical)
		if err != nil {
			return err
		}

		offset := uint32(0)
		for offset < block.end {
			record, err := block.recordAt(offset)
			if err != nil {
				return err
			}
			if record.Matches(name) {
				return testfs.ErrNameExists.WithMessage(
					fmt.Sprintf("%q -> %d in directory %d", name, record.Index, inode.Index))
			}

			if slot == nil {
				if record.IsTombstone() && record.Length >= required {
					slot = &insertionSlot{kind: slotTombstone, logical: logical, offset: offset, existing: record}
				} else if !record.IsTombstone() && record.Length >= record.MinimumLength()+required {
					slot = &insertionSlot{kind: slotSplit, logical: logical, offset: offset, existing: record}
				}
			}
			offset += record.Length
		}

		// The written data ends partway through this block, leaving room
		// behind it.
		if slot == nil && offset < uint32(len(block.data)) &&
			uint32(len(block.data))-offset >= required {
			slot = &insertionSlot{kind: slotAtEnd, logical: logical, offset: offset}
		}
	}

	if slot == nil {
		// Nothing fits in the existing blocks; try the first block past the end
		// of the data. For an empty directory that's block 0, for anything
		// else it's beyond what a file can hold.
		_, err := table.loadBlock(inode, dataBlocks)
		if err != nil {
			if stderrors.Is(err, testfs.ErrUnsupportedExtent) {
				return testfs.ErrOutOfSpace.Wrap(err)
			}
			return err
		}
		slot = &insertionSlot{kind: slotAtEnd, logical: dataBlocks, offset: 0}
	}

	return table.fillSlot(inode, slot, &Record{Index: index, Kind: kind, Name: name})
}

// fillSlot writes `newRecord` into `slot` and commits the change.
func (table *DirectoryTable) fillSlot(inode *Inode, slot *insertionSlot, newRecord *Record) error {
	block, err := table.loadBlock(inode, slot.logical)
	if err != nil {
		return err
	}
	snapshot := snapshotOf(block.data)

	offset := slot.offset
	switch slot.kind {
	case slotAtEnd:
		newRecord.Length = uint32(len(block.data)) - offset
	case slotTombstone:
		newRecord.Length = slot.existing.Length
	case slotSplit:
		shrunk := slot.existing
		shrunk.Length = shrunk.MinimumLength()
		err = EncodeRecord(block.data[offset:], &shrunk)
		if err != nil {
			copy(block.data, snapshot)
			return err
		}
		offset += shrunk.Length
		newRecord.Length = slot.existing.Length - shrunk.Length
	}

	err = EncodeRecord(block.data[offset:offset+newRecord.Length], newRecord)
	if err != nil {
		copy(block.data, snapshot)
		return err
	}
	newRecord.Location = RecordLocation{Block: block.physical, Offset: offset}

	updated := *inode
	recordEnd := uint64(slot.logical)*uint64(table.cache.BytesPerBlock()) +
		uint64(offset) + uint64(newRecord.Length)
	if recordEnd > uint64(updated.Size) {
		updated.Size = uint32(recordEnd)
	}
	updated.Touch(table.now())

	err = table.commit(&updated, &block, snapshot)
	if err != nil {
		return err
	}
	*inode = updated
	return nil
}

// Delete removes `record` from the directory. `record` must have been
// returned by [DirectoryTable.Find] (or otherwise carry a valid Location) and
// must still be live.
//
// The record's space is merged into the record immediately before it in the
// same block. The first record in a block has no predecessor, so it becomes a
// tombstone in place. Either way the record's index is set to 0.
//
// Returns [testfs.ErrNotFound] if there's no such live record at that location.
func (table *DirectoryTable) Delete(dir Index, record Record) (err error) {
	defer func() {
		directoryOperations.WithLabelValues("delete", outcomeLabel(err)).Inc()
	}()

	table.lock(dir)
	defer table.unlock(dir)

	inode, err := table.loadDirectory(dir)
	if err != nil {
		return err
	}
	return table.delete(&inode, record)
}

func (table *DirectoryTable) delete(inode *Inode, target Record) error {
	notFound := testfs.ErrNotFound.WithMessage(
		fmt.Sprintf(
			"no record %q at block %d offset %d",
			target.Name,
			target.Location.Block,
			target.Location.Offset,
		),
	)

	dataBlocks := table.numDataBlocks(inode)
	for logical := c.LogicalBlock(0); logical < dataBlocks; logical++ {
		block, err := table.loadDataBlock(inode, logical)
		if err != nil {
			return err
		}
		if block.physical != target.Location.Block {
			continue
		}

		// Walk from the start of the block to find the target's predecessor.
		// Records are compared by position, not by name.
		var previous *Record
		offset := uint32(0)
		for offset < block.end && offset < target.Location.Offset {
			record, err := block.recordAt(offset)
			if err != nil {
				return err
			}
			previous = &record
			offset += record.Length
		}
		if offset != target.Location.Offset || offset >= block.end {
			return notFound
		}

		current, err := block.recordAt(offset)
		if err != nil {
			return err
		}
		if current.IsTombstone() || current.Index != target.Index || current.Name != target.Name {
			return notFound
		}

		snapshot := snapshotOf(block.data)
		if previous != nil {
			binary.LittleEndian.PutUint32(
				block.data[previous.Location.Offset+recordLengthOffset:],
				previous.Length+current.Length,
			)
		}
		binary.LittleEndian.PutUint32(block.data[offset+recordIndexOffset:], 0)

		updated := *inode
		updated.Touch(table.now())
		err = table.commit(&updated, &block, snapshot)
		if err != nil {
			return err
		}
		*inode = updated
		return nil
	}
	return notFound
}

// Find returns the live record named `name`.
//
// Returns [testfs.ErrNotFound] if there isn't one, or
// [testfs.ErrCorruptDirectory] if a malformed record is encountered before a
// match.
func (table *DirectoryTable) Find(dir Index, name string) (record Record, err error) {
	defer func() {
		directoryOperations.WithLabelValues("find", outcomeLabel(err)).Inc()
	}()

	table.lock(dir)
	defer table.unlock(dir)

	inode, err := table.loadDirectory(dir)
	if err != nil {
		return Record{}, err
	}
	return table.find(&inode, name)
}

func (table *DirectoryTable) find(inode *Inode, name string) (Record, error) {
	dataBlocks := table.numDataBlocks(inode)
	for logical := c.LogicalBlock(0); logical < dataBlocks; logical++ {
		block, err := table.loadDataBlock(inode, logical)
		if err != nil {
			return Record{}, err
		}

		for offset := uint32(0); offset < block.end; {
			record, err := block.recordAt(offset)
			if err != nil {
				return Record{}, err
			}
			if record.Matches(name) {
				return record, nil
			}
			offset += record.Length
		}
	}
	return Record{}, testfs.ErrNotFound.WithMessage(
		fmt.Sprintf("%q in directory %d", name, inode.Index))
}

// Remove finds the record named `name` and deletes it, returning the record
// that was removed.
func (table *DirectoryTable) Remove(dir Index, name string) (record Record, err error) {
	defer func() {
		directoryOperations.WithLabelValues("remove", outcomeLabel(err)).Inc()
	}()

	table.lock(dir)
	defer table.unlock(dir)

	inode, err := table.loadDirectory(dir)
	if err != nil {
		return Record{}, err
	}
	record, err = table.find(&inode, name)
	if err != nil {
		return Record{}, err
	}
	return record, table.delete(&inode, record)
}

// IsEmpty returns true if the directory has no live records other than "."
// and "..".
func (table *DirectoryTable) IsEmpty(dir Index) (bool, error) {
	iter := table.Iterate(dir, 0)
	for iter.Next() {
		name := iter.Entry().Name
		if name != "." && name != ".." {
			return false, nil
		}
	}
	return true, iter.Err()
}

// ReadDir returns all live entries in the directory, in on-disk order.
func (table *DirectoryTable) ReadDir(dir Index) (entries []DirEntry, err error) {
	defer func() {
		directoryOperations.WithLabelValues("readdir", outcomeLabel(err)).Inc()
	}()

	entries = []DirEntry{}
	iter := table.Iterate(dir, 0)
	for iter.Next() {
		entries = append(entries, iter.Entry())
	}
	return entries, iter.Err()
}
