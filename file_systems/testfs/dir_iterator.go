package testfs

import (
	c "github.com/mkatiyar/testfs/file_systems/common"
)

// DirEntry is a live directory record as seen by an iterator.
type DirEntry struct {
	Name  string
	Index Index
	Kind  EntryKind
	// Offset is the position of the record within the directory, counted in
	// bytes from the start of its first block.
	Offset uint64
	// NextOffset is where iteration resumes after this entry.
	NextOffset uint64
}

// DirIterator walks the live records of a directory in on-disk order.
//
//	iter := table.Iterate(dir, 0)
//	for iter.Next() {
//		entry := iter.Entry()
//		...
//	}
//	if iter.Err() != nil {
//		...
//	}
//
// The directory is locked only for the duration of each call to Next, so other
// operations on it may run between calls. Records inserted behind the
// iterator's position won't be seen. Each call re-aligns the saved position to
// a record boundary, since a delete in between can merge the record it points
// at into its predecessor.
type DirIterator struct {
	table    *DirectoryTable
	dir      Index
	position uint64
	entry    DirEntry
	err      error
	done     bool
}

// Iterate returns an iterator over the live records in `dir`, starting at
// `offset`. The offset is normally 0 or a NextOffset from an earlier
// iteration. An offset that doesn't fall on a record boundary is moved forward
// to the next one.
func (table *DirectoryTable) Iterate(dir Index, offset uint64) *DirIterator {
	return &DirIterator{
		table:    table,
		dir:      dir,
		position: offset,
	}
}

// Next advances to the next live record, returning false when there are no
// more or an error occurred. Check [DirIterator.Err] to tell them apart.
func (iter *DirIterator) Next() bool {
	if iter.done || iter.err != nil {
		return false
	}

	table := iter.table
	table.lock(iter.dir)
	defer table.unlock(iter.dir)

	inode, err := table.loadDirectory(iter.dir)
	if err != nil {
		iter.err = err
		return false
	}

	bytesPerBlock := uint64(table.cache.BytesPerBlock())
	minRecordLength := uint64(MinimumRecordLength(1))
	aligned := false

	for {
		if iter.position >= uint64(inode.Size) {
			iter.done = true
			return false
		}

		logical := iter.position / bytesPerBlock
		inBlock := iter.position % bytesPerBlock
		nextBlockStart := (logical + 1) * bytesPerBlock

		// Not enough room left in this block for any record.
		if bytesPerBlock-inBlock < minRecordLength {
			iter.position = nextBlockStart
			continue
		}

		block, err := table.loadDataBlock(&inode, c.LogicalBlock(logical))
		if err != nil {
			iter.err = err
			return false
		}

		if !aligned {
			aligned = true
			boundary, err := firstBoundaryAtOrAfter(&block, uint32(inBlock))
			if err != nil {
				iter.err = err
				return false
			}
			iter.position = logical*bytesPerBlock + uint64(boundary)
			continue
		}

		if uint32(inBlock) >= block.end {
			iter.position = nextBlockStart
			continue
		}

		record, err := block.recordAt(uint32(inBlock))
		if err != nil {
			iter.err = err
			return false
		}

		offset := iter.position
		iter.position += uint64(record.Length)
		if record.IsTombstone() {
			continue
		}

		iter.entry = DirEntry{
			Name:       record.Name,
			Index:      record.Index,
			Kind:       record.Kind,
			Offset:     offset,
			NextOffset: iter.position,
		}
		return true
	}
}

// firstBoundaryAtOrAfter walks the records in `block` from its start and
// returns the offset of the first record that begins at or after `target`, or
// the end of the written data if there is none.
func firstBoundaryAtOrAfter(block *directoryBlock, target uint32) (uint32, error) {
	offset := uint32(0)
	for offset < block.end && offset < target {
		record, err := block.recordAt(offset)
		if err != nil {
			return 0, err
		}
		offset += record.Length
	}
	return offset, nil
}

// Entry returns the record Next most recently advanced to.
func (iter *DirIterator) Entry() DirEntry {
	return iter.entry
}

// Err returns the error that stopped iteration, if any.
func (iter *DirIterator) Err() error {
	return iter.err
}

// Position returns the offset iteration will resume from. It can be passed to
// [DirectoryTable.Iterate] to continue later.
func (iter *DirIterator) Position() uint64 {
	return iter.position
}
