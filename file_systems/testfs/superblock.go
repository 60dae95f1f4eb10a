package testfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/mkatiyar/testfs"
	"github.com/mkatiyar/testfs/errors"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	"github.com/noxer/bytewriter"
)

// Superblock is the in-memory form of a [RawSuperblock].
type Superblock struct {
	BlockSize         uint32
	FirstNonMetaIndex Index
	FreeIndices       uint32
	MaxIndices        Index
	VolumeID          uuid.UUID
}

func (sb *Superblock) toRaw() RawSuperblock {
	return RawSuperblock{
		Magic:             Magic,
		BlockSize:         sb.BlockSize,
		FirstNonMetaInode: uint32(sb.FirstNonMetaIndex),
		FreeInodes:        sb.FreeIndices,
		MaxInodes:         uint32(sb.MaxIndices),
		VolumeID:          sb.VolumeID,
	}
}

// ReadSuperblock loads and validates the superblock of the image in `cache`.
//
// Returns [testfs.ErrInvalidFileSystem] if the magic number is wrong or the
// geometry in the superblock doesn't match the image.
func ReadSuperblock(cache *blockcache.BlockCache) (Superblock, error) {
	data, err := cache.GetSlice(SuperblockBlock, 1)
	if err != nil {
		return Superblock{}, err
	}

	raw := RawSuperblock{}
	err = binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw)
	if err != nil {
		return Superblock{}, errors.ErrIOFailed.Wrap(err)
	}

	if raw.Magic != Magic {
		return Superblock{}, testfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("bad magic: expected %#08x, got %#08x", Magic, raw.Magic))
	}
	if uint(raw.BlockSize) != cache.BytesPerBlock() {
		return Superblock{}, testfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"superblock says blocks are %d bytes, image uses %d",
				raw.BlockSize,
				cache.BytesPerBlock(),
			),
		)
	}
	if Index(raw.FirstNonMetaInode) != FirstUsableIndex {
		return Superblock{}, testfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("first non-metadata index is %d, not %d", raw.FirstNonMetaInode, FirstUsableIndex))
	}
	expectedMax := maxIndicesFor(cache.BytesPerBlock(), cache.TotalBlocks())
	if Index(raw.MaxInodes) != expectedMax {
		return Superblock{}, testfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"superblock has %d indices, image geometry allows %d",
				raw.MaxInodes,
				expectedMax,
			),
		)
	}

	return Superblock{
		BlockSize:         raw.BlockSize,
		FirstNonMetaIndex: Index(raw.FirstNonMetaInode),
		FreeIndices:       raw.FreeInodes,
		MaxIndices:        Index(raw.MaxInodes),
		VolumeID:          uuid.UUID(raw.VolumeID),
	}, nil
}

// WriteSuperblock encodes `sb` into the superblock block and commits it.
func WriteSuperblock(cache *blockcache.BlockCache, sb *Superblock) error {
	data, err := cache.GetSlice(SuperblockBlock, 1)
	if err != nil {
		return err
	}

	raw := sb.toRaw()
	err = binary.Write(bytewriter.New(data), binary.LittleEndian, &raw)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	err = cache.MarkBlockRangeDirty(SuperblockBlock, 1)
	if err != nil {
		return err
	}
	return cache.FlushBlock(SuperblockBlock)
}
