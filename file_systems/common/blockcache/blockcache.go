// Package blockcache provides a block-oriented cache that sits between a file
// system driver and the storage holding the disk image. Drivers modify block
// contents in place, mark them dirty, and commit them with [BlockCache.FlushBlock]
// or [BlockCache.Flush].
//
// All block indices begin at 0.

package blockcache

import (
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
// - `blockIndex` is in the range [0, TotalBlocks).
// - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too. When the callback returns
// nil the block must be durable.
type FlushBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// ResizeCallback is a pointer to a function that is called to allocate or free
// blocks in the backing storage. It takes one argument, the new total number of
// blocks to occupy.
//
// Standard conditions for error codes:
//
//   - [errors.EFBIG]: Can't increase the size of the object because it would
//     exceed some technical limit.
//   - [errors.ENOSPC]: Can't increase the size of the object because there's no
//     space left on the volume.
//   - [errors.ENOTSUP]: The object can't be resized as a general rule.
type ResizeCallback func(newTotalBlocks c.LogicalBlock) error

// BlockCache is safe for concurrent use. Slices returned by [BlockCache.GetSlice]
// and [BlockCache.Data] are not protected by the cache; callers must ensure
// that no two goroutines modify the same block at once.
type BlockCache struct {
	mu            sync.Mutex
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	resize        ResizeCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
}

// New creates a new BlockCache.
//
// There are three callback functions:
//
//   - `fetchCb` reads a single block from the backing storage.
//   - `flushCb` writes a single block to the backing storage.
//   - `resizeCb` resizes the backing storage to a given number of blocks. If
//     nil is passed for this argument, a stub function is provided that always
//     returns an error with code [errors.ENOTSUP].
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
	resizeCb ResizeCallback,
) *BlockCache {
	if resizeCb == nil {
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return errors.NewWithMessage(
				errors.ENOTSUP,
				fmt.Sprintf(
					"resizing is not supported; size fixed at %d bytes",
					bytesPerBlock*totalBlocks,
				),
			)
		}
	}

	return &BlockCache{
		loadedBlocks:  bitmap.New(int(totalBlocks)),
		dirtyBlocks:   bitmap.New(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		resize:        resizeCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// WrapStream creates a [BlockCache] that wraps any [io.ReadWriteSeeker],
// optionally forbidding resizing the stream. To support resizing, `stream` must
// implement [common.Truncator], equivalent to [os.File.Truncate]. If the stream
// implements [common.Syncer], every block flush is followed by a call to Sync()
// so that flushed blocks are durable.
func WrapStream(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	totalBlocks uint,
	allowResize bool,
) *BlockCache {
	fetchCb := func(block c.LogicalBlock, buffer []byte) error {
		err := seekToBlock(stream, block, c.LogicalBlock(totalBlocks), bytesPerBlock)
		if err != nil {
			return err
		}

		// Reading past the end of a short image is fine; the missing part of
		// the block reads as zeroes.
		n, err := io.ReadFull(stream, buffer)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			for i := n; i < len(buffer); i++ {
				buffer[i] = 0
			}
			return nil
		}
		return err
	}

	flushCb := func(block c.LogicalBlock, buffer []byte) error {
		err := seekToBlock(stream, block, c.LogicalBlock(totalBlocks), bytesPerBlock)
		if err != nil {
			return err
		}

		_, err = stream.Write(buffer)
		if err != nil {
			return err
		}

		if syncer, ok := stream.(c.Syncer); ok {
			return syncer.Sync()
		}
		return nil
	}

	var resizeCb ResizeCallback
	truncator, streamHasTruncate := stream.(c.Truncator)

	if allowResize && streamHasTruncate {
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return truncator.Truncate(int64(newTotalBlocks) * int64(bytesPerBlock))
		}
	} else {
		// Resizing is not allowed, either because the caller forbade it or the
		// stream doesn't support it.
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return errors.New(errors.ENOTSUP)
		}
	}

	return New(bytesPerBlock, totalBlocks, fetchCb, flushCb, resizeCb)
}

// WrapStreamWithInferredSize is like [WrapStream] but determines the number of
// blocks from the current size of the stream. Trailing bytes that don't fill a
// whole block are ignored.
func WrapStreamWithInferredSize(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	allowResize bool,
) (*BlockCache, error) {
	size, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	return WrapStream(stream, bytesPerBlock, uint(size)/bytesPerBlock, allowResize), nil
}

// seekToBlock sets the stream pointer for a stream to the offset of a block.
func seekToBlock(stream io.Seeker, block, totalBlocks c.LogicalBlock, bytesPerBlock uint) error {
	if block >= totalBlocks {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"invalid block number: %d not in range [0, %d)",
				block,
				totalBlocks,
			),
		)
	}

	blockOffset := int64(block) * int64(bytesPerBlock)
	_, err := stream.Seek(blockOffset, io.SeekStart)
	return err
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks. To change the size of
// the cache, use the Resize() function.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// LengthToNumBlocks gives the minimum number of blocks required to hold the
// given number of bytes.
func (cache *BlockCache) LengthToNumBlocks(size uint) uint {
	return (size + cache.bytesPerBlock - 1) / cache.bytesPerBlock
}

// checkBounds verifies that `bufferSize` bytes can be accessed in the cache
// starting from block `start`. If not, it returns an error describing the exact
// conditions. If no error would occur, this returns nil.
func (cache *BlockCache) checkBounds(start c.LogicalBlock, bufferSize uint) error {
	numBlocks := cache.LengthToNumBlocks(bufferSize)

	if uint(start) >= cache.totalBlocks || uint(start)+numBlocks > cache.totalBlocks {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"can't access %d bytes (%d blocks) from block %d; range not in [0, %d)",
				bufferSize,
				numBlocks,
				start,
				cache.totalBlocks,
			),
		)
	}
	return nil
}

// rawSlice returns the part of the backing buffer for blocks
// [start, start + count) without loading anything.
func (cache *BlockCache) rawSlice(start c.LogicalBlock, count uint) []byte {
	startOffset := uint(start) * cache.bytesPerBlock
	endOffset := startOffset + (count * cache.bytesPerBlock)
	return cache.data[startOffset:endOffset]
}

// GetSlice returns a slice pointing to the cache's storage, beginning at block
// `start` and continuing for `count` blocks.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty.
func (cache *BlockCache) GetSlice(
	start c.LogicalBlock,
	count uint,
) ([]byte, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.getSlice(start, count)
}

func (cache *BlockCache) getSlice(start c.LogicalBlock, count uint) ([]byte, error) {
	err := cache.loadBlockRange(start, count)
	if err != nil {
		return nil, err
	}
	return cache.rawSlice(start, count), nil
}

// Data returns a slice of the entire cache's data. This requires loading all
// blocks not yet in the cache, so it may incur a one-time performance penalty
// for large images.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty.
func (cache *BlockCache) Data() ([]byte, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	err := cache.loadAll()
	if err != nil {
		return nil, err
	}
	return cache.data[:], nil
}

// loadBlockRange ensures that all blocks in the range [start, start + count) are
// present in the cache, and loads any missing ones from storage.
func (cache *BlockCache) loadBlockRange(start c.LogicalBlock, count uint) error {
	err := cache.checkBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for blockIndex := int(start); uint(blockIndex) < uint(start)+count; blockIndex++ {
		// Skip if the block is in the cache. Since dirty blocks are present by
		// definition, we don't need to check `dirtyBlocks`.
		if cache.loadedBlocks.Get(blockIndex) {
			continue
		}

		buffer := cache.rawSlice(c.LogicalBlock(blockIndex), 1)
		err = cache.fetch(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return errors.ErrIOFailed.Wrap(
				fmt.Errorf("failed to load block %d from source: %w", blockIndex, err),
			)
		}

		cache.loadedBlocks.Set(blockIndex, true)
		cache.dirtyBlocks.Set(blockIndex, false)
	}

	return nil
}

// flushBlockRange writes out all dirty blocks (and only dirty blocks) to the
// underlying storage and marks them as clean.
func (cache *BlockCache) flushBlockRange(start c.LogicalBlock, count uint) error {
	err := cache.checkBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for blockIndex := int(start); uint(blockIndex) < uint(start)+count; blockIndex++ {
		// Missing blocks are considered clean, so this also skips over blocks
		// that aren't loaded.
		if !cache.dirtyBlocks.Get(blockIndex) {
			continue
		}

		buffer := cache.rawSlice(c.LogicalBlock(blockIndex), 1)
		err = cache.flush(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return errors.ErrIOFailed.Wrap(
				fmt.Errorf("failed to flush block %d to storage: %w", blockIndex, err),
			)
		}

		cache.dirtyBlocks.Set(blockIndex, false)
	}

	return nil
}

// LoadAll ensures all missing blocks are loaded from storage into the cache.
func (cache *BlockCache) LoadAll() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.loadAll()
}

func (cache *BlockCache) loadAll() error {
	if cache.totalBlocks == 0 {
		return nil
	}
	return cache.loadBlockRange(0, cache.totalBlocks)
}

// Flush flushes all dirty blocks from the cache into storage, and marks them
// as clean.
func (cache *BlockCache) Flush() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.totalBlocks == 0 {
		return nil
	}
	return cache.flushBlockRange(0, cache.totalBlocks)
}

// FlushBlock writes a single block to storage if it's dirty. Once this returns
// without an error, the block's current contents are durable.
func (cache *BlockCache) FlushBlock(block c.LogicalBlock) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.flushBlockRange(block, 1)
}

// IsDirty returns true if the block has been modified since it was last
// flushed.
func (cache *BlockCache) IsDirty(block c.LogicalBlock) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if uint(block) >= cache.totalBlocks {
		return false
	}
	return cache.dirtyBlocks.Get(int(block))
}

// ReadAt fills `buffer` with data beginning at block `start`, loading any missing
// blocks first. `buffer` does not need to be an exact multiple of the size of
// one block. It returns the number of bytes read.
//
// Attempting to read past the end of the cache will result in an error, and
// `buffer` will be left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, start c.LogicalBlock) (int, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	bufLen := uint(len(buffer))
	err := cache.checkBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	sourceData, err := cache.getSlice(start, cache.LengthToNumBlocks(bufLen))
	if err != nil {
		return 0, err
	}

	return copy(buffer, sourceData), nil
}

// WriteAt copies data into the cache from `buffer`, beginning at block `start`.
// All modified blocks are marked as dirty. `buffer` does not need to be an
// exact multiple of the size of one block; a partially written trailing block
// is loaded first so its remaining bytes are preserved.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, start c.LogicalBlock) (int, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	bufLen := uint(len(buffer))

	err := cache.checkBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	totalBlocks := cache.LengthToNumBlocks(bufLen)
	targetByteSlice, err := cache.getSlice(start, totalBlocks)
	if err != nil {
		return 0, err
	}

	n := copy(targetByteSlice, buffer)
	for i := uint(0); i < totalBlocks; i++ {
		cache.dirtyBlocks.Set(int(start)+int(i), true)
	}
	return n, nil
}

// Resize changes the number of blocks in the cache. Blocks are added to and
// removed from the end.
//
// If the cache size is increased, zeroed-out blocks are appended to the end of
// the slice. These new blocks are treated as dirty, so flushing the cache will
// write them out.
func (cache *BlockCache) Resize(newTotalBlocks uint) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	err := cache.resize(c.LogicalBlock(newTotalBlocks))
	if err != nil {
		return err
	}

	newCacheData := make([]byte, newTotalBlocks*cache.bytesPerBlock)
	copy(newCacheData, cache.data)

	newDirtyBlocks := bitmap.New(int(newTotalBlocks))
	newLoadedBlocks := bitmap.New(int(newTotalBlocks))
	copy(newDirtyBlocks, cache.dirtyBlocks)
	copy(newLoadedBlocks, cache.loadedBlocks)

	// New blocks must be written out even if they're never modified, otherwise
	// the image could end with uninitialized data.
	for i := cache.totalBlocks; i < newTotalBlocks; i++ {
		newDirtyBlocks.Set(int(i), true)
		newLoadedBlocks.Set(int(i), true)
	}

	cache.data = newCacheData
	cache.dirtyBlocks = newDirtyBlocks
	cache.loadedBlocks = newLoadedBlocks
	cache.totalBlocks = newTotalBlocks
	return nil
}

// MarkBlockRangeDirty marks a range of blocks as modified. They will be written
// out to the backing storage on the next call to [BlockCache.Flush].
func (cache *BlockCache) MarkBlockRangeDirty(
	start c.LogicalBlock,
	count uint,
) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	err := cache.checkBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for i := uint(0); i < count; i++ {
		bitIndex := int(start) + int(i)
		cache.dirtyBlocks.Set(bitIndex, true)
		cache.loadedBlocks.Set(bitIndex, true)
	}
	return nil
}
