package testing

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Create an image with the given number of blocks and bytes per block. It is
// guaranteed to either return a valid slice or fail the test and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// FlushCounter records how many times each block was written to the backing
// storage by a cache created with [CreateCountingCache].
type FlushCounter map[c.LogicalBlock]int

// CreateDefaultCache creates a block cache with default settings, fetch/flush
// handlers, etc. The image cannot be resized.
//
// Arguments:
//
//   - bytesPerBlock: The number of bytes in a single block.
//   - totalBlocks: The number of blocks in the cache.
//   - writable: `true` if the image is writable, `false` otherwise. The handler
//     will fail a test if an attempt is made to write to the image if this is
//     false.
//   - backingData: Optional. A byte slice of at least `bytesPerBlock * totalBlocks`
//     that is used as the underlying storage the cache sits on top of. You can
//     pass `nil` for this to get completely random data.
//   - `t`: The testing fixture.
//
// The fetch and flush handlers check bounds and permissions for you, and fail
// the test with an appropriate error message. This means you won't be able to
// test negative conditions (i.e. ensure methods fail where they should) so
// you'll have to do that yourself.
func CreateDefaultCache(
	bytesPerBlock,
	totalBlocks uint,
	writable bool,
	backingData []byte,
	t *testing.T,
) *blockcache.BlockCache {
	cache, _ := CreateCountingCache(bytesPerBlock, totalBlocks, writable, backingData, t)
	return cache
}

// CreateCountingCache is like [CreateDefaultCache] but also returns a
// [FlushCounter] that is updated every time a block is flushed.
func CreateCountingCache(
	bytesPerBlock,
	totalBlocks uint,
	writable bool,
	backingData []byte,
	t *testing.T,
) (*blockcache.BlockCache, FlushCounter) {
	if backingData == nil {
		backingData = CreateRandomImage(bytesPerBlock, totalBlocks, t)
	}
	flushes := FlushCounter{}

	fetchCallback := func(blockIndex c.LogicalBlock, buffer []byte) error {
		if blockIndex >= c.LogicalBlock(totalBlocks) {
			message := fmt.Sprintf(
				"attempted to read outside bounds: block %d not in [0, %d)",
				blockIndex,
				totalBlocks,
			)
			t.Error(message)
			return errors.ErrIOFailed.WithMessage(message)
		}

		start := blockIndex * c.LogicalBlock(bytesPerBlock)
		copy(buffer, backingData[start:start+c.LogicalBlock(bytesPerBlock)])
		return nil
	}

	var flushCallback blockcache.FlushBlockCallback
	if writable {
		flushCallback = func(blockIndex c.LogicalBlock, buffer []byte) error {
			if blockIndex >= c.LogicalBlock(totalBlocks) {
				message := fmt.Sprintf(
					"attempted to write outside bounds: %d not in [0, %d)",
					blockIndex,
					totalBlocks,
				)
				t.Error(message)
				return errors.ErrIOFailed.WithMessage(message)
			}

			start := blockIndex * c.LogicalBlock(bytesPerBlock)
			copy(backingData[start:start+c.LogicalBlock(bytesPerBlock)], buffer)
			flushes[blockIndex]++
			return nil
		}
	} else {
		flushCallback = func(blockIndex c.LogicalBlock, buffer []byte) error {
			message := fmt.Sprintf(
				"attempted to write %d bytes to block %d of read-only image",
				len(buffer),
				blockIndex,
			)
			t.Error(message)
			return errors.ErrReadOnlyFileSystem.WithMessage(message)
		}
	}

	cache := blockcache.New(
		bytesPerBlock, totalBlocks, fetchCallback, flushCallback, nil,
	)
	assert.EqualValues(t, bytesPerBlock, cache.BytesPerBlock(), "wrong bytes per block")
	assert.EqualValues(t, totalBlocks, cache.TotalBlocks(), "wrong total blocks")
	assert.EqualValues(t, bytesPerBlock*totalBlocks, cache.Size(), "total size is wrong")
	return cache, flushes
}

// CreateFailingCache creates a writable in-memory cache whose flush callback
// fails with `flushErr` once `failAfter` flushes have succeeded. Reads always
// succeed. Use this to test that callers leave state unmodified when a commit
// fails.
func CreateFailingCache(
	bytesPerBlock,
	totalBlocks uint,
	backingData []byte,
	failAfter int,
	flushErr error,
) *blockcache.BlockCache {
	if backingData == nil {
		backingData = make([]byte, bytesPerBlock*totalBlocks)
	}
	succeeded := 0

	fetchCallback := func(blockIndex c.LogicalBlock, buffer []byte) error {
		start := uint(blockIndex) * bytesPerBlock
		copy(buffer, backingData[start:start+bytesPerBlock])
		return nil
	}
	flushCallback := func(blockIndex c.LogicalBlock, buffer []byte) error {
		if succeeded >= failAfter {
			return flushErr
		}
		succeeded++
		start := uint(blockIndex) * bytesPerBlock
		copy(backingData[start:start+bytesPerBlock], buffer)
		return nil
	}
	return blockcache.New(bytesPerBlock, totalBlocks, fetchCallback, flushCallback, nil)
}
