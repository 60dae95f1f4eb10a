package testfs

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/mkatiyar/testfs"
	"github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
)

// IndexAllocator hands out and takes back indices using the bitmap stored in a
// single block of the image. A set bit means the index is in use.
//
// The allocator owns the bitmap block: nothing else may modify it while the
// allocator is alive.
type IndexAllocator struct {
	mu          sync.Mutex
	cache       *blockcache.BlockCache
	bitmapBlock c.LogicalBlock
	first       Index
	max         Index
	freeCount   uint32
	volume      string
}

// NewIndexAllocator creates an allocator for indices in [first, max) using the
// bitmap in `bitmapBlock`. The free count is computed from the bitmap.
func NewIndexAllocator(
	cache *blockcache.BlockCache,
	bitmapBlock c.LogicalBlock,
	first Index,
	max Index,
) (*IndexAllocator, error) {
	if first >= max {
		return nil, testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("empty index range [%d, %d)", first, max))
	}
	if uint(max) > cache.BytesPerBlock()*8 {
		return nil, testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d indices don't fit in a %d-byte bitmap block",
				max,
				cache.BytesPerBlock(),
			),
		)
	}

	registerMetrics()
	alloc := &IndexAllocator{
		cache:       cache,
		bitmapBlock: bitmapBlock,
		first:       first,
		max:         max,
	}

	bits, err := alloc.bitmap()
	if err != nil {
		return nil, err
	}
	for i := first; i < max; i++ {
		if !bits.Get(int(i)) {
			alloc.freeCount++
		}
	}
	return alloc, nil
}

// SetVolumeLabel sets the label the allocator reports its free index gauge
// under.
func (alloc *IndexAllocator) SetVolumeLabel(volume string) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	alloc.volume = volume
	alloc.updateGauge()
}

func (alloc *IndexAllocator) updateGauge() {
	if alloc.volume != "" {
		allocatorFreeIndices.WithLabelValues(alloc.volume).Set(float64(alloc.freeCount))
	}
}

func (alloc *IndexAllocator) bitmap() (bitmap.Bitmap, error) {
	data, err := alloc.cache.GetSlice(alloc.bitmapBlock, 1)
	if err != nil {
		return nil, err
	}
	return bitmap.Bitmap(data), nil
}

// findFree returns the lowest clear bit in [first, max). Bytes with every bit
// set are skipped without looking at the individual bits.
func (alloc *IndexAllocator) findFree(bits bitmap.Bitmap) (Index, bool) {
	for byteIndex := int(alloc.first / 8); byteIndex*8 < int(alloc.max); byteIndex++ {
		if bits[byteIndex] == 0xff {
			continue
		}

		for bit := 0; bit < 8; bit++ {
			index := Index(byteIndex*8 + bit)
			if index < alloc.first {
				continue
			}
			if index >= alloc.max {
				return 0, false
			}
			if !bits.Get(int(index)) {
				return index, true
			}
		}
	}
	return 0, false
}

// Allocate reserves the lowest free index and returns it. The bitmap block is
// committed before this returns, so a successful allocation survives a crash.
// If the commit fails nothing is changed.
//
// Returns [testfs.ErrOutOfSpace] if every index is in use.
func (alloc *IndexAllocator) Allocate() (index Index, err error) {
	defer func() {
		allocatorOperations.WithLabelValues("allocate", outcomeLabel(err)).Inc()
	}()

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	bits, err := alloc.bitmap()
	if err != nil {
		return 0, err
	}

	index, ok := alloc.findFree(bits)
	if !ok {
		return 0, testfs.ErrOutOfSpace.WithMessage(
			fmt.Sprintf("all indices in [%d, %d) are in use", alloc.first, alloc.max))
	}

	bits.Set(int(index), true)
	alloc.freeCount--

	err = alloc.cache.MarkBlockRangeDirty(alloc.bitmapBlock, 1)
	if err == nil {
		err = alloc.cache.FlushBlock(alloc.bitmapBlock)
	}
	if err != nil {
		bits.Set(int(index), false)
		alloc.freeCount++
		return 0, errors.CastToDriverError(err)
	}

	alloc.updateGauge()
	return index, nil
}

// Free releases an allocated index. The bitmap block is marked dirty but not
// committed; it's written out by the next allocation or flush.
//
// Returns [testfs.ErrInvalidIndex] for the first usable index, anything below
// it, or anything past the end of the range, and [testfs.ErrDoubleFree] if the
// index isn't allocated. In both cases nothing is changed.
func (alloc *IndexAllocator) Free(index Index) (err error) {
	defer func() {
		allocatorOperations.WithLabelValues("free", outcomeLabel(err)).Inc()
	}()

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if index <= alloc.first || index >= alloc.max {
		return testfs.ErrInvalidIndex.WithMessage(
			fmt.Sprintf("can't free %d: not in range (%d, %d)", index, alloc.first, alloc.max))
	}

	bits, err := alloc.bitmap()
	if err != nil {
		return err
	}
	if !bits.Get(int(index)) {
		return testfs.ErrDoubleFree.WithMessage(fmt.Sprintf("index %d", index))
	}

	err = alloc.cache.MarkBlockRangeDirty(alloc.bitmapBlock, 1)
	if err != nil {
		return err
	}

	bits.Set(int(index), false)
	alloc.freeCount++
	alloc.updateGauge()
	return nil
}

// IsAllocated returns true if the index's bit is set. Indices outside the
// bitmap are reported as allocated.
func (alloc *IndexAllocator) IsAllocated(index Index) bool {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if index >= alloc.max {
		return true
	}
	bits, err := alloc.bitmap()
	if err != nil {
		return true
	}
	return bits.Get(int(index))
}

// FreeCount returns the number of unallocated indices in [first, max).
func (alloc *IndexAllocator) FreeCount() uint32 {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	return alloc.freeCount
}

// FirstUsable returns the lowest index the allocator can hand out.
func (alloc *IndexAllocator) FirstUsable() Index {
	return alloc.first
}

// MaxIndices returns one past the highest index the allocator can hand out.
func (alloc *IndexAllocator) MaxIndices() Index {
	return alloc.max
}
