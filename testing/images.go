package testing

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// NewBlankImage returns a zero-filled in-memory image of `totalBlocks` blocks
// and a stream over it. The slice is the stream's backing storage, so tests can
// inspect the raw bytes after writing through the stream.
func NewBlankImage(bytesPerBlock, totalBlocks uint) ([]byte, io.ReadWriteSeeker) {
	imageBytes := make([]byte, bytesPerBlock*totalBlocks)
	return imageBytes, bytesextra.NewReadWriteSeeker(imageBytes)
}

// LoadDiskImage takes the raw bytes of a disk image and returns a stream to
// access a copy of them.
//
//   - Writes to the stream do not affect `imageBytes`.
//   - While the stream can be written to, its size is fixed to
//     `sectorSize * totalSectors`.
func LoadDiskImage(
	t *testing.T, imageBytes []byte, sectorSize, totalSectors uint,
) io.ReadWriteSeeker {
	require.Equal(
		t,
		totalSectors*sectorSize,
		uint(len(imageBytes)),
		"image is wrong size",
	)

	imageCopy := make([]byte, len(imageBytes))
	copy(imageCopy, imageBytes)
	return bytesextra.NewReadWriteSeeker(imageCopy)
}
