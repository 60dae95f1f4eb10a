package testfs

import (
	"testing"

	"github.com/mkatiyar/testfs"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve__FirstBlock(t *testing.T) {
	inode := Inode{Index: 12, DataBlock: 12}
	block, err := Resolve(&inode, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 12, block)
}

func TestResolve__NoDataBlock(t *testing.T) {
	inode := Inode{Index: 12}
	_, err := Resolve(&inode, 0)
	assert.ErrorIs(t, err, testfs.ErrNoBlock)
}

func TestResolve__PastFirstBlock(t *testing.T) {
	inode := Inode{Index: 12, DataBlock: 12}
	for _, logical := range []c.LogicalBlock{1, 2, 1000} {
		_, err := Resolve(&inode, logical)
		assert.ErrorIs(t, err, testfs.ErrUnsupportedExtent, "logical block %d", logical)
	}
}
