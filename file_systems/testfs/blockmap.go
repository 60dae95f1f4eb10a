package testfs

import (
	"fmt"

	"github.com/mkatiyar/testfs"
	c "github.com/mkatiyar/testfs/file_systems/common"
)

// Resolve returns the physical block holding logical block `logical` of a
// file. Files own at most one block, so any logical block other than 0 fails
// with [testfs.ErrUnsupportedExtent]. A file with no data block yet fails with
// [testfs.ErrNoBlock].
func Resolve(inode *Inode, logical c.LogicalBlock) (c.PhysicalBlock, error) {
	if logical != 0 {
		return c.InvalidPhysicalBlock, testfs.ErrUnsupportedExtent.WithMessage(
			fmt.Sprintf("inode %d: logical block %d requested", inode.Index, logical))
	}
	if inode.DataBlock == 0 {
		return c.InvalidPhysicalBlock, testfs.ErrNoBlock.WithMessage(
			fmt.Sprintf("inode %d", inode.Index))
	}
	return inode.DataBlock, nil
}
