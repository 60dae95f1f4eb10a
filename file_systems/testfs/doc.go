/*
Package testfs implements testfs, a small block-device file system where every
file or directory owns exactly one data block.

Layout of an image, by block:

	0      unused (boot block)
	1      superblock
	2      index bitmap, one bit per index, LSB first
	3..5   inode table
	6..    data blocks

An "index" names both an inode and the data block it owns: inode 9 keeps its
data in block 9. Indices below 6 are reserved for the metadata above and are
never handed out by the allocator. Index 6 is the root directory.

Directories are packed sequences of variable-length records inside the
directory's block. Deleting an entry leaves a tombstone (index 0) that is
merged into the preceding record when there is one; tombstones are reused by
later insertions but never compacted.

Because a file can't grow past one block, addressing any logical block other
than 0 fails with ErrUnsupportedExtent, and a directory that has run out of
room in its block reports ErrOutOfSpace.
*/
package testfs
