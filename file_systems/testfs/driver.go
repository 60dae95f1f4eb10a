package testfs

import (
	stderrors "errors"
	"fmt"
	"io"
	posixpath "path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mkatiyar/testfs"
	"github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
)

// Driver ties the allocator, inode table and directory table of one image
// together.
//
// Lookups may run concurrently with each other. Anything that changes the
// image holds the driver's lock.
type Driver struct {
	mu         sync.RWMutex
	cache      *blockcache.BlockCache
	mountFlags testfs.MountFlags
	mounted    bool
	superblock Superblock
	allocator  *IndexAllocator
	inodes     *InodeTable
	dirs       *DirectoryTable
	now        func() time.Time
}

// NewDriverFromCache creates an unmounted driver for the image in `cache`.
func NewDriverFromCache(cache *blockcache.BlockCache) *Driver {
	return &Driver{
		cache: cache,
		now:   time.Now,
	}
}

// NewDriverFromStream creates an unmounted driver for the image in `stream`,
// which must be a whole number of blocks long. If `writable` is false, the
// stream is never resized.
func NewDriverFromStream(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	writable bool,
) (*Driver, error) {
	cache, err := blockcache.WrapStreamWithInferredSize(stream, bytesPerBlock, writable)
	if err != nil {
		return nil, err
	}
	return NewDriverFromCache(cache), nil
}

// Mount reads the superblock and bitmap and prepares the driver for use.
func (driver *Driver) Mount(flags testfs.MountFlags) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	if driver.mounted {
		return errors.ErrBusy.WithMessage("image is already mounted")
	}

	sb, err := ReadSuperblock(driver.cache)
	if err != nil {
		return err
	}

	allocator, err := NewIndexAllocator(driver.cache, BitmapBlock, sb.FirstNonMetaIndex, sb.MaxIndices)
	if err != nil {
		return testfs.ErrInvalidFileSystem.Wrap(err)
	}
	allocator.SetVolumeLabel(sb.VolumeID.String())

	driver.superblock = sb
	driver.allocator = allocator
	driver.inodes = NewInodeTable(driver.cache, sb.MaxIndices)
	driver.dirs = NewDirectoryTable(driver.cache, driver.inodes)
	driver.dirs.now = driver.now
	driver.mountFlags = flags
	driver.mounted = true
	return nil
}

// Flush writes the free index count to the superblock and all dirty blocks to
// the image. It does nothing for a read-only mount.
func (driver *Driver) Flush() error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	return driver.flush()
}

func (driver *Driver) flush() error {
	if !driver.mounted {
		return errors.ErrInvalidArgument.WithMessage("image isn't mounted")
	}
	if !driver.mountFlags.CanWrite() {
		return nil
	}

	var result error
	driver.superblock.FreeIndices = driver.allocator.FreeCount()
	err := WriteSuperblock(driver.cache, &driver.superblock)
	if err != nil {
		result = multierror.Append(result, err)
	}
	err = driver.cache.Flush()
	if err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		return errors.ErrIOFailed.Wrap(result)
	}
	return nil
}

// Unmount flushes the image and detaches the driver from it. The driver can
// be mounted again afterwards.
func (driver *Driver) Unmount() error {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	err := driver.flush()
	if err != nil {
		return err
	}
	driver.mounted = false
	driver.allocator = nil
	driver.inodes = nil
	driver.dirs = nil
	return nil
}

func (driver *Driver) requireMounted() error {
	if !driver.mounted {
		return errors.ErrInvalidArgument.WithMessage("image isn't mounted")
	}
	return nil
}

func (driver *Driver) requireWritable() error {
	err := driver.requireMounted()
	if err != nil {
		return err
	}
	if !driver.mountFlags.CanWrite() {
		return testfs.ErrReadOnlyFileSystem
	}
	return nil
}

// Superblock returns a copy of the mounted image's superblock.
func (driver *Driver) Superblock() Superblock {
	driver.mu.RLock()
	defer driver.mu.RUnlock()
	sb := driver.superblock
	if driver.allocator != nil {
		sb.FreeIndices = driver.allocator.FreeCount()
	}
	return sb
}

// FSStat gives information about the whole file system. Every object owns
// exactly one block, so the file and block counts are both derived from the
// index range.
func (driver *Driver) FSStat() (testfs.FSStat, error) {
	driver.mu.RLock()
	defer driver.mu.RUnlock()

	err := driver.requireMounted()
	if err != nil {
		return testfs.FSStat{}, err
	}

	free := uint64(driver.allocator.FreeCount())
	usable := uint64(driver.allocator.MaxIndices() - driver.allocator.FirstUsable())
	return testfs.FSStat{
		BlockSize:       driver.superblock.BlockSize,
		TotalBlocks:     uint64(driver.cache.TotalBlocks()),
		BlocksFree:      free,
		BlocksAvailable: free,
		Files:           usable - free,
		FilesFree:       free,
		MaxNameLength:   MaxNameLength,
	}, nil
}

// Stat returns information about the object with index `index`.
func (driver *Driver) Stat(index Index) (testfs.FileStat, error) {
	driver.mu.RLock()
	defer driver.mu.RUnlock()

	err := driver.requireMounted()
	if err != nil {
		return testfs.FileStat{}, err
	}
	if !driver.allocator.IsAllocated(index) {
		return testfs.FileStat{}, testfs.ErrNotFound.WithMessage(
			fmt.Sprintf("index %d isn't allocated", index))
	}

	inode, err := driver.inodes.Get(index)
	if err != nil {
		return testfs.FileStat{}, err
	}
	return inode.Stat(driver.cache.BytesPerBlock()), nil
}

// Lookup returns the index the entry `name` in directory `dir` points to.
func (driver *Driver) Lookup(dir Index, name string) (Index, error) {
	driver.mu.RLock()
	defer driver.mu.RUnlock()

	err := driver.requireMounted()
	if err != nil {
		return 0, err
	}
	record, err := driver.dirs.Find(dir, name)
	if err != nil {
		return 0, err
	}
	return record.Index, nil
}

// NormalizePath converts `path` to a clean absolute path. Relative paths are
// relative to the root directory.
func NormalizePath(path string) string {
	path = posixpath.Clean(filepath.ToSlash(path))
	if path == "." {
		return "/"
	}
	if posixpath.IsAbs(path) {
		return path
	}
	return posixpath.Join("/", path)
}

// ResolvePath walks `path` from the root directory and returns the index of
// the object it names.
func (driver *Driver) ResolvePath(path string) (Index, error) {
	driver.mu.RLock()
	defer driver.mu.RUnlock()

	err := driver.requireMounted()
	if err != nil {
		return 0, err
	}

	current := RootIndex
	for _, component := range strings.Split(NormalizePath(path), "/") {
		if component == "" {
			continue
		}
		record, err := driver.dirs.Find(current, component)
		if stderrors.Is(err, testfs.ErrNotFound) {
			return 0, errors.CastToDriverError(err).WithMessage(
				fmt.Sprintf("can't resolve %q: %q not found", path, component))
		} else if err != nil {
			return 0, errors.CastToDriverError(err).WithMessage(
				fmt.Sprintf("can't resolve %q at %q", path, component))
		}
		current = record.Index
	}
	return current, nil
}

// SplitPath resolves the directory part of `path` and returns its index along
// with the final component.
func (driver *Driver) SplitPath(path string) (Index, string, error) {
	dirPath, name := posixpath.Split(NormalizePath(path))
	if name == "" {
		return 0, "", testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q doesn't name an object inside a directory", path))
	}
	dir, err := driver.ResolvePath(dirPath)
	return dir, name, err
}

// ReadDir returns the live entries of directory `dir`, including "." and "..".
func (driver *Driver) ReadDir(dir Index) ([]DirEntry, error) {
	driver.mu.RLock()
	defer driver.mu.RUnlock()

	err := driver.requireMounted()
	if err != nil {
		return nil, err
	}
	return driver.dirs.ReadDir(dir)
}

// CreateObject allocates an index for a new object with the given mode and
// links it into `dir` as `name`. Directories are created with "." and ".."
// entries.
//
// Nothing is allocated if this fails.
func (driver *Driver) CreateObject(dir Index, name string, mode uint32) (Inode, error) {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	err := driver.requireWritable()
	if err != nil {
		return Inode{}, err
	}

	kind := KindFromMode(mode)
	if kind == KindUnknown {
		return Inode{}, testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("mode %#o has no file type", mode))
	}

	parent, err := driver.dirs.loadDirectory(dir)
	if err != nil {
		return Inode{}, err
	}

	index, err := driver.allocator.Allocate()
	if err != nil {
		return Inode{}, err
	}

	now := driver.now()
	inode := Inode{
		Index:        index,
		Mode:         mode,
		Nlinks:       1,
		LastAccessed: now,
		LastChanged:  now,
		LastModified: now,
		DataBlock:    c.PhysicalBlock(index),
	}

	err = driver.linkNewObject(&parent, &inode, name)
	if err != nil {
		freeErr := driver.allocator.Free(index)
		if freeErr != nil {
			return Inode{}, multierror.Append(err, freeErr)
		}
		return Inode{}, err
	}
	return inode, nil
}

func (driver *Driver) linkNewObject(parent, inode *Inode, name string) error {
	if inode.IsDir() {
		inode.Nlinks = 2
		err := writeInitialDirectory(driver.cache, inode, parent.Index)
		if err != nil {
			return err
		}
	}

	err := driver.inodes.Put(inode)
	if err != nil {
		return err
	}

	err = driver.dirs.Insert(parent.Index, name, inode.Index, inode.Kind())
	if err != nil {
		return err
	}

	// A subdirectory's ".." is another link to the parent. The parent inode
	// has to be reloaded since Insert updated it.
	if inode.IsDir() {
		updated, err := driver.inodes.Get(parent.Index)
		if err != nil {
			return err
		}
		updated.Nlinks++
		return driver.inodes.Put(&updated)
	}
	return nil
}

// Mkdir creates an empty directory named `name` in `dir`.
func (driver *Driver) Mkdir(dir Index, name string, perm uint32) (Inode, error) {
	return driver.CreateObject(dir, name, testfs.S_IFDIR|(perm&^testfs.S_IFMT))
}

// Unlink removes the entry `name` from directory `dir`. When the last link to
// an object is removed, its index is freed. Directories must be empty.
func (driver *Driver) Unlink(dir Index, name string) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	err := driver.requireWritable()
	if err != nil {
		return err
	}
	if name == "." || name == ".." {
		return testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't remove %q", name))
	}

	record, err := driver.dirs.Find(dir, name)
	if err != nil {
		return err
	}
	target, err := driver.inodes.Get(record.Index)
	if err != nil {
		return err
	}

	if target.IsDir() {
		empty, err := driver.dirs.IsEmpty(target.Index)
		if err != nil {
			return err
		}
		if !empty {
			return errors.ErrDirectoryNotEmpty.WithMessage(
				fmt.Sprintf("%q in directory %d", name, dir))
		}
	}

	err = driver.dirs.Delete(dir, record)
	if err != nil {
		return err
	}

	if target.IsDir() {
		parent, err := driver.inodes.Get(dir)
		if err != nil {
			return err
		}
		if parent.Nlinks > 0 {
			parent.Nlinks--
		}
		err = driver.inodes.Put(&parent)
		if err != nil {
			return err
		}
		target.Nlinks = 0
	} else if target.Nlinks > 0 {
		target.Nlinks--
	}

	if target.Nlinks > 0 {
		target.LastChanged = driver.now()
		return driver.inodes.Put(&target)
	}

	target.Size = 0
	err = driver.inodes.Put(&target)
	if err != nil {
		return err
	}
	return driver.allocator.Free(target.Index)
}
