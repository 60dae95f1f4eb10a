package testfs

import (
	"github.com/mkatiyar/testfs/errors"
)

// Errors returned by the allocation and directory code. They're all
// [errors.DriverError] values, so callers can test for them with the standard
// library's errors.Is, or switch on the errno code.
var ErrOutOfSpace = errors.NewWithMessage(errors.ENOSPC, "no free index or directory slot")
var ErrNameExists = errors.NewWithMessage(errors.EEXIST, "name already present in directory")
var ErrNotFound = errors.NewWithMessage(errors.ENOENT, "no such directory entry")
var ErrCorruptDirectory = errors.NewWithMessage(errors.EIO, "corrupted directory block")
var ErrCorruptRecord = errors.NewWithMessage(errors.EUCLEAN, "corrupted directory record")
var ErrInvalidIndex = errors.NewWithMessage(errors.EINVAL, "index is reserved or out of range")
var ErrDoubleFree = errors.NewWithMessage(errors.EALREADY, "index is already free")
var ErrUnsupportedExtent = errors.NewWithMessage(errors.EFBIG, "files are limited to a single block")
var ErrNoBlock = errors.NewWithMessage(errors.ENODATA, "file has no data block")
var ErrNameTooLong = errors.New(errors.ENAMETOOLONG)
var ErrInvalidFileSystem = errors.NewWithMessage(errors.EMEDIUMTYPE, "not a testfs image")
var ErrReadOnlyFileSystem = errors.New(errors.EROFS)
var ErrNotADirectory = errors.New(errors.ENOTDIR)
var ErrIsADirectory = errors.New(errors.EISDIR)
var ErrInvalidArgument = errors.New(errors.EINVAL)
var ErrIOFailed = errors.New(errors.EIO)
