package main

import (
	"fmt"
	"os"

	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	"github.com/mkatiyar/testfs/file_systems/common/boltstore"
	"github.com/urfave/cli/v2"
)

// openedImage is a block cache over an image file or bolt store, plus whatever
// has to be closed when we're done with it.
type openedImage struct {
	cache *blockcache.BlockCache
	close func() error
}

// openImage opens the image named by the first argument of the command.
func openImage(context *cli.Context, path string, writable bool) (openedImage, error) {
	if context.Bool("bolt") {
		store, err := boltstore.Open(path)
		if err != nil {
			return openedImage{}, err
		}
		return openedImage{cache: store.Cache(), close: store.Close}, nil
	}

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return openedImage{}, err
	}

	cache, err := blockcache.WrapStreamWithInferredSize(
		file, context.Uint("block-size"), false)
	if err != nil {
		file.Close()
		return openedImage{}, err
	}
	return openedImage{cache: cache, close: file.Close}, nil
}

// createImage creates a new, zeroed image of the given geometry, replacing any
// existing file.
func createImage(
	context *cli.Context,
	path string,
	bytesPerBlock,
	totalBlocks uint,
) (openedImage, error) {
	if context.Bool("bolt") {
		store, err := boltstore.Create(path, bytesPerBlock, totalBlocks)
		if err != nil {
			return openedImage{}, err
		}
		return openedImage{cache: store.Cache(), close: store.Close}, nil
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return openedImage{}, err
	}
	err = file.Truncate(int64(bytesPerBlock) * int64(totalBlocks))
	if err != nil {
		file.Close()
		return openedImage{}, fmt.Errorf("can't size %q: %w", path, err)
	}
	cache := blockcache.WrapStream(file, bytesPerBlock, totalBlocks, true)
	return openedImage{cache: cache, close: file.Close}, nil
}
