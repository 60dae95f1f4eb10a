package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-multierror"
	"github.com/mkatiyar/testfs"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	"github.com/mkatiyar/testfs/file_systems/common/snapshot"
	fs "github.com/mkatiyar/testfs/file_systems/testfs"
	"github.com/urfave/cli/v2"
	"github.com/xaionaro-go/bytesextra"
)

func main() {
	app := cli.App{
		Name:  "testfs",
		Usage: "Create and inspect testfs images",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "block-size",
				Usage: "bytes per block",
				Value: fs.DefaultBlockSize,
			},
			&cli.BoolFlag{
				Name:  "bolt",
				Usage: "the image is a bolt database instead of a raw file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "blocks",
						Usage: "size of the image, in blocks",
						Value: 1024,
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "format in memory and print the result without writing anything",
					},
				},
			},
			{
				Name:      "df",
				Usage:     "Show free space",
				Action:    showFreeSpace,
				ArgsUsage: "IMAGE",
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				Action:    listDirectory,
				ArgsUsage: "IMAGE [PATH]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "print the listing as CSV"},
				},
			},
			{
				Name:      "stat",
				Usage:     "Show information about an object",
				Action:    statObject,
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "create",
				Usage:     "Create an empty file or directory",
				Action:    createObject,
				ArgsUsage: "IMAGE PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dir", Usage: "create a directory"},
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or empty directory",
				Action:    removeObject,
				ArgsUsage: "IMAGE PATH",
			},
			{
				Name:      "export",
				Usage:     "Save a compressed copy of an image",
				Action:    exportImage,
				ArgsUsage: "IMAGE ARCHIVE",
			},
			{
				Name:      "import",
				Usage:     "Overwrite an image with a compressed copy",
				Action:    importImage,
				ArgsUsage: "ARCHIVE IMAGE",
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func requireArgs(context *cli.Context, min, max int) error {
	n := context.NArg()
	if n < min || n > max {
		return cli.Exit(
			fmt.Sprintf("%s: expected arguments: %s", context.Command.Name, context.Command.ArgsUsage),
			2,
		)
	}
	return nil
}

// withDriver opens the image, mounts it and runs `action`, then unmounts and
// closes everything regardless of whether `action` succeeded.
func withDriver(
	context *cli.Context,
	writable bool,
	action func(driver *fs.Driver) error,
) (result error) {
	image, err := openImage(context, context.Args().First(), writable)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := image.close()
		if closeErr != nil {
			result = multierror.Append(result, closeErr)
		}
	}()

	flags := testfs.MountFlagsAllowRead
	if writable {
		flags = testfs.MountFlagsReadWrite
	}
	driver := fs.NewDriverFromCache(image.cache)
	err = driver.Mount(flags)
	if err != nil {
		return err
	}

	actionErr := action(driver)
	unmountErr := driver.Unmount()
	if actionErr != nil && unmountErr != nil {
		return multierror.Append(actionErr, unmountErr)
	} else if actionErr != nil {
		return actionErr
	}
	return unmountErr
}

func formatImage(context *cli.Context) error {
	err := requireArgs(context, 1, 1)
	if err != nil {
		return err
	}

	bytesPerBlock := context.Uint("block-size")
	totalBlocks := context.Uint("blocks")
	opts := fs.FormatOptions{BlockSize: bytesPerBlock, TotalBlocks: totalBlocks}

	if context.Bool("dry-run") {
		memory := bytesextra.NewReadWriteSeeker(make([]byte, bytesPerBlock*totalBlocks))
		cache := blockcache.WrapStream(memory, bytesPerBlock, totalBlocks, false)
		sb, err := fs.Format(cache, opts)
		if err != nil {
			return err
		}
		printSuperblock(&sb)
		return nil
	}

	image, err := createImage(context, context.Args().First(), bytesPerBlock, totalBlocks)
	if err != nil {
		return err
	}
	sb, err := fs.Format(image.cache, opts)
	closeErr := image.close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	printSuperblock(&sb)
	return nil
}

func printSuperblock(sb *fs.Superblock) {
	fmt.Printf("volume id:   %s\n", sb.VolumeID)
	fmt.Printf("block size:  %d\n", sb.BlockSize)
	fmt.Printf("max indices: %d\n", sb.MaxIndices)
	fmt.Printf("free:        %d\n", sb.FreeIndices)
}

func showFreeSpace(context *cli.Context) error {
	err := requireArgs(context, 1, 1)
	if err != nil {
		return err
	}
	return withDriver(context, false, func(driver *fs.Driver) error {
		stat, err := driver.FSStat()
		if err != nil {
			return err
		}
		sb := driver.Superblock()
		fmt.Printf("volume id:  %s\n", sb.VolumeID)
		fmt.Printf("block size: %d\n", stat.BlockSize)
		fmt.Printf("blocks:     %d\n", stat.TotalBlocks)
		fmt.Printf("files:      %d\n", stat.Files)
		fmt.Printf("free:       %d\n", stat.FilesFree)
		return nil
	})
}

// listingRow is one line of `ls` output.
type listingRow struct {
	Name     string `csv:"name"`
	Index    uint32 `csv:"index"`
	Kind     string `csv:"kind"`
	Size     int64  `csv:"size"`
	Mode     string `csv:"mode"`
	Modified string `csv:"modified"`
}

func listDirectory(context *cli.Context) error {
	err := requireArgs(context, 1, 2)
	if err != nil {
		return err
	}
	path := context.Args().Get(1)
	if path == "" {
		path = "/"
	}

	return withDriver(context, false, func(driver *fs.Driver) error {
		dir, err := driver.ResolvePath(path)
		if err != nil {
			return err
		}
		entries, err := driver.ReadDir(dir)
		if err != nil {
			return err
		}

		rows := make([]*listingRow, 0, len(entries))
		for _, entry := range entries {
			stat, err := driver.Stat(entry.Index)
			if err != nil {
				return fmt.Errorf("can't stat %q: %w", entry.Name, err)
			}
			rows = append(rows, &listingRow{
				Name:     entry.Name,
				Index:    uint32(entry.Index),
				Kind:     entry.Kind.String(),
				Size:     stat.Size,
				Mode:     stat.FileMode().String(),
				Modified: stat.LastModified.UTC().Format(time.RFC3339),
			})
		}

		if context.Bool("csv") {
			return gocsv.Marshal(&rows, os.Stdout)
		}
		for _, row := range rows {
			fmt.Printf("%-12s %5d %-7s %8d %s %s\n",
				row.Name, row.Index, row.Kind, row.Size, row.Mode, row.Modified)
		}
		return nil
	})
}

func statObject(context *cli.Context) error {
	err := requireArgs(context, 2, 2)
	if err != nil {
		return err
	}
	return withDriver(context, false, func(driver *fs.Driver) error {
		index, err := driver.ResolvePath(context.Args().Get(1))
		if err != nil {
			return err
		}
		stat, err := driver.Stat(index)
		if err != nil {
			return err
		}
		fmt.Printf("index:    %d\n", stat.InodeNumber)
		fmt.Printf("mode:     %s\n", stat.FileMode())
		fmt.Printf("links:    %d\n", stat.Nlinks)
		fmt.Printf("size:     %d\n", stat.Size)
		fmt.Printf("modified: %s\n", stat.LastModified.UTC().Format(time.RFC3339))
		return nil
	})
}

func createObject(context *cli.Context) error {
	err := requireArgs(context, 2, 2)
	if err != nil {
		return err
	}
	return withDriver(context, true, func(driver *fs.Driver) error {
		dir, name, err := driver.SplitPath(context.Args().Get(1))
		if err != nil {
			return err
		}

		var inode fs.Inode
		if context.Bool("dir") {
			inode, err = driver.Mkdir(dir, name, 0o755)
		} else {
			inode, err = driver.CreateObject(dir, name, testfs.S_IFREG|0o644)
		}
		if err != nil {
			return err
		}
		fmt.Printf("created %q with index %d\n", name, inode.Index)
		return nil
	})
}

func removeObject(context *cli.Context) error {
	err := requireArgs(context, 2, 2)
	if err != nil {
		return err
	}
	return withDriver(context, true, func(driver *fs.Driver) error {
		dir, name, err := driver.SplitPath(context.Args().Get(1))
		if err != nil {
			return err
		}
		return driver.Unlink(dir, name)
	})
}

func exportImage(context *cli.Context) error {
	err := requireArgs(context, 2, 2)
	if err != nil {
		return err
	}

	image, err := openImage(context, context.Args().Get(0), false)
	if err != nil {
		return err
	}
	defer image.close()

	output, err := os.Create(context.Args().Get(1))
	if err != nil {
		return err
	}
	defer output.Close()

	n, err := snapshot.Save(image.cache, output)
	if err != nil {
		return err
	}
	fmt.Printf("compressed %d bytes to %d\n", image.cache.Size(), n)
	return nil
}

func importImage(context *cli.Context) error {
	err := requireArgs(context, 2, 2)
	if err != nil {
		return err
	}

	input, err := os.Open(context.Args().Get(0))
	if err != nil {
		return err
	}
	defer input.Close()

	image, err := openImage(context, context.Args().Get(1), true)
	if err != nil {
		return err
	}
	defer image.close()

	return snapshot.Restore(input, image.cache)
}
