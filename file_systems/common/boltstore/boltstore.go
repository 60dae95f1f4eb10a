// Package boltstore keeps a disk image's blocks inside a bbolt database, one
// key per block. It provides the storage callbacks for a
// [blockcache.BlockCache], so a file system can live in a bolt file instead of
// a flat image. Every flushed block is committed in its own transaction, which
// bbolt fsyncs before returning.
//
// Blocks that were never written read back as zeroes.
package boltstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mkatiyar/testfs/errors"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
	bbolt "go.etcd.io/bbolt"
)

var blocksBucket = []byte("blocks")
var geometryBucket = []byte("geometry")
var bytesPerBlockKey = []byte("bytes_per_block")
var totalBlocksKey = []byte("total_blocks")

// Store is a block device backed by a bbolt database.
type Store struct {
	db            *bbolt.DB
	bytesPerBlock uint
	totalBlocks   uint
}

func blockKey(block c.LogicalBlock) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(block))
	return key
}

func putUint(bucket *bbolt.Bucket, key []byte, value uint) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	return bucket.Put(key, buf)
}

func getUint(bucket *bbolt.Bucket, key []byte) (uint, bool) {
	value := bucket.Get(key)
	if len(value) != 8 {
		return 0, false
	}
	return uint(binary.LittleEndian.Uint64(value)), true
}

// Create creates (or truncates the geometry of) a store at `path` holding
// `totalBlocks` blocks of `bytesPerBlock` bytes each. Existing block data is
// kept; blocks past the new end are deleted.
func Create(path string, bytesPerBlock, totalBlocks uint) (*Store, error) {
	if bytesPerBlock == 0 {
		return nil, errors.ErrInvalidArgument.WithMessage("block size can't be 0")
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	store := &Store{db: db, bytesPerBlock: bytesPerBlock}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}
		geometry, err := tx.CreateBucketIfNotExists(geometryBucket)
		if err != nil {
			return err
		}
		return putUint(geometry, bytesPerBlockKey, bytesPerBlock)
	})
	if err != nil {
		db.Close()
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	err = store.Resize(c.LogicalBlock(totalBlocks))
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open opens an existing store, reading its geometry from the database.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	store := &Store{db: db}
	err = db.View(func(tx *bbolt.Tx) error {
		geometry := tx.Bucket(geometryBucket)
		if geometry == nil || tx.Bucket(blocksBucket) == nil {
			return errors.ErrWrongMediumType.WithMessage(
				fmt.Sprintf("%s is not a block store", path))
		}

		var ok bool
		store.bytesPerBlock, ok = getUint(geometry, bytesPerBlockKey)
		if !ok || store.bytesPerBlock == 0 {
			return errors.ErrFileSystemCorrupted.WithMessage("block size missing from store")
		}
		store.totalBlocks, ok = getUint(geometry, totalBlocksKey)
		if !ok {
			return errors.ErrFileSystemCorrupted.WithMessage("block count missing from store")
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.CastToDriverError(err)
	}
	return store, nil
}

// BytesPerBlock returns the size of a single block, in bytes.
func (store *Store) BytesPerBlock() uint {
	return store.bytesPerBlock
}

// TotalBlocks returns the number of blocks in the store.
func (store *Store) TotalBlocks() uint {
	return store.totalBlocks
}

func (store *Store) checkBlock(block c.LogicalBlock) error {
	if uint(block) >= store.totalBlocks {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("invalid block number: %d not in range [0, %d)", block, store.totalBlocks),
		)
	}
	return nil
}

// Fetch copies the contents of `block` into `buffer`. It has the signature of
// a [blockcache.FetchBlockCallback].
func (store *Store) Fetch(block c.LogicalBlock, buffer []byte) error {
	if err := store.checkBlock(block); err != nil {
		return err
	}

	return store.db.View(func(tx *bbolt.Tx) error {
		// The value is only valid for the life of the transaction, so it must
		// be copied out here.
		n := copy(buffer, tx.Bucket(blocksBucket).Get(blockKey(block)))
		for i := n; i < len(buffer); i++ {
			buffer[i] = 0
		}
		return nil
	})
}

// Flush durably stores `buffer` as the contents of `block`. It has the
// signature of a [blockcache.FlushBlockCallback].
func (store *Store) Flush(block c.LogicalBlock, buffer []byte) error {
	if err := store.checkBlock(block); err != nil {
		return err
	}
	if uint(len(buffer)) != store.bytesPerBlock {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("expected %d bytes, got %d", store.bytesPerBlock, len(buffer)))
	}

	return store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(blockKey(block), buffer)
	})
}

// Resize changes the number of blocks in the store. Shrinking deletes the
// blocks past the new end. It has the signature of a
// [blockcache.ResizeCallback].
func (store *Store) Resize(newTotalBlocks c.LogicalBlock) error {
	err := store.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(blocksBucket)

		// Deleting through the cursor while iterating skips keys, so collect
		// them first.
		var doomed [][]byte
		cursor := blocks.Cursor()
		for key, _ := cursor.Seek(blockKey(newTotalBlocks)); key != nil; key, _ = cursor.Next() {
			doomed = append(doomed, append([]byte(nil), key...))
		}
		for _, key := range doomed {
			if err := blocks.Delete(key); err != nil {
				return err
			}
		}
		return putUint(tx.Bucket(geometryBucket), totalBlocksKey, uint(newTotalBlocks))
	})
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	store.totalBlocks = uint(newTotalBlocks)
	return nil
}

// StoredBlocks returns the number of blocks that have been written at least
// once.
func (store *Store) StoredBlocks() (int, error) {
	total := 0
	err := store.db.View(func(tx *bbolt.Tx) error {
		total = tx.Bucket(blocksBucket).Stats().KeyN
		return nil
	})
	return total, err
}

// Cache creates a [blockcache.BlockCache] on top of the store.
func (store *Store) Cache() *blockcache.BlockCache {
	return blockcache.New(
		store.bytesPerBlock, store.totalBlocks, store.Fetch, store.Flush, store.Resize)
}

// Close closes the underlying database.
func (store *Store) Close() error {
	return store.db.Close()
}
