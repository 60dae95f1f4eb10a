package snapshot

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/mkatiyar/testfs/errors"
	"github.com/mkatiyar/testfs/file_systems/common/blockcache"
)

// Save writes the full contents of the image in `cache` to `output` in
// compressed form. It returns the number of compressed bytes written.
func Save(cache *blockcache.BlockCache, output io.Writer) (int64, error) {
	data, err := cache.Data()
	if err != nil {
		return 0, err
	}

	counter := &countingWriter{w: output}
	gzWriter, err := gzip.NewWriterLevel(counter, gzip.BestCompression)
	if err != nil {
		return 0, errors.ErrIOFailed.Wrap(err)
	}

	_, err = encodeRLE8(bytes.NewReader(data), gzWriter)
	if err != nil {
		gzWriter.Close()
		return counter.n, errors.ErrIOFailed.Wrap(err)
	}
	err = gzWriter.Close()
	if err != nil {
		return counter.n, errors.ErrIOFailed.Wrap(err)
	}
	return counter.n, nil
}

// Expand decompresses a snapshot created by [Save] and returns the raw image.
func Expand(input io.Reader) ([]byte, error) {
	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return nil, errors.ErrInvalidArgument.Wrap(err)
	}
	defer gzReader.Close()

	buffer := bytes.Buffer{}
	_, err = decodeRLE8(gzReader, &buffer)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	return buffer.Bytes(), nil
}

// Restore overwrites the image in `cache` with a snapshot created by [Save]
// and flushes it. The snapshot must be exactly the size of the image.
func Restore(input io.Reader, cache *blockcache.BlockCache) error {
	image, err := Expand(input)
	if err != nil {
		return err
	}
	if int64(len(image)) != cache.Size() {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"snapshot is %d bytes but the image is %d",
				len(image),
				cache.Size(),
			),
		)
	}

	if len(image) > 0 {
		_, err = cache.WriteAt(image, 0)
		if err != nil {
			return err
		}
	}
	return cache.Flush()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (writer *countingWriter) Write(data []byte) (int, error) {
	n, err := writer.w.Write(data)
	writer.n += int64(n)
	return n, err
}
