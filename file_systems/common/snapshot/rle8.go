package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxRun is the longest run a single RLE8 group can represent: two literal
// bytes plus 255 repetitions.
const maxRun = 257

// run is a sequence of one byte value repeated `length` times.
type run struct {
	value  byte
	length int
}

// runScanner splits a stream into runs of identical bytes.
type runScanner struct {
	source *bufio.Reader
}

func newRunScanner(input io.Reader) runScanner {
	return runScanner{source: bufio.NewReader(input)}
}

// next returns the next run in the stream, or io.EOF if there are no more.
func (scanner runScanner) next() (run, error) {
	first, err := scanner.source.ReadByte()
	if err != nil {
		return run{}, err
	}

	current := run{value: first, length: 1}
	for {
		b, err := scanner.source.ReadByte()
		if err == io.EOF {
			return current, nil
		} else if err != nil {
			return run{}, err
		}
		if b != first {
			return current, scanner.source.UnreadByte()
		}
		current.length++
	}
}

// encodeRLE8 compresses everything in `input` and writes it to `output`,
// returning the number of bytes written.
func encodeRLE8(input io.Reader, output io.Writer) (int64, error) {
	scanner := newRunScanner(input)
	written := int64(0)

	emit := func(group []byte) error {
		n, err := output.Write(group)
		written += int64(n)
		return err
	}

	for {
		current, err := scanner.next()
		if err == io.EOF {
			return written, nil
		} else if err != nil {
			return written, err
		}

		for current.length >= 2 {
			groupLength := current.length
			if groupLength > maxRun {
				groupLength = maxRun
			}
			err = emit([]byte{current.value, current.value, byte(groupLength - 2)})
			if err != nil {
				return written, err
			}
			current.length -= groupLength
		}
		if current.length == 1 {
			err = emit([]byte{current.value})
			if err != nil {
				return written, err
			}
		}
	}
}

// decodeRLE8 expands RLE8 data from `input` into `output`, returning the
// number of bytes written.
func decodeRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	written := int64(0)
	previous := -1

	for {
		b, err := source.ReadByte()
		if err == io.EOF {
			return written, nil
		} else if err != nil {
			return written, err
		}

		var expanded []byte
		if int(b) == previous {
			count, err := source.ReadByte()
			if err == io.EOF {
				return written, fmt.Errorf(
					"%w: repeat count missing after two %#02x bytes",
					io.ErrUnexpectedEOF,
					b,
				)
			} else if err != nil {
				return written, err
			}

			// The first of the pair was already written.
			expanded = bytes.Repeat([]byte{b}, int(count)+1)
			previous = -1
		} else {
			expanded = []byte{b}
			previous = int(b)
		}

		n, err := output.Write(expanded)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
}
