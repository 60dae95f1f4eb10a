package testfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mkatiyar/testfs"
	c "github.com/mkatiyar/testfs/file_systems/common"
	"github.com/noxer/bytewriter"
)

// RecordHeaderSize is the size of [RawRecordHeader] on disk, in bytes.
const RecordHeaderSize = 16

// MaxNameLength is the longest name a directory record can hold, in bytes.
const MaxNameLength = 12

const recordAlignment = 4

// RawRecordHeader is the fixed part of a directory record. The name follows it
// immediately and is not null-terminated.
type RawRecordHeader struct {
	Index        uint32
	NameLength   uint32
	Kind         uint32
	RecordLength uint32
}

// RecordLocation is the position of a record in the image.
type RecordLocation struct {
	Block  c.PhysicalBlock
	Offset uint32
}

// Record is a decoded directory record.
type Record struct {
	// Index is the index the entry points to, or 0 for a tombstone.
	Index Index
	Kind  EntryKind
	Name  string
	// Length is the number of bytes the record occupies, including any unused
	// space after the name.
	Length   uint32
	Location RecordLocation
}

// MinimumRecordLength returns the smallest record length that can hold a name
// of `nameLength` bytes, rounded up to a multiple of 4.
func MinimumRecordLength(nameLength int) uint32 {
	return (uint32(RecordHeaderSize+nameLength) + recordAlignment - 1) &^ (recordAlignment - 1)
}

// IsTombstone returns true if the record doesn't point to anything.
func (record *Record) IsTombstone() bool {
	return record.Index == 0
}

// MinimumLength returns the smallest length this record could be shrunk to.
func (record *Record) MinimumLength() uint32 {
	return MinimumRecordLength(len(record.Name))
}

// Matches returns true if the record is live and has exactly the name `name`.
// Tombstones never match.
func (record *Record) Matches(name string) bool {
	return record.Index != 0 && len(record.Name) == len(name) && record.Name == name
}

// DecodeRecord decodes the record at the beginning of `data`, where `data`
// extends to the end of the region the record must fit in. The returned
// record's Location is not set.
//
// Returns [testfs.ErrCorruptRecord] if the header doesn't fit, the record
// length is zero, unaligned or runs past the end of `data`, or the name doesn't
// fit in the record.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) < RecordHeaderSize {
		return Record{}, testfs.ErrCorruptRecord.WithMessage(
			fmt.Sprintf("only %d bytes left, need %d for a header", len(data), RecordHeaderSize))
	}

	header := RawRecordHeader{}
	err := binary.Read(bytes.NewReader(data[:RecordHeaderSize]), binary.LittleEndian, &header)
	if err != nil {
		return Record{}, testfs.ErrCorruptRecord.Wrap(err)
	}

	if header.RecordLength == 0 {
		return Record{}, testfs.ErrCorruptRecord.WithMessage("record length is 0")
	}
	if uint64(header.RecordLength) > uint64(len(data)) {
		return Record{}, testfs.ErrCorruptRecord.WithMessage(
			fmt.Sprintf(
				"record length %d exceeds the %d bytes remaining",
				header.RecordLength,
				len(data),
			),
		)
	}
	if header.RecordLength%recordAlignment != 0 {
		return Record{}, testfs.ErrCorruptRecord.WithMessage(
			fmt.Sprintf("record length %d isn't a multiple of %d", header.RecordLength, recordAlignment))
	}
	if header.NameLength > MaxNameLength {
		return Record{}, testfs.ErrCorruptRecord.WithMessage(
			fmt.Sprintf("name length %d exceeds %d", header.NameLength, MaxNameLength))
	}

	// Tombstones may have been shrunk below their old name's size by a split
	// of an earlier record, so the name is only checked for live records.
	record := Record{
		Index:  Index(header.Index),
		Kind:   EntryKind(header.Kind),
		Length: header.RecordLength,
	}
	if record.Index != 0 {
		if header.RecordLength < MinimumRecordLength(int(header.NameLength)) {
			return Record{}, testfs.ErrCorruptRecord.WithMessage(
				fmt.Sprintf(
					"record length %d too short for a %d-byte name",
					header.RecordLength,
					header.NameLength,
				),
			)
		}
		record.Name = string(data[RecordHeaderSize : RecordHeaderSize+header.NameLength])
	}
	return record, nil
}

// EncodeRecord writes the header and name of `record` to the beginning of
// `data`. Bytes after the name are left untouched. `data` must be at least
// record.MinimumLength() bytes.
func EncodeRecord(data []byte, record *Record) error {
	if len(record.Name) > MaxNameLength {
		return testfs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q is %d bytes, limit is %d", record.Name, len(record.Name), MaxNameLength))
	}
	if uint32(len(data)) < record.MinimumLength() {
		return testfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("need %d bytes to encode record, got %d", record.MinimumLength(), len(data)))
	}

	writer := bytewriter.New(data)
	header := RawRecordHeader{
		Index:        uint32(record.Index),
		NameLength:   uint32(len(record.Name)),
		Kind:         uint32(record.Kind),
		RecordLength: record.Length,
	}
	err := binary.Write(writer, binary.LittleEndian, &header)
	if err != nil {
		return testfs.ErrIOFailed.Wrap(err)
	}
	_, err = writer.Write([]byte(record.Name))
	if err != nil {
		return testfs.ErrIOFailed.Wrap(err)
	}
	return nil
}
