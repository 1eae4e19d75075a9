// =============================================================================
// RECORD ENCODING - THE UNIT OF STORAGE
// =============================================================================
//
// A record is the immutable unit of data in a partition log: metadata
// (offset, timestamp, producer identity) plus an opaque key/value payload
// and optional string headers.
//
// WHY BINARY ENCODING?
// Fixed-size headers give O(1) field access, the encoded form is self-framing
// (we can walk a log file without an external index), and a CRC detects
// corruption from partial writes and bit flips.
//
// ON-DISK FORMAT (version 1, 52-byte header):
// ┌──────────────────────────────────────────────────────────────────────────┐
// │ Magic (2B) │ Version (1B) │ Flags (1B) │ CRC32C (4B) │ Offset (8B)       │
// │ Timestamp (8B) │ ProducerID (8B) │ ProducerEpoch (2B) │ Sequence (4B)    │
// │ KeyLen (2B) │ ValueLen (4B) │ HeadersLen (2B) │ Reserved (6B)            │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ Key │ Value │ Headers                                                    │
// └──────────────────────────────────────────────────────────────────────────┘
//
// HEADERS FORMAT (when HeadersLen > 0):
//   Count (2B) + [KeyLen (2B) │ Key │ ValLen (2B) │ Val] × N, insertion order.
//
// The producer fields exist so the broker can deduplicate retries: a record
// retried with the same (producer id, epoch, sequence) must never append
// twice. Records written outside an idempotent session carry ProducerID -1.
//
// CRC NOTE: the checksum covers bytes [8:end] - offset through payload - so
// the framing bytes themselves are validated by the magic check instead.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// Magic bytes identify a forgeprint record ("FP").
	MagicByte1 = 0x46
	MagicByte2 = 0x50

	// FormatVersion allows future format changes while remaining readable.
	FormatVersion = 1

	// HeaderSize is the fixed record header size in bytes.
	// Magic(2) + Version(1) + Flags(1) + CRC(4) + Offset(8) + Timestamp(8) +
	// ProducerID(8) + Epoch(2) + Sequence(4) + KeyLen(2) + ValueLen(4) +
	// HeadersLen(2) + Reserved(6) = 52
	HeaderSize = 52

	// MaxKeySize bounds record keys (64KB). Keys are routing/compaction
	// identifiers and should be small.
	MaxKeySize = 65535

	// MaxValueSize bounds record payloads (16MB).
	MaxValueSize = 16 * 1024 * 1024

	// MaxHeadersSize bounds the encoded headers block (64KB).
	MaxHeadersSize = 65535
)

// Record flags - bit positions in the flags byte.
const (
	// FlagTombstone marks a deletion in compacted logs.
	FlagTombstone = 1 << 0

	// FlagControl marks a transaction control record (commit/abort marker).
	// Control records are never returned to consumers as data.
	FlagControl = 1 << 1

	// FlagTransactional marks a record produced inside a transaction.
	FlagTransactional = 1 << 2

	// FlagHasHeaders marks that the record carries headers.
	FlagHasHeaders = 1 << 3
)

// Producer identity sentinels for records written outside an idempotent
// producer session.
const (
	NoProducerID    int64 = -1
	NoProducerEpoch int16 = -1
	NoSequence      int32 = -1
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrInvalidMagic means the magic bytes don't match - wrong file or corruption.
	ErrInvalidMagic = errors.New("invalid magic bytes: not a forgeprint record")

	// ErrUnsupportedVersion means the record format version is unknown.
	ErrUnsupportedVersion = errors.New("unsupported record format version")

	// ErrCorruptedRecord means the CRC check failed.
	ErrCorruptedRecord = errors.New("record corrupted: CRC mismatch")

	// ErrKeyTooLarge means the key exceeds MaxKeySize.
	ErrKeyTooLarge = errors.New("key exceeds maximum size")

	// ErrValueTooLarge means the payload exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrInvalidRecord means the record data is malformed.
	ErrInvalidRecord = errors.New("invalid record format")
)

// crcTable is the pre-computed CRC-32C (Castagnoli) table. Hardware
// accelerated on amd64/arm64, and the polynomial Kafka and RocksDB use.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// =============================================================================
// HEADER - ORDERED STRING PAIRS
// =============================================================================

// Header is one key/value metadata pair attached to a record.
type Header struct {
	Key   string
	Value []byte
}

// =============================================================================
// RECORD STRUCT
// =============================================================================

// Record is a single immutable entry in a partition log.
//
// Offset and Timestamp are assigned by the log on append, never by the
// producer. A record is never mutated after it has been appended.
type Record struct {
	// Offset is the record's position in the partition. Assigned on append.
	Offset int64

	// Timestamp is when the broker accepted the record (unix nanoseconds).
	Timestamp int64

	// Key routes the record and identifies it for compaction. Optional.
	Key []byte

	// Value is the payload. A nil value with FlagTombstone set marks a
	// deletion in compacted logs.
	Value []byte

	// Headers carry metadata pairs in insertion order.
	Headers []Header

	// Flags holds record attributes (tombstone, control, transactional).
	Flags uint8

	// ProducerID identifies the idempotent producer session, or NoProducerID.
	ProducerID int64

	// ProducerEpoch is the producer's incarnation number, or NoProducerEpoch.
	ProducerEpoch int16

	// Sequence is the per-partition sequence number assigned by the
	// producer, or NoSequence.
	Sequence int32
}

// NewRecord creates a plain (non-idempotent) record with the current time.
func NewRecord(key, value []byte) *Record {
	return &Record{
		Timestamp:     time.Now().UnixNano(),
		Key:           key,
		Value:         value,
		ProducerID:    NoProducerID,
		ProducerEpoch: NoProducerEpoch,
		Sequence:      NoSequence,
	}
}

// IsTombstone reports whether the record marks a deletion.
func (r *Record) IsTombstone() bool {
	return r.Flags&FlagTombstone != 0
}

// IsControl reports whether the record is a transaction control marker.
func (r *Record) IsControl() bool {
	return r.Flags&FlagControl != 0
}

// IsTransactional reports whether the record was produced in a transaction.
func (r *Record) IsTransactional() bool {
	return r.Flags&FlagTransactional != 0
}

// =============================================================================
// ENCODING - RECORD → BYTES
// =============================================================================

// Encode serializes the record to its on-disk binary form.
func (r *Record) Encode() ([]byte, error) {
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, max is %d",
			ErrKeyTooLarge, len(r.Key), MaxKeySize)
	}
	if len(r.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value is %d bytes, max is %d",
			ErrValueTooLarge, len(r.Value), MaxValueSize)
	}

	var headersBytes []byte
	if len(r.Headers) > 0 {
		headersBytes = encodeHeaders(r.Headers)
		if len(headersBytes) > MaxHeadersSize {
			return nil, fmt.Errorf("%w: headers are %d bytes, max is %d",
				ErrInvalidRecord, len(headersBytes), MaxHeadersSize)
		}
	}

	// One exact-size allocation for the whole record.
	totalSize := HeaderSize + len(r.Key) + len(r.Value) + len(headersBytes)
	buf := make([]byte, totalSize)

	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = FormatVersion

	flags := r.Flags
	if len(headersBytes) > 0 {
		flags |= FlagHasHeaders
	}
	buf[3] = flags

	// CRC (bytes [4:8]) is filled last, once the protected range is written.
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.Timestamp))
	binary.BigEndian.PutUint64(buf[24:32], uint64(r.ProducerID))
	binary.BigEndian.PutUint16(buf[32:34], uint16(r.ProducerEpoch))
	binary.BigEndian.PutUint32(buf[34:38], uint32(r.Sequence))
	binary.BigEndian.PutUint16(buf[38:40], uint16(len(r.Key)))
	binary.BigEndian.PutUint32(buf[40:44], uint32(len(r.Value)))
	binary.BigEndian.PutUint16(buf[44:46], uint16(len(headersBytes)))
	// [46:52] reserved, already zero.

	keyEnd := HeaderSize + len(r.Key)
	copy(buf[HeaderSize:keyEnd], r.Key)
	valueEnd := keyEnd + len(r.Value)
	copy(buf[keyEnd:valueEnd], r.Value)
	copy(buf[valueEnd:], headersBytes)

	binary.BigEndian.PutUint32(buf[4:8], checksum(buf[8:]))

	return buf, nil
}

// encodeHeaders serializes headers in insertion order.
// Format: Count(2) + [KeyLen(2) + Key + ValLen(2) + Val] × N.
func encodeHeaders(headers []Header) []byte {
	size := 2
	for _, h := range headers {
		size += 2 + len(h.Key) + 2 + len(h.Value)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(headers)))

	pos := 2
	for _, h := range headers {
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(h.Key)))
		pos += 2
		copy(buf[pos:], h.Key)
		pos += len(h.Key)
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(h.Value)))
		pos += 2
		copy(buf[pos:], h.Value)
		pos += len(h.Value)
	}

	return buf
}

func decodeHeaders(data []byte) ([]Header, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated headers block", ErrInvalidRecord)
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	if count == 0 {
		return nil, nil
	}

	headers := make([]Header, 0, count)
	pos := 2
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated header key length", ErrInvalidRecord)
		}
		keyLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+keyLen > len(data) {
			return nil, fmt.Errorf("%w: truncated header key", ErrInvalidRecord)
		}
		key := string(data[pos : pos+keyLen])
		pos += keyLen

		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated header value length", ErrInvalidRecord)
		}
		valLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+valLen > len(data) {
			return nil, fmt.Errorf("%w: truncated header value", ErrInvalidRecord)
		}
		val := make([]byte, valLen)
		copy(val, data[pos:pos+valLen])
		pos += valLen

		headers = append(headers, Header{Key: key, Value: val})
	}

	return headers, nil
}

// =============================================================================
// DECODING - BYTES → RECORD
// =============================================================================

// Decode deserializes a record from its binary form, verifying magic,
// version, and CRC.
func Decode(data []byte) (*Record, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than header", ErrInvalidRecord, len(data))
	}

	if data[0] != MagicByte1 || data[1] != MagicByte2 {
		return nil, ErrInvalidMagic
	}
	if data[2] != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, data[2])
	}

	flags := data[3]
	storedCRC := binary.BigEndian.Uint32(data[4:8])

	keyLen := int(binary.BigEndian.Uint16(data[38:40]))
	valueLen := int(binary.BigEndian.Uint32(data[40:44]))
	headersLen := int(binary.BigEndian.Uint16(data[44:46]))

	expectedSize := HeaderSize + keyLen + valueLen + headersLen
	if len(data) < expectedSize {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrInvalidRecord, expectedSize, len(data))
	}

	if checksum(data[8:expectedSize]) != storedCRC {
		return nil, ErrCorruptedRecord
	}

	r := &Record{
		Offset:        int64(binary.BigEndian.Uint64(data[8:16])),
		Timestamp:     int64(binary.BigEndian.Uint64(data[16:24])),
		ProducerID:    int64(binary.BigEndian.Uint64(data[24:32])),
		ProducerEpoch: int16(binary.BigEndian.Uint16(data[32:34])),
		Sequence:      int32(binary.BigEndian.Uint32(data[34:38])),
		Flags:         flags &^ FlagHasHeaders,
	}

	pos := HeaderSize
	if keyLen > 0 {
		r.Key = make([]byte, keyLen)
		copy(r.Key, data[pos:pos+keyLen])
	}
	pos += keyLen

	if valueLen > 0 {
		r.Value = make([]byte, valueLen)
		copy(r.Value, data[pos:pos+valueLen])
	}
	pos += valueLen

	if headersLen > 0 {
		headers, err := decodeHeaders(data[pos : pos+headersLen])
		if err != nil {
			return nil, err
		}
		r.Headers = headers
	}

	return r, nil
}

// Size returns the encoded size of the record in bytes.
func (r *Record) Size() int {
	size := HeaderSize + len(r.Key) + len(r.Value)
	if len(r.Headers) > 0 {
		size += 2
		for _, h := range r.Headers {
			size += 2 + len(h.Key) + 2 + len(h.Value)
		}
	}
	return size
}

// =============================================================================
// CONTROL RECORDS
// =============================================================================

// ControlMarker is the outcome encoded in a transaction control record.
type ControlMarker uint8

const (
	// ControlAbort resolves a transactional range as aborted.
	ControlAbort ControlMarker = 0

	// ControlCommit resolves a transactional range as committed.
	ControlCommit ControlMarker = 1
)

func (m ControlMarker) String() string {
	switch m {
	case ControlAbort:
		return "abort"
	case ControlCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// NewControlRecord builds a commit/abort marker for the given producer.
// The marker's value encodes the outcome and the producer identity so that
// read_committed consumers can resolve the transactional range.
func NewControlRecord(marker ControlMarker, producerID int64, epoch int16) *Record {
	value := make([]byte, 11)
	value[0] = byte(marker)
	binary.BigEndian.PutUint64(value[1:9], uint64(producerID))
	binary.BigEndian.PutUint16(value[9:11], uint16(epoch))

	return &Record{
		Timestamp:     time.Now().UnixNano(),
		Value:         value,
		Flags:         FlagControl,
		ProducerID:    producerID,
		ProducerEpoch: epoch,
		Sequence:      NoSequence,
	}
}

// DecodeControlRecord extracts the marker and producer identity from a
// control record's value.
func DecodeControlRecord(r *Record) (ControlMarker, int64, int16, error) {
	if !r.IsControl() {
		return 0, 0, 0, fmt.Errorf("%w: not a control record", ErrInvalidRecord)
	}
	if len(r.Value) < 11 {
		return 0, 0, 0, fmt.Errorf("%w: control value too short", ErrInvalidRecord)
	}
	marker := ControlMarker(r.Value[0])
	pid := int64(binary.BigEndian.Uint64(r.Value[1:9]))
	epoch := int16(binary.BigEndian.Uint16(r.Value[9:11]))
	return marker, pid, epoch, nil
}
