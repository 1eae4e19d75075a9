package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestRecordEncodeDecode(t *testing.T) {
	r := NewRecord([]byte("order-42"), []byte(`{"total": 99}`))
	r.Offset = 1234
	r.Headers = []Header{
		{Key: "trace-id", Value: []byte("abc")},
		{Key: "origin", Value: []byte("web")},
	}
	r.ProducerID = 7
	r.ProducerEpoch = 2
	r.Sequence = 15
	r.Flags |= FlagTransactional

	data, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Offset != 1234 {
		t.Errorf("Offset = %d, want 1234", decoded.Offset)
	}
	if !bytes.Equal(decoded.Key, r.Key) {
		t.Errorf("Key = %q, want %q", decoded.Key, r.Key)
	}
	if !bytes.Equal(decoded.Value, r.Value) {
		t.Errorf("Value = %q, want %q", decoded.Value, r.Value)
	}
	if decoded.ProducerID != 7 || decoded.ProducerEpoch != 2 || decoded.Sequence != 15 {
		t.Errorf("producer fields = (%d, %d, %d), want (7, 2, 15)",
			decoded.ProducerID, decoded.ProducerEpoch, decoded.Sequence)
	}
	if !decoded.IsTransactional() {
		t.Error("transactional flag lost in round trip")
	}
	if len(decoded.Headers) != 2 || decoded.Headers[0].Key != "trace-id" || decoded.Headers[1].Key != "origin" {
		t.Errorf("headers = %v, want ordered trace-id, origin", decoded.Headers)
	}
}

func TestRecordDecodeDetectsCorruption(t *testing.T) {
	r := NewRecord([]byte("k"), []byte("payload"))
	data, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Flip a byte in the value region.
	data[len(data)-1] ^= 0xFF

	if _, err := Decode(data); !errors.Is(err, ErrCorruptedRecord) {
		t.Errorf("Decode = %v, want ErrCorruptedRecord", err)
	}
}

func TestRecordDecodeRejectsBadMagic(t *testing.T) {
	r := NewRecord(nil, []byte("v"))
	data, _ := r.Encode()
	data[0] = 0x00

	if _, err := Decode(data); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("Decode = %v, want ErrInvalidMagic", err)
	}
}

func TestRecordSizeLimits(t *testing.T) {
	big := make([]byte, MaxKeySize+1)
	r := NewRecord(big, nil)
	if _, err := r.Encode(); !errors.Is(err, ErrKeyTooLarge) {
		t.Errorf("Encode = %v, want ErrKeyTooLarge", err)
	}
}

func TestTombstoneRecord(t *testing.T) {
	r := NewRecord([]byte("user-1"), nil)
	r.Flags |= FlagTombstone

	data, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !decoded.IsTombstone() {
		t.Error("tombstone flag lost")
	}
	if len(decoded.Value) != 0 {
		t.Errorf("tombstone value = %q, want empty", decoded.Value)
	}
}

func TestControlRecordRoundTrip(t *testing.T) {
	r := NewControlRecord(ControlCommit, 99, 3)

	if !r.IsControl() {
		t.Fatal("control flag not set")
	}

	data, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	marker, pid, epoch, err := DecodeControlRecord(decoded)
	if err != nil {
		t.Fatalf("DecodeControlRecord failed: %v", err)
	}
	if marker != ControlCommit || pid != 99 || epoch != 3 {
		t.Errorf("control = (%v, %d, %d), want (commit, 99, 3)", marker, pid, epoch)
	}
}
