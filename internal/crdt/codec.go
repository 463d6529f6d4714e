package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Update blobs are framed as:
//
//	magic "NCU1" | uvarint entry count | entries...
//
// and each entry as:
//
//	uvarint len(key) | key | uvarint len(instance) | instance |
//	uvarint lamport | flags byte | uvarint len(value) | value
//
// The framing is strict: trailing bytes, truncation, or an unknown magic all
// make the blob invalid. Callers treat invalid blobs as corrupt fragments.

const updateMagic = "NCU1"

const flagDeleted = 0x01

// ErrMalformedUpdate is returned when update bytes cannot be decoded.
var ErrMalformedUpdate = errors.New("malformed update")

// EncodeUpdate serializes an update to its binary wire form.
func EncodeUpdate(u Update) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, updateMagic...)
	buf = binary.AppendUvarint(buf, uint64(len(u.Entries)))
	for _, e := range u.Entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.AppendUvarint(buf, uint64(len(e.Instance)))
		buf = append(buf, e.Instance...)
		buf = binary.AppendUvarint(buf, e.Lamport)
		var flags byte
		if e.Deleted {
			flags |= flagDeleted
		}
		buf = append(buf, flags)
		buf = binary.AppendUvarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

// DecodeUpdate parses update bytes. It returns ErrMalformedUpdate (wrapped)
// on any framing violation.
func DecodeUpdate(data []byte) (Update, error) {
	if len(data) < len(updateMagic) || string(data[:len(updateMagic)]) != updateMagic {
		return Update{}, fmt.Errorf("%w: bad magic", ErrMalformedUpdate)
	}
	rest := data[len(updateMagic):]

	count, rest, err := readUvarint(rest)
	if err != nil {
		return Update{}, fmt.Errorf("%w: entry count: %v", ErrMalformedUpdate, err)
	}
	// Each entry needs at least 5 bytes; reject absurd counts before
	// allocating.
	if count > uint64(len(rest)) {
		return Update{}, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, count)
	}

	u := Update{Entries: make([]Entry, 0, count)}
	for i := uint64(0); i < count; i++ {
		var e Entry
		e.Key, rest, err = readString(rest)
		if err != nil {
			return Update{}, fmt.Errorf("%w: entry %d key: %v", ErrMalformedUpdate, i, err)
		}
		e.Instance, rest, err = readString(rest)
		if err != nil {
			return Update{}, fmt.Errorf("%w: entry %d instance: %v", ErrMalformedUpdate, i, err)
		}
		e.Lamport, rest, err = readUvarint(rest)
		if err != nil {
			return Update{}, fmt.Errorf("%w: entry %d lamport: %v", ErrMalformedUpdate, i, err)
		}
		if len(rest) < 1 {
			return Update{}, fmt.Errorf("%w: entry %d truncated flags", ErrMalformedUpdate, i)
		}
		e.Deleted = rest[0]&flagDeleted != 0
		rest = rest[1:]
		var val []byte
		val, rest, err = readBytes(rest)
		if err != nil {
			return Update{}, fmt.Errorf("%w: entry %d value: %v", ErrMalformedUpdate, i, err)
		}
		e.Value = val
		u.Entries = append(u.Entries, e)
	}

	if len(rest) != 0 {
		return Update{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(rest))
	}
	return u, nil
}

// ValidateUpdate reports whether data is a structurally valid update blob.
func ValidateUpdate(data []byte) error {
	_, err := DecodeUpdate(data)
	return err
}

// MergeUpdates folds several update blobs into a single equivalent blob.
// Merging the result is identical to merging the inputs in any order.
func MergeUpdates(blobs [][]byte) ([]byte, error) {
	doc := NewDoc()
	for _, b := range blobs {
		if err := doc.Apply(b); err != nil {
			return nil, err
		}
	}
	return doc.State(), nil
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, errors.New("truncated varint")
	}
	return v, data[n:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	n, rest, err := readUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(rest))
	}
	return append([]byte(nil), rest[:n]...), rest[n:], nil
}

func readString(data []byte) (string, []byte, error) {
	b, rest, err := readBytes(data)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}
