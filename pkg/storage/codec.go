package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// GetJSON decodes the value at key into v. Returns false if the key is absent.
func GetJSON(r Reader, key []byte, v any) (bool, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

// PutJSON stages v at key.
func PutJSON(w Writer, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return w.Set(key, data)
}

// Has reports whether key exists.
func Has(r Reader, key []byte) (bool, error) {
	_, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// GetUint64 reads a big-endian counter; absent keys read as zero.
func GetUint64(r Reader, key []byte) (uint64, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt counter %q: %d bytes", key, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// PutUint64 stages a big-endian counter.
func PutUint64(w Writer, key []byte, v uint64) error {
	return w.Set(key, U64(v))
}

// NextSeq increments the named sequence and returns the new value (first is 1).
func NextSeq(w Writer, name string) (uint64, error) {
	key := SeqKey(name)
	cur, err := GetUint64(w, key)
	if err != nil {
		return 0, err
	}
	cur++
	if err := PutUint64(w, key, cur); err != nil {
		return 0, err
	}
	return cur, nil
}

// U64 encodes v big-endian so keys sort numerically.
func U64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}
