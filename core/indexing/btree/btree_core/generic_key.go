package btree_core

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Key is a fixed-width generic index key compared lexicographically.
// Every key in a tree has the width the tree was created with.
type Key []byte

// Valid key widths.
var validKeySizes = map[int]struct{}{4: {}, 8: {}, 16: {}, 32: {}, 64: {}}

// ValidateKeySize rejects widths outside {4, 8, 16, 32, 64}.
func ValidateKeySize(size int) error {
	if _, ok := validKeySizes[size]; !ok {
		return fmt.Errorf("unsupported key size %d (want 4, 8, 16, 32, or 64)", size)
	}
	return nil
}

// CompareKeys orders two keys of equal width.
func CompareKeys(a, b Key) int {
	return bytes.Compare(a, b)
}

// Uint64Key encodes v big-endian into a key of the given width so numeric
// order matches byte order. Widths below 8 truncate to the low bytes.
func Uint64Key(v uint64, size int) Key {
	k := make(Key, size)
	if size >= 8 {
		binary.BigEndian.PutUint64(k[size-8:], v)
	} else {
		binary.BigEndian.PutUint32(k[size-4:], uint32(v))
	}
	return k
}

// BytesKey copies b into a zero-padded key of the given width, truncating
// when b is longer.
func BytesKey(b []byte, size int) Key {
	k := make(Key, size)
	copy(k, b)
	return k
}
