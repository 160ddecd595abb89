package address

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/text/unicode/norm"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// U16LE encodes v as a 2-byte little-endian seed.
func U16LE(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// U32LE encodes v as a 4-byte little-endian seed (counter values, slot
// indices, context indices).
func U32LE(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// Key returns the address bytes as a seed.
func Key(a types.Address) []byte { return a.Bytes() }

// NameHash turns a human-readable name into a fixed 32-byte seed. Names are
// NFC normalized first so canonically equal spellings land on one address.
func NameHash(name string) []byte {
	sum := sha256.Sum256([]byte(norm.NFC.String(name)))
	return sum[:]
}
