// ============================================================================
// Address Deriver
// ============================================================================
//
// Package: internal/address
// File: derive.go
// Purpose: Map (namespace tag, ordered seeds, owning program) to a resource
//          address. Pure and stateless; every other component builds on it.
//
// Hash layout (domain separated, length prefixed):
//
//	SHA256("cronprov/address/v1" || 0x00 || owner || len(tag) || tag
//	       || len(seed_0) || seed_0 || ... || len(seed_n) || seed_n)
//
// Length prefixes keep ("ab","c") and ("a","bc") apart; the null separator
// keeps the domain string from bleeding into the owner bytes.
//
// Dynamic seeds:
//   Some seeds (job ids, context indices) come from counters stored on the
//   ledger. Callers read the counter first and pass the encoded value here;
//   Derive never performs I/O.
//
// ============================================================================

package address

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

const (
	// Domain prefixes the hash input. The version suffix allows migrating the
	// derivation without colliding with old addresses.
	Domain = "cronprov/address/v1"

	// MaxSeedLen bounds the tag and every seed.
	MaxSeedLen = 32
	// MaxSeeds bounds the number of seeds after the tag.
	MaxSeeds = 16
)

// ErrInvalidSeed reports malformed derivation input. It is a caller bug and
// never retried.
var ErrInvalidSeed = errors.New("invalid seed")

// Derive computes the address for (tag, seeds, owner).
func Derive(tag string, seeds [][]byte, owner types.Address) (types.Address, error) {
	if tag == "" {
		return types.Address{}, fmt.Errorf("%w: empty namespace tag", ErrInvalidSeed)
	}
	if len(tag) > MaxSeedLen {
		return types.Address{}, fmt.Errorf("%w: tag %q is %d bytes, max %d", ErrInvalidSeed, tag, len(tag), MaxSeedLen)
	}
	if len(seeds) > MaxSeeds {
		return types.Address{}, fmt.Errorf("%w: %d seeds, max %d", ErrInvalidSeed, len(seeds), MaxSeeds)
	}
	for i, s := range seeds {
		if len(s) > MaxSeedLen {
			return types.Address{}, fmt.Errorf("%w: seed %d of tag %q is %d bytes, max %d", ErrInvalidSeed, i, tag, len(s), MaxSeedLen)
		}
	}

	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0x00})
	h.Write(owner[:])
	h.Write([]byte{byte(len(tag))})
	h.Write([]byte(tag))
	for _, s := range seeds {
		h.Write([]byte{byte(len(s))})
		h.Write(s)
	}

	var out types.Address
	copy(out[:], h.Sum(nil))
	return out, nil
}

// MustDerive is like Derive but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDerive(tag string, seeds [][]byte, owner types.Address) types.Address {
	a, err := Derive(tag, seeds, owner)
	if err != nil {
		panic(err)
	}
	return a
}
