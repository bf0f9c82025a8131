// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hashing provides pluggable key hashers for snapshot tables.
//
// The hash is only used to place entries into a snapshot's fixed set of
// buckets; it plays no part in reclamation. Any deterministic function of the
// key works, but distribution matters for lookup cost.
//
// # Available Hashers
//
//   - Default: the Go runtime hash for any comparable key (hash/maphash),
//     seeded once per hasher
//   - FNV1a: a short-key fast path plus FNV-1a for longer string keys
//   - Murmur3: 64-bit MurmurHash3 over string keys
//   - XXHash: 64-bit xxHash over string keys
//
// # Usage Examples
//
//	h := hashing.Default[string]()
//	bucket := h.Hash("user:1") & mask
//
//	m, _ := core.NewWithConfig[string, int](core.Config[string]{Hasher: hashing.XXHash()})
package hashing

import (
	"fmt"
	"hash/maphash"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Hasher maps keys to 64-bit hashes. Implementations must be safe for
// concurrent use and deterministic for the lifetime of a map.
type Hasher[K comparable] interface {
	Hash(key K) uint64
}

// Func adapts a plain function to the Hasher interface.
type Func[K comparable] func(K) uint64

// Hash calls f(key).
func (f Func[K]) Hash(key K) uint64 {
	return f(key)
}

type runtimeHasher[K comparable] struct {
	seed maphash.Seed
}

func (h runtimeHasher[K]) Hash(key K) uint64 {
	return maphash.Comparable(h.seed, key)
}

// Default returns a hasher backed by the runtime's hash for comparable types.
func Default[K comparable]() Hasher[K] {
	return runtimeHasher[K]{seed: maphash.MakeSeed()}
}

// FNV1a returns the index hash used for string keys: a multiplicative fast
// path for keys of at most 8 bytes and FNV-1a for longer keys.
func FNV1a() Hasher[string] {
	return Func[string](fnv1a)
}

func fnv1a(key string) uint64 {
	if len(key) <= 8 {
		var hash uint64
		for i := 0; i < len(key); i++ {
			hash = hash*31 + uint64(key[i]) + uint64(i)
		}
		return hash
	}

	const fnvPrime uint64 = 1099511628211
	const fnvOffsetBasis uint64 = 14695981039346656037

	hash := fnvOffsetBasis
	for i := 0; i < len(key); i++ {
		hash ^= uint64(key[i])
		hash *= fnvPrime
	}
	return hash
}

// Murmur3 returns a 64-bit MurmurHash3 string hasher.
func Murmur3() Hasher[string] {
	return Func[string](func(key string) uint64 {
		return murmur3.Sum64([]byte(key))
	})
}

// XXHash returns a 64-bit xxHash string hasher.
func XXHash() Hasher[string] {
	return Func[string](xxhash.Sum64String)
}

// Names lists the hasher names accepted by ByName.
var Names = []string{"default", "fnv1a", "murmur3", "xxhash"}

// ByName returns the string hasher registered under name. The empty string
// selects the default hasher.
func ByName(name string) (Hasher[string], error) {
	switch strings.ToLower(name) {
	case "", "default", "maphash":
		return Default[string](), nil
	case "fnv", "fnv1a":
		return FNV1a(), nil
	case "murmur3", "murmur":
		return Murmur3(), nil
	case "xxhash", "xxh64":
		return XXHash(), nil
	default:
		return nil, fmt.Errorf("unknown hasher %q (want one of %s)", name, strings.Join(Names, ", "))
	}
}
