// Licensed under the MIT License. See LICENSE file in the project root for details.

package hashing

import (
	"fmt"
	"testing"
)

func TestHashersAreDeterministic(t *testing.T) {
	t.Parallel()

	for _, name := range Names {
		h, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		for _, key := range []string{"", "a", "key1", "a-much-longer-key-than-eight-bytes"} {
			if h.Hash(key) != h.Hash(key) {
				t.Errorf("%s: hash of %q is not stable", name, key)
			}
		}
	}
}

func TestByNameUnknown(t *testing.T) {
	t.Parallel()

	if _, err := ByName("sha256"); err == nil {
		t.Error("Expected error for unknown hasher")
	}
}

func TestByNameAliases(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "DEFAULT", "maphash", "fnv", "murmur", "xxh64"} {
		if _, err := ByName(name); err != nil {
			t.Errorf("ByName(%q): %v", name, err)
		}
	}
}

func TestFNV1aShortKeyPath(t *testing.T) {
	t.Parallel()

	// "ab": (0*31 + 'a' + 0)*31 + 'b' + 1
	want := uint64('a')*31 + uint64('b') + 1
	if got := FNV1a().Hash("ab"); got != want {
		t.Errorf("Expected %d, got %d", want, got)
	}
}

func TestDefaultHasherComparableKeys(t *testing.T) {
	t.Parallel()

	type point struct{ x, y int }
	h := Default[point]()
	if h.Hash(point{1, 2}) != h.Hash(point{1, 2}) {
		t.Error("Equal keys hashed differently")
	}
}

func TestHasherDistribution(t *testing.T) {
	t.Parallel()

	const buckets = 64
	const keys = 64 * 200

	for _, name := range Names {
		h, _ := ByName(name)
		var counts [buckets]int
		for i := 0; i < keys; i++ {
			counts[h.Hash(fmt.Sprintf("key_%d", i))&(buckets-1)]++
		}
		for b, c := range counts {
			// every bucket should get a reasonable share of 200 expected keys
			if c < 50 || c > 400 {
				t.Errorf("%s: bucket %d has %d keys", name, b, c)
			}
		}
	}
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	h := Func[int](func(k int) uint64 { return uint64(k) * 2 })
	if h.Hash(21) != 42 {
		t.Errorf("Expected 42, got %d", h.Hash(21))
	}
}

func BenchmarkHashers(b *testing.B) {
	key := "user:1234567890"
	for _, name := range Names {
		h, _ := ByName(name)
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = h.Hash(key)
			}
		})
	}
}
