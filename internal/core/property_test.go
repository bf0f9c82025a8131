// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"slices"
	"testing"

	"pgregory.net/rapid"
)

// model is the reference multimap: values per key in insertion order.
type model map[string][]int

func (md model) len() int {
	n := 0
	for _, vals := range md {
		n += len(vals)
	}
	return n
}

// TestPropertyMatchesModel checks that sequential operations behave like a
// map of slices.
func TestPropertyMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buckets := 1 << rapid.IntRange(0, 6).Draw(t, "bucketsLog2")
		m, err := NewWithConfig[string, int](Config[string]{
			Buckets:    buckets,
			ScanFactor: rapid.Float64Range(0.5, 4).Draw(t, "scanFactor"),
		})
		if err != nil {
			t.Fatalf("NewWithConfig: %v", err)
		}
		defer m.Close()

		l := m.NewLedger()
		md := model{}
		keys := rapid.SampledFrom([]string{"a", "b", "c", "d", "e", "f"})

		t.Repeat(map[string]func(*rapid.T){
			"update": func(t *rapid.T) {
				k, v := keys.Draw(t, "key"), rapid.Int().Draw(t, "val")
				m.Update(k, v, l)
				md[k] = []int{v}
			},
			"insert": func(t *rapid.T) {
				k, v := keys.Draw(t, "key"), rapid.Int().Draw(t, "val")
				m.Insert(k, v, l)
				md[k] = append(md[k], v)
			},
			"erase": func(t *rapid.T) {
				k := keys.Draw(t, "key")
				if got, want := m.Erase(k, l), len(md[k]); got != want {
					t.Fatalf("Erase(%q) = %d, want %d", k, got, want)
				}
				delete(md, k)
			},
			"lookup": func(t *rapid.T) {
				k := keys.Draw(t, "key")
				want := -1
				if vals := md[k]; len(vals) > 0 {
					want = vals[len(vals)-1]
				}
				if got := m.Lookup(k, -1); got != want {
					t.Fatalf("Lookup(%q) = %d, want %d", k, got, want)
				}
			},
			"lookupAll": func(t *rapid.T) {
				k := keys.Draw(t, "key")
				if got := m.LookupAll(k); !slices.Equal(got, md[k]) {
					t.Fatalf("LookupAll(%q) = %v, want %v", k, got, md[k])
				}
			},
			"flush": func(t *rapid.T) {
				l.Flush()
				if l.Len() != 0 {
					t.Fatalf("Flush left %d pending with no readers", l.Len())
				}
			},
			"": func(t *rapid.T) {
				if m.Len() != md.len() {
					t.Fatalf("Len() = %d, want %d", m.Len(), md.len())
				}
				if m.KeyCount() != len(md) {
					t.Fatalf("KeyCount() = %d, want %d", m.KeyCount(), len(md))
				}
			},
		})
	})
}
