// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Export format: one JSON object per line, {"key":K,"value":V}, in the order
// of a single snapshot. Duplicate keys appear once per entry, oldest first,
// so ImportJSON restores them in their original order.

type exportRecord[K comparable, V any] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

// ExportJSON writes every entry of one snapshot of m to w and returns the
// number of entries written.
func ExportJSON[K comparable, V any](m *Map[K, V], w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	count := 0
	var encErr error
	m.Range(func(key K, val V) bool {
		if encErr = enc.Encode(exportRecord[K, V]{Key: key, Value: val}); encErr != nil {
			return false
		}
		count++
		return true
	})
	if encErr != nil {
		return count, fmt.Errorf("failed to encode entry %d: %w", count, encErr)
	}
	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("failed to flush export: %w", err)
	}
	return count, nil
}

// ImportJSON reads entries written by ExportJSON and inserts them into m
// using ledger. It returns the number of entries imported.
func ImportJSON[K comparable, V any](m *Map[K, V], r io.Reader, ledger *Ledger[K, V]) (int, error) {
	dec := json.NewDecoder(bufio.NewReader(r))

	count := 0
	for {
		var rec exportRecord[K, V]
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to decode entry %d: %w", count+1, err)
		}
		m.Insert(rec.Key, rec.Value, ledger)
		count++
	}
}
