// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"testing"
	"time"
)

func BenchmarkRecord(b *testing.B) {
	metrics := NewMetrics()
	defer metrics.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			metrics.RecordLookup(100 * time.Microsecond)
			metrics.RecordUpdate(200 * time.Microsecond)
			metrics.RecordErase(150 * time.Microsecond)
		}
	})
}

// BenchmarkRecordHighContention records bursts including CAS retries and scans
func BenchmarkRecordHighContention(b *testing.B) {
	metrics := NewMetrics()
	defer metrics.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for i := 0; i < 10; i++ {
				metrics.RecordLookup(100 * time.Microsecond)
				metrics.RecordUpdate(200 * time.Microsecond)
				metrics.RecordCASRetries(1)
				metrics.RecordScan()
			}
		}
	})
}

func BenchmarkGetStats(b *testing.B) {
	metrics := NewMetrics()
	defer metrics.Close()

	for i := 0; i < 1000; i++ {
		metrics.RecordLookup(time.Duration(i) * time.Microsecond)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = metrics.GetStats()
	}
}

func BenchmarkRingBufferPush(b *testing.B) {
	rb := NewDurationRingBuffer(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rb.Push(time.Duration(i) * time.Nanosecond)
	}
}

func BenchmarkRingBufferGetStats(b *testing.B) {
	rb := NewDurationRingBuffer(1000)
	for i := 0; i < 1000; i++ {
		rb.Push(time.Duration(i) * time.Microsecond)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = rb.GetStats()
	}
}
