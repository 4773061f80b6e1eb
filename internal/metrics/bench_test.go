package metrics

import "testing"

// BenchmarkCollector_SessionAdmitted measures the cost of the admission
// counters (two atomic adds).
func BenchmarkCollector_SessionAdmitted(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.SessionAdmitted()
	}
}

// BenchmarkCollector_Snapshot measures the cost of taking a snapshot.
func BenchmarkCollector_Snapshot(b *testing.B) {
	c := New()
	c.SessionAdmitted()
	c.CommandRouted(10, 1024)
	c.RecordError("test")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Snapshot()
	}
}
