package memphis

// PartitionScheduler cycles over a fixed ordered set of partitions. Next
// advances the cursor by exactly one step. It is not safe for concurrent
// use; a Consumer is single-writer.
type PartitionScheduler struct {
	partitions []int
	cursor     int
}

// NewPartitionScheduler returns nil for an empty set.
func NewPartitionScheduler(partitions []int) *PartitionScheduler {
	if len(partitions) == 0 {
		return nil
	}
	return &PartitionScheduler{partitions: append([]int(nil), partitions...)}
}

func (s *PartitionScheduler) Next() int {
	p := s.partitions[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.partitions)
	return p
}

func (s *PartitionScheduler) Partitions() []int {
	return append([]int(nil), s.partitions...)
}
