package kafka

import "slices"

type partitionKey struct {
	topic     string
	partition int32
}

// offsetTracker computes the highest committable offset per partition given
// out-of-order completion.
type offsetTracker struct {
	pending   map[partitionKey][]int64 // sorted
	committed map[partitionKey]int64   // next offset already committed
	resolved  map[partitionKey]int64   // highest resolved offset + 1
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		pending:   make(map[partitionKey][]int64),
		committed: make(map[partitionKey]int64),
		resolved:  make(map[partitionKey]int64),
	}
}

func (o *offsetTracker) track(topic string, partition int32, offset int64) {
	k := partitionKey{topic, partition}

	list := o.pending[k]
	i, found := slices.BinarySearch(list, offset)

	if !found {
		o.pending[k] = slices.Insert(list, i, offset)
	}
}

// done marks offset resolved and returns the next offset to commit, if it advanced.
func (o *offsetTracker) done(topic string, partition int32, offset int64) (int64, bool) {
	k := partitionKey{topic, partition}

	list := o.pending[k]
	if i, found := slices.BinarySearch(list, offset); found {
		list = slices.Delete(list, i, i+1)
		o.pending[k] = list
	}

	if offset+1 > o.resolved[k] {
		o.resolved[k] = offset + 1
	}

	next := o.resolved[k]
	if len(list) > 0 {
		next = min(next, list[0])
	}

	if next <= o.committed[k] {
		return 0, false
	}

	o.committed[k] = next

	return next, true
}
