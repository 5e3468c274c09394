package tsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toSlice(list partitionList) []partition {
	out := make([]partition, 0, list.size())
	iterator := list.newIterator()
	for iterator.next() {
		out = append(out, iterator.value())
	}
	return out
}

func Test_partitionList_insert(t *testing.T) {
	list := newPartitionList()
	first := &fakePartition{minT: 1}
	second := &fakePartition{minT: 2}
	list.insert(first)
	list.insert(second)

	// The most recent insertion becomes the head.
	assert.Equal(t, 2, list.size())
	assert.Equal(t, partition(second), list.getHead())
	assert.Equal(t, []partition{second, first}, toSlice(list))
}

func Test_partitionList_pushBack(t *testing.T) {
	list := newPartitionList()
	newer := &fakePartition{minT: 2}
	older := &fakePartition{minT: 1}
	list.pushBack(newer)
	list.pushBack(older)

	assert.Equal(t, partition(newer), list.getHead())
	assert.Equal(t, []partition{newer, older}, toSlice(list))
}

func Test_partitionList_remove(t *testing.T) {
	tests := []struct {
		name   string
		target int // index into the list, head first
		want   []int64
	}{
		{name: "remove the head", target: 0, want: []int64{2, 1}},
		{name: "remove the middle", target: 1, want: []int64{3, 1}},
		{name: "remove the tail", target: 2, want: []int64{3, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := newPartitionList()
			parts := []partition{
				&fakePartition{minT: 1},
				&fakePartition{minT: 2},
				&fakePartition{minT: 3},
			}
			for _, p := range parts {
				list.insert(p)
			}
			require.NoError(t, list.remove(toSlice(list)[tt.target]))

			got := make([]int64, 0)
			for _, p := range toSlice(list) {
				got = append(got, p.minTimestamp())
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 2, list.size())
		})
	}
}

func Test_partitionList_remove_not_found(t *testing.T) {
	list := newPartitionList()
	list.insert(&fakePartition{minT: 1})
	err := list.remove(&fakePartition{minT: 1})
	assert.Error(t, err)
}

func Test_partitionList_remove_tail_keeps_pushBack_working(t *testing.T) {
	list := newPartitionList()
	head := &fakePartition{minT: 2}
	tail := &fakePartition{minT: 1}
	list.insert(tail)
	list.insert(head)

	require.NoError(t, list.remove(tail))
	replacement := &fakePartition{minT: 0}
	list.pushBack(replacement)
	assert.Equal(t, []partition{head, replacement}, toSlice(list))
}

func Test_partitionList_swap(t *testing.T) {
	list := newPartitionList()
	old := &fakePartition{minT: 2}
	list.insert(&fakePartition{minT: 1})
	list.insert(old)
	list.insert(&fakePartition{minT: 3})

	newer := &fakePartition{minT: 2, numPoints: 100}
	require.NoError(t, list.swap(old, newer))

	parts := toSlice(list)
	require.Len(t, parts, 3)
	assert.Equal(t, partition(newer), parts[1])
}

func Test_partitionList_swap_not_found(t *testing.T) {
	list := newPartitionList()
	list.insert(&fakePartition{minT: 1})
	err := list.swap(&fakePartition{minT: 1}, &fakePartition{minT: 2})
	assert.Error(t, err)
}

func Test_partitionList_iterator_on_empty(t *testing.T) {
	list := newPartitionList()
	iterator := list.newIterator()
	assert.False(t, iterator.next())
	assert.Nil(t, iterator.value())
}
