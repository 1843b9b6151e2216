package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoBlobs() [][]float32 {
	return [][]float32{
		{1, 0.05, 0},
		{0.95, 0.1, 0},
		{0, 1, 0.05},
		{1, 0, 0.02},
		{0.05, 0.98, 0},
		{0.1, 0.9, 0.1},
	}
}

func TestPartition_SeparatesBlobs(t *testing.T) {
	labels, err := Partition(NormalizeAll(twoBlobs()), 2, 42)
	require.NoError(t, err)
	require.Len(t, labels, 6)

	assert.Equal(t, []int{0, 0, 1, 0, 1, 1}, labels)
}

func TestPartition_Deterministic(t *testing.T) {
	vecs := NormalizeAll(twoBlobs())
	a, err := Partition(vecs, 3, 42)
	require.NoError(t, err)
	b, err := Partition(vecs, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPartition_Coverage(t *testing.T) {
	vecs := [][]float32{{1, 0}, {1, 0}, {1, 0}, {1, 0}, {0, 1}}
	for k := 1; k <= 6; k++ {
		labels, err := Partition(vecs, k, 7)
		require.NoError(t, err)
		require.Len(t, labels, len(vecs))

		want := k
		if want > len(vecs) {
			want = len(vecs)
		}
		for _, l := range labels {
			assert.GreaterOrEqual(t, l, 0)
			assert.Less(t, l, want)
		}
		assert.Equal(t, want, GroupCount(labels), "k=%d", k)
		assert.Equal(t, 0, labels[0])
	}
}

func TestPartition_Errors(t *testing.T) {
	_, err := Partition(nil, 2, 1)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = Partition([][]float32{{1}}, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = Partition([][]float32{{1}, {1, 2}}, 1, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestHierarchicalPartition_FindsBlobs(t *testing.T) {
	labels, err := HierarchicalPartition(twoBlobs(), 0.8, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 0, 1, 1}, labels)
}

func TestHierarchicalPartition_Fallback(t *testing.T) {
	// three mutually orthogonal vectors never reach the similarity floor below n groups
	vecs := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	labels, err := HierarchicalPartition(vecs, 0.9, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, GroupCount(labels))
}

func TestHierarchicalPartition_Single(t *testing.T) {
	labels, err := HierarchicalPartition([][]float32{{1, 2}}, 0.5, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, labels)
}
