package mining

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-multibox/geometry"
)

func fixture(t *testing.T) *geometry.AnchorSet {
	t.Helper()
	anchors := []geometry.Box{
		{X1: 0, Y1: 0, X2: 20, Y2: 20},
		{X1: 1, Y1: 0, X2: 21, Y2: 20}, // IoU ~0.905 with anchor 0
		{X1: 50, Y1: 50, X2: 70, Y2: 70},
		{X1: 90, Y1: 90, X2: 130, Y2: 130}, // out of bounds
		{X1: 30, Y1: 0, X2: 50, Y2: 20},
	}
	set, err := geometry.NewAnchorSet(anchors, geometry.Frame(100, 100), 0.6)
	require.NoError(t, err)
	require.True(t, set.OutOfBounds(3))
	return set
}

var (
	confusion = []float32{0.9, 0.95, 0.5, 0.99, 0.7}
	bestIoU   = []float32{0, 0, 0, 0, 0.5}
)

func anchorsOf(cands []Candidate) []int {
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.Anchor
	}
	return out
}

func TestNewMiner_Validation(t *testing.T) {
	set := fixture(t)
	_, err := NewMiner(nil, 0.3, 0.5)
	assert.Error(t, err)
	_, err = NewMiner(set, 1.5, 0.5)
	assert.Error(t, err)
	_, err = NewMiner(set, 0.3, 0)
	assert.Error(t, err)
}

func TestMine(t *testing.T) {
	set := fixture(t)

	tests := []struct {
		name  string
		thNMS float32
		n     int
		want  []int
	}{
		{"suppresses overlapping negatives", 0.5, 10, []int{1, 2}},
		{"no suppression at one", 1, 10, []int{1, 0, 2}},
		{"stops at n", 0.5, 1, []int{1}},
		{"zero requested", 0.5, 0, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMiner(set, 1.0/3.0, tt.thNMS)
			require.NoError(t, err)
			got := m.Mine(2, confusion, bestIoU, tt.n)
			assert.Equal(t, tt.want, anchorsOf(got))
			for _, c := range got {
				assert.Equal(t, 2, c.Batch)
				assert.Equal(t, confusion[c.Anchor], c.Score)
			}
		})
	}
}

func TestMine_NeverSelectsExcludedAnchors(t *testing.T) {
	set := fixture(t)
	m, err := NewMiner(set, 1.0/3.0, 1)
	require.NoError(t, err)

	for _, c := range m.Mine(0, confusion, bestIoU, 100) {
		assert.False(t, set.OutOfBounds(c.Anchor), "anchor %d is out of bounds", c.Anchor)
		assert.LessOrEqual(t, bestIoU[c.Anchor], float32(1.0/3.0))
	}
}

func TestMine_ShortInputs(t *testing.T) {
	m, err := NewMiner(fixture(t), 0.3, 0.5)
	require.NoError(t, err)
	assert.Empty(t, m.Mine(0, confusion[:2], bestIoU, 3))
}

func TestMine_ConcurrentImagesShareCache(t *testing.T) {
	m, err := NewMiner(fixture(t), 1.0/3.0, 0.5)
	require.NoError(t, err)

	results := make([][]int, 8)
	var wg sync.WaitGroup
	for b := range results {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			results[b] = anchorsOf(m.Mine(b, confusion, bestIoU, 10))
		}(b)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []int{1, 2}, r)
	}
	assert.Equal(t, 2, m.cache.Len())
}

func TestCapBatch(t *testing.T) {
	cands := []Candidate{
		{Batch: 0, Anchor: 1, Score: 0.4},
		{Batch: 0, Anchor: 2, Score: 0.9},
		{Batch: 1, Anchor: 1, Score: 0.9},
		{Batch: 1, Anchor: 5, Score: 0.1},
	}

	got := CapBatch(cands, 3)
	assert.Equal(t, []Candidate{cands[1], cands[2], cands[0]}, got)
	assert.Equal(t, float32(0.4), cands[0].Score, "input is not reordered")

	assert.Empty(t, CapBatch(cands, 0))
	assert.Empty(t, CapBatch(cands, -1))
	assert.Len(t, CapBatch(cands, 10), 4)
}
