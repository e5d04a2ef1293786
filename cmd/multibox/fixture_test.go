package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFixture = `
anchors:
  - [0, 0, 20, 20]
  - [60, 60, 80, 80]
images:
  - labels:
      - [1, 0, 0, 20, 20]
      - [-1, -1, -1, -1, -1]
    class_scores:
      - [0.2, 0.8]
      - [0.9, 0.1]
    confusion: [0.8, 0.1]
    probs: [[0.9], [0.1]]
    reg: [[0, 0, 0, 0], [0, 0, 0, 0]]
    height: 100
    width: 100
    scale_x: 2
    rois:
      - [0, 0, 10, 10]
`

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFixture(t *testing.T) {
	f, err := loadFixture(writeFixture(t, sampleFixture))
	require.NoError(t, err)
	require.Len(t, f.Anchors, 2)
	assert.Equal(t, float32(20), boxes(f.Anchors)[0].X2)

	tb, err := f.targetBatch(1)
	require.NoError(t, err)
	require.Len(t, tb.Labels, 1)
	assert.Len(t, tb.Labels[0], 1, "the sentinel row ends the labels")
	assert.Equal(t, []float32{0.2, 0.8, 0.9, 0.1}, tb.ClassScores[0])
	assert.Nil(t, tb.RPNWeight)

	db := f.detectionBatch()
	require.Len(t, db.Images, 1)
	assert.Equal(t, float32(1), db.Images[0].ScaleY, "missing scales default to 1")
	assert.Equal(t, float32(2), db.Images[0].ScaleX)
	assert.Len(t, db.Reg[0], 8)

	assert.Len(t, f.rois()[0], 1)
}

func TestLoadFixture_Errors(t *testing.T) {
	_, err := loadFixture(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = loadFixture(writeFixture(t, "anchors: ["))
	assert.Error(t, err)
	_, err = loadFixture(writeFixture(t, "{}"))
	assert.Error(t, err)

	f, err := loadFixture(writeFixture(t, sampleFixture))
	require.NoError(t, err)
	f.Images = append(f.Images, imageFixture{Labels: [][]float32{{3, 0, 0, 1, 1}}})
	_, err = f.targetBatch(1)
	assert.Error(t, err, "class 3 is out of range")
}
