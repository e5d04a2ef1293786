package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinSets(t *testing.T) {
	assert.Equal(t, 80, COCOClasses.NumClasses())
	assert.Equal(t, 20, PascalVOCClasses.NumClasses())

	name, err := COCOClasses.GetName(1)
	require.NoError(t, err)
	assert.Equal(t, "person", name)

	name, err = PascalVOCClasses.GetName(0)
	require.NoError(t, err)
	assert.Equal(t, Background, name)

	idx, err := PascalVOCClasses.GetIndex("tvmonitor")
	require.NoError(t, err)
	assert.Equal(t, 20, idx)

	_, err = COCOClasses.GetName(81)
	assert.Error(t, err)
	_, err = COCOClasses.GetIndex("unicorn")
	assert.Error(t, err)
}

func TestParseClassSet(t *testing.T) {
	s, err := ParseClassSet("VOC")
	require.NoError(t, err)
	assert.Same(t, PascalVOCClasses, s)

	s, err = ParseClassSet("face, plate")
	require.NoError(t, err)
	assert.Equal(t, 2, s.NumClasses())
	idx, err := s.GetIndex("plate")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestNewClassSet_Errors(t *testing.T) {
	tests := []struct {
		name  string
		names []string
	}{
		{"empty", nil},
		{"blank name", []string{"a", ""}},
		{"duplicate", []string{"a", "a"}},
		{"background", []string{Background}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClassSet("x", tt.names...)
			assert.Error(t, err)
		})
	}
	_, err := ParseClassSet("a,,b")
	assert.Error(t, err)
}
