// Package models - Class name sets for the class ids produced by the engines.
package models

import (
	"strings"

	"github.com/pkg/errors"
)

// Background is the name of class id 0.
const Background = "__background__"

// ClassSet maps foreground class ids 1..K to names. Id 0 is background.
type ClassSet struct {
	// Style identifies the set, e.g. "coco".
	Style string
	names []string
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// NewClassSet builds a set from the foreground names in id order.
//
// Arguments:
//   - style: The set identifier.
//   - names: The names of classes 1..K.
//
// Returns:
//   - *ClassSet: The class set.
//   - error: If a name is empty, duplicated or reserved for background.
func NewClassSet(style string, names ...string) (*ClassSet, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("class set %q is empty", style)
	}
	s := &ClassSet{
		Style:     style,
		names:     append([]string{Background}, names...),
		nameToIdx: make(map[string]int, len(names)+1),
	}
	s.nameToIdx[Background] = 0
	for i, n := range names {
		if n == "" || n == Background {
			return nil, errors.Errorf("class set %q: invalid name %q at id %d", style, n, i+1)
		}
		if _, dup := s.nameToIdx[n]; dup {
			return nil, errors.Errorf("class set %q: duplicate name %q", style, n)
		}
		s.nameToIdx[n] = i + 1
	}
	return s, nil
}

// ParseClassSet resolves a registered style name, or builds an ad hoc set
// from a comma separated name list.
func ParseClassSet(value string) (*ClassSet, error) {
	if s, ok := registry[strings.ToLower(value)]; ok {
		return s, nil
	}
	names := strings.Split(value, ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	return NewClassSet("custom", names...)
}

// NumClasses is the number of foreground classes K.
func (s *ClassSet) NumClasses() int {
	return len(s.names) - 1
}

// GetName returns the class name for an id in 0..K.
func (s *ClassSet) GetName(id int) (string, error) {
	if id < 0 || id >= len(s.names) {
		return "", errors.Errorf("id %d out of range for class set %q", id, s.Style)
	}
	return s.names[id], nil
}

// GetIndex returns the class id for a name.
func (s *ClassSet) GetIndex(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in class set %q", name, s.Style)
	}
	return idx, nil
}

func mustClassSet(style string, names ...string) *ClassSet {
	s, err := NewClassSet(style, names...)
	if err != nil {
		panic(err)
	}
	return s
}

// COCOClasses are the 80 COCO classes.
var COCOClasses = mustClassSet("coco",
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
)

// PascalVOCClasses are the 20 Pascal VOC classes.
var PascalVOCClasses = mustClassSet("voc",
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
)

var registry = map[string]*ClassSet{
	COCOClasses.Style:      COCOClasses,
	PascalVOCClasses.Style: PascalVOCClasses,
}
