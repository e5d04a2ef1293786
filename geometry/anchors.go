package geometry

import (
	"github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// DefaultAnchorOverlap is the default frame overlap at or below which an
// anchor is treated as out of bounds.
const DefaultAnchorOverlap float32 = 0.6

// AnchorSet is the immutable anchor list shared by every image of a batch.
//
// The geometry that every forward pass needs (areas, a struct-of-arrays copy of
// the coordinates, the out-of-bounds mask and a spatial index) is computed once
// by NewAnchorSet. An AnchorSet is safe for concurrent use.
type AnchorSet struct {
	boxes []Box
	// Transposed layout, one slice per coordinate.
	x1, y1, x2, y2 []float32
	area           []float32
	oob            []bool
	frame          Box
	index          *flatbush.Flatbush[float64]
}

// NewAnchorSet precomputes the cached layout for anchors.
//
// Arguments:
//   - anchors: The anchor boxes, in network output order.
//   - frame: The full image frame, usually Frame(width, height).
//   - thOverlap: Anchors whose OverlapFraction with frame is <= thOverlap are
//     marked out of bounds.
//
// Returns:
//   - *AnchorSet: The prepared anchor set.
//   - error: If anchors is empty or thOverlap is outside [0, 1].
func NewAnchorSet(anchors []Box, frame Box, thOverlap float32) (*AnchorSet, error) {
	if len(anchors) == 0 {
		return nil, errors.New("anchor set is empty")
	}
	if thOverlap < 0 || thOverlap > 1 {
		return nil, errors.Errorf("anchor overlap threshold %v outside [0, 1]", thOverlap)
	}

	n := len(anchors)
	s := &AnchorSet{
		boxes: make([]Box, n),
		x1:    make([]float32, n),
		y1:    make([]float32, n),
		x2:    make([]float32, n),
		y2:    make([]float32, n),
		area:  make([]float32, n),
		oob:   make([]bool, n),
		frame: frame,
	}
	copy(s.boxes, anchors)

	s.index = flatbush.NewFlatbush[float64]()
	s.index.Reserve(n)
	for i, a := range anchors {
		s.x1[i], s.y1[i], s.x2[i], s.y2[i] = a.X1, a.Y1, a.X2, a.Y2
		s.area[i] = a.Area()
		s.oob[i] = OverlapFraction(a, frame) <= thOverlap
		// The index needs well-formed extents even for malformed anchors.
		nb := a.Normalize()
		s.index.Add(float64(nb.X1), float64(nb.Y1), float64(nb.X2), float64(nb.Y2))
	}
	s.index.Finish()

	return s, nil
}

// Len returns the number of anchors.
func (s *AnchorSet) Len() int {
	return len(s.boxes)
}

// At returns anchor i.
func (s *AnchorSet) At(i int) Box {
	return s.boxes[i]
}

// Boxes returns a copy of the anchor list.
func (s *AnchorSet) Boxes() []Box {
	out := make([]Box, len(s.boxes))
	copy(out, s.boxes)
	return out
}

// Frame returns the image frame the out-of-bounds mask was computed against.
func (s *AnchorSet) Frame() Box {
	return s.frame
}

// Area returns the cached area of anchor i.
func (s *AnchorSet) Area(i int) float32 {
	return s.area[i]
}

// OutOfBounds reports whether anchor i lies mostly outside the frame.
func (s *AnchorSet) OutOfBounds(i int) bool {
	return s.oob[i]
}

// NumOutOfBounds counts the out-of-bounds anchors.
func (s *AnchorSet) NumOutOfBounds() int {
	n := 0
	for _, o := range s.oob {
		if o {
			n++
		}
	}
	return n
}

// IoUAll computes the IoU of box against every anchor.
//
// dst is reused when it has enough capacity. The result has Len() entries.
func (s *AnchorSet) IoUAll(box Box, dst []float32) []float32 {
	n := len(s.boxes)
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	areaBox := box.Area()
	for i := 0; i < n; i++ {
		iw := math32.Min(box.X2, s.x2[i]) - math32.Max(box.X1, s.x1[i])
		ih := math32.Min(box.Y2, s.y2[i]) - math32.Max(box.Y1, s.y1[i])
		inter := math32.Max(iw, 0) * math32.Max(ih, 0)
		dst[i] = inter / math32.Max(areaBox+s.area[i]-inter, IoUEpsilon)
	}
	return dst
}

// Neighbors appends to dst the indices of every anchor whose IoU with anchor i
// exceeds th, anchor i included. Candidates come from the spatial index and are
// filtered by exact IoU, so the result matches a brute force scan.
func (s *AnchorSet) Neighbors(i int, th float32, dst []int) []int {
	a := s.boxes[i].Normalize()
	cands := s.index.Search(float64(a.X1), float64(a.Y1), float64(a.X2), float64(a.Y2))
	for _, j := range cands {
		if IoU(s.boxes[i], s.boxes[j]) > th {
			dst = append(dst, j)
		}
	}
	return dst
}
