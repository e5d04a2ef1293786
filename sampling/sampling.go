// Package sampling - Injectable uniform subset selection.
//
// Every place the assignment engines drop candidates at random goes through a
// Sampler, so a fixed seed (or the deterministic Prefix sampler) makes the
// selected samples reproducible.
package sampling

import (
	"math/rand/v2"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat/sampleuv"
)

// Sampler picks k distinct elements of candidates uniformly at random.
//
// Implementations return a new slice that keeps the relative order of the
// chosen candidates. When k >= len(candidates) every candidate is returned.
// When k <= 0 the result is empty.
type Sampler interface {
	Choose(candidates []int, k int) []int
}

// Uniform draws without replacement from a math/rand/v2 source. It is safe
// for concurrent use.
type Uniform struct {
	mu  sync.Mutex
	src rand.Source
}

// NewUniform returns a Sampler drawing from src. A nil src uses the global
// math/rand source.
func NewUniform(src rand.Source) *Uniform {
	return &Uniform{src: src}
}

// NewSeeded returns a reproducible Sampler seeded with seed.
func NewSeeded(seed uint64) *Uniform {
	return NewUniform(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Choose implements Sampler.
func (u *Uniform) Choose(candidates []int, k int) []int {
	if k <= 0 {
		return []int{}
	}
	if k >= len(candidates) {
		return append([]int(nil), candidates...)
	}
	pos := make([]int, k)
	u.mu.Lock()
	sampleuv.WithoutReplacement(pos, len(candidates), u.src)
	u.mu.Unlock()
	sort.Ints(pos)
	out := make([]int, k)
	for i, p := range pos {
		out[i] = candidates[p]
	}
	return out
}

// Prefix is a deterministic Sampler that keeps the first k candidates.
type Prefix struct{}

// Choose implements Sampler.
func (Prefix) Choose(candidates []int, k int) []int {
	if k <= 0 {
		return []int{}
	}
	if k > len(candidates) {
		k = len(candidates)
	}
	return append([]int(nil), candidates[:k]...)
}
