// Package logits turns a model's vocabulary logits into token choices.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures the behaviour of a Sampler. A Temperature of zero
// or below selects greedy decoding; TopK of zero or below disables the
// shortlist and samples the full distribution; TopP defaults to 1.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
}

// Sampler draws token ids from logits vectors. It owns a seeded random source,
// so a sampler is deterministic for a given seed and must not be shared across
// concurrent generations.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single index from the provided logits vector:
//
//  1. Greedy configurations return the argmax directly.
//  2. Otherwise the logits are scaled by the inverse temperature. With no
//     top-k limit and no nucleus cutoff the softmax covers the whole
//     distribution and an index is drawn from it directly; otherwise the
//     indices of the top k values are shortlisted.
//  3. A softmax over the shortlist is computed with a max subtraction for
//     numerical stability.
//  4. If TopP<1, the shortlist is truncated when the cumulative probability
//     reaches TopP.
//  5. A random value drawn from [0,1) selects an index from the truncated
//     distribution.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := s.cfg.TopK
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}
	if k == len(logits) && s.cfg.TopP >= 1 {
		return s.sampleAll(logits, invTemp)
	}

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	maxv := topVal[0]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// sampleAll draws from the softmax of the whole logits vector without
// sorting; linear in the vocabulary size.
func (s *Sampler) sampleAll(logits []float32, invTemp float32) int {
	if len(logits) == 0 {
		return 0
	}
	if cap(s.prob) < len(logits) {
		s.prob = make([]float64, len(logits))
	}
	prob := s.prob[:len(logits)]

	maxv := logits[argmax(logits)] * invTemp
	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l*invTemp - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return argmax(logits)
	}

	r := s.rng.Float64() * sum
	var c float64
	for i, p := range prob {
		c += p
		if r <= c {
			return i
		}
	}
	return len(logits) - 1
}

// argmax returns the index of the maximum value in the slice. If the slice is
// empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp, ordered from largest to smallest. O(V*K), fine for
// small k.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
