// Package xrand wraps math/rand behind the small, deterministic
// uniform-generator contract the client driver needs: given a seed,
// every run produces the exact same sequence of ids, which is what
// lets the benchmark's end-to-end scenarios claim to be deterministic
// (SPEC_FULL.md's --seed flag).
package xrand

import "math/rand"

// Source is a per-client deterministic generator. It is not
// safe for concurrent use — each client owns exactly one, matching
// "thread-private, no synchronisation" in the concurrency model.
type Source struct {
	r *rand.Rand
}

// New returns a Source seeded deterministically from seed and an
// integer stream index, so that distinct clients derived from the
// same top-level seed still produce distinct, reproducible streams.
func New(seed int64, stream int64) *Source {
	return &Source{r: rand.New(rand.NewSource(seed ^ int64(uint64(stream)*0x9E3779B97F4A7C15+1)))}
}

// Intn returns a non-negative pseudo-random number in [0, n).
func (s *Source) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return s.r.Intn(n)
}

// Int63n returns a non-negative pseudo-random number in [0, n) as an
// int64, for indexing into the wider id domains (relations, up to
// 2^26 transactions' worth of ids).
func (s *Source) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return s.r.Int63n(n)
}
