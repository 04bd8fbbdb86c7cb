// Package xoshiro256 implements the xoshiro256** pseudo-random generator
// (Blackman & Vigna, public domain algorithm), seeded via SplitMix64.
// Grounded on the teacher's cmn/xoshiro256 package, which the distribution
// engine (round-robin and single-server kinds) uses to pick each
// Distribution's start-index at `new` time (spec §4.3): a uniform,
// seedable RNG rather than a process-global math/rand source, so that
// picking the same seed (e.g. derived from namespace+name) reproduces the
// same start index across client processes.
/*
 * no-copyright, public-domain algorithm
 */
package xoshiro256

type State [4]uint64

func rotl(x uint64, k uint) uint64 { return (x << k) | (x >> (64 - k)) }

// splitmix64 expands a single 64-bit seed into the 4-word xoshiro256 state.
func splitmix64(seed uint64) uint64 {
	seed += 0x9E3779B97F4A7C15
	z := seed
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// New seeds a xoshiro256** state from a single 64-bit value.
func New(seed uint64) *State {
	var s State
	x := seed
	for i := range s {
		x = splitmix64(x)
		s[i] = x
	}
	return &s
}

// Next advances the generator and returns the next pseudo-random value.
func (s *State) Next() uint64 {
	result := rotl(s[1]*5, 7) * 9

	t := s[1] << 17
	s[2] ^= s[0]
	s[3] ^= s[1]
	s[1] ^= s[2]
	s[0] ^= s[3]
	s[2] ^= t
	s[3] = rotl(s[3], 45)

	return result
}

// Hash is a convenience one-shot: seed, draw one value. Used wherever a
// single deterministic pseudo-random uint64 is needed from a single input
// (e.g. a Distribution's start-index seed) without keeping state around.
func Hash(seed uint64) uint64 { return New(seed).Next() }
