package ports

import "math/rand/v2"

// RNG abstracts every random draw the state machine makes: station
// count, call selection, per-station delay, the P2P coin-flip, and
// per-QSO WPM/tone. Routing all non-determinism through one injected
// collaborator keeps the state machine a pure function of
// (state, context, pool, seed) for tests.
type RNG interface {
	// IntN returns a pseudo-random number in [0, n).
	IntN(n int) int
	// Float64 returns a pseudo-random number in [0.0, 1.0).
	Float64() float64
}

// MathRNG implements RNG on top of math/rand/v2.Rand.
type MathRNG struct {
	r *rand.Rand
}

// NewMathRNG creates a seeded RNG. Same seed, same sequence -
// deterministic test construction.
func NewMathRNG(seed uint64) *MathRNG {
	return &MathRNG{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (m *MathRNG) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	return m.r.IntN(n)
}

func (m *MathRNG) Float64() float64 {
	return m.r.Float64()
}

// Bernoulli reports true with probability p (0..1), using rng.Float64.
func Bernoulli(rng RNG, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rng.Float64() < p
}
