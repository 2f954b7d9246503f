package testutil

import (
	"math"
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Float64 returns, as a float64, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Fill fills b with pseudo-random bytes.
// Locks only once per call (preferred over calling Uint64 in a loop).
func (r *RNG) Fill(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range b {
		b[i] = byte(r.rand.Intn(256))
	}
}

// Sizes generates n allocation sizes log-uniformly distributed in
// [minSize, maxSize]. Log-uniform matches how programs allocate: most
// requests are small, with a long tail of large ones.
func (r *RNG) Sizes(n int, minSize, maxSize uintptr) []uintptr {
	if minSize == 0 {
		minSize = 1
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	lo := math.Log(float64(minSize))
	hi := math.Log(float64(maxSize))
	sizes := make([]uintptr, n)
	for i := range sizes {
		sizes[i] = uintptr(math.Exp(lo + r.rand.Float64()*(hi-lo)))
		if sizes[i] < minSize {
			sizes[i] = minSize
		}
		if sizes[i] > maxSize {
			sizes[i] = maxSize
		}
	}
	return sizes
}

// ZipfSizes generates n allocation sizes of the form k*unit with k Zipfian
// in [1, buckets]. Uses Zipf's law: P(k) ∝ 1/k^s where s is the skew
// parameter; s=1.0 gives standard Zipf, s=1.5 gives heavy-tail (80/20
// rule). This is how real-world allocation sizes are distributed (power
// law): a handful of small sizes dominates, large requests are rare.
func (r *RNG) ZipfSizes(n, buckets int, unit uintptr, s float64) []uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()

	sizes := make([]uintptr, n)
	for i := range sizes {
		sizes[i] = uintptr(r.zipfLocked(buckets, s)+1) * unit
	}
	return sizes
}

// zipfLocked returns a Zipfian-distributed value in [0, n) by inverse
// transform over the truncated harmonic series (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}

	return n - 1
}
