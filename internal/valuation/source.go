package valuation

import (
	"math/rand"
	"sync"
	"time"
)

// Source supplies the randomness used by the natural simulation branch and by
// copy-trade symbol selection.
type Source interface {
	// Float64 returns a number in [0.0, 1.0).
	Float64() float64
	// Intn returns a number in [0, n).
	Intn(n int) int
}

type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandSource returns a goroutine-safe Source. A zero seed picks one from the clock.
func NewRandSource(seed int64) Source {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lockedSource{rnd: rand.New(rand.NewSource(seed))}
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

func (s *lockedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Intn(n)
}
