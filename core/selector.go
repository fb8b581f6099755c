package core

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// SelectReward walks pool in order accumulating probabilities and returns the
// first available slot whose cumulative bound exceeds r (r in [0,100)).
// Exhausted slots are skipped and the walk continues with the same r, so their
// probability mass falls through to later slots. When the draw lands in an
// exhausted window with no available slot after it, the walk wraps to the
// first available slot from the head of the list. Slots with zero
// probability are never selected. ok is false when r lies beyond the
// configured mass or every slot is exhausted.
func SelectReward(pool []RewardSlot, r float64) (slot RewardSlot, ok bool) {
	var cumulative float64
	landed := false
	for _, s := range pool {
		cumulative += s.Probability
		if r < cumulative {
			landed = true
			if selectable(s) {
				return s, true
			}
		}
	}
	if !landed {
		return RewardSlot{}, false
	}
	for _, s := range pool {
		if selectable(s) {
			return s, true
		}
	}
	return RewardSlot{}, false
}

func selectable(s RewardSlot) bool {
	return s.Probability > 0 && s.Available()
}

// RandomSource yields uniform values in [0,1).
type RandomSource interface {
	Float64() float64
}

// Draw scales a value from src to the percentage range [0,100).
func Draw(src RandomSource) float64 {
	return src.Float64() * 100
}

// lockedSource makes a *rand.Rand safe for concurrent plays.
type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

// NewRandomSource returns a goroutine-safe PCG source seeded from crypto/rand.
func NewRandomSource() RandomSource {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		seed = [16]byte{}
	}
	return &lockedSource{rng: rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(seed[:8]),
		binary.BigEndian.Uint64(seed[8:]),
	))}
}

// NewSeededSource returns a reproducible source, mainly for tests and simulations.
func NewSeededSource(seed uint64) RandomSource {
	return &lockedSource{rng: rand.New(rand.NewPCG(seed, 0))}
}

// FixedSource always returns the same value; useful to pin a draw.
type FixedSource float64

func (f FixedSource) Float64() float64 { return float64(f) }
