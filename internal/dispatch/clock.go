package dispatch

import (
	"math/rand"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Random yields a uniform integer in [0, n).
type Random interface {
	Intn(n int) int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type systemRandom struct{}

func (systemRandom) Intn(n int) int { return rand.Intn(n) }
