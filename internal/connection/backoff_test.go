package connection_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/searchlight/searchlight/internal/connection"
)

func TestBackoff_DoublesWithoutJitter(t *testing.T) {
	b := connection.NewBackoff(time.Second, 30*time.Second, 0, nil)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "step %d", i)
	}
}

func TestBackoff_Bound(t *testing.T) {
	samplers := map[string]func() float64{
		"zero":   func() float64 { return 0 },
		"max":    func() float64 { return 0.999999 },
		"random": rand.New(rand.NewPCG(1, 2)).Float64,
		"saw": func() func() float64 {
			i := 0
			return func() float64 {
				i++
				if i%2 == 0 {
					return 0.99
				}
				return 0
			}
		}(),
	}

	for name, sample := range samplers {
		t.Run(name, func(t *testing.T) {
			maxDelay := 30 * time.Second
			b := connection.NewBackoff(time.Second, maxDelay, 0.2, sample)

			prev := time.Duration(0)
			for i := 0; i < 200; i++ {
				d := b.Next()
				assert.GreaterOrEqual(t, d, prev, "step %d decreased", i)
				assert.LessOrEqual(t, d, maxDelay, "step %d above max", i)
				assert.GreaterOrEqual(t, d, time.Second)
				prev = d
			}
			assert.Equal(t, maxDelay, prev)
		})
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := connection.NewBackoff(time.Second, 10*time.Second, 0, nil)
	b.Next()
	b.Next()

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_MaxBelowBase(t *testing.T) {
	b := connection.NewBackoff(5*time.Second, time.Second, 0.5, func() float64 { return 0.5 })
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
}
