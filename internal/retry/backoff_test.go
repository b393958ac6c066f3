package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential_Delay(t *testing.T) {
	p := NewExponential(5*time.Minute, time.Hour, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, time.Hour},
		{50, time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_JitterBounds(t *testing.T) {
	p := NewExponential(5*time.Minute, 6*time.Hour, 0.2)

	for attempt := 1; attempt <= 8; attempt++ {
		base := NewExponential(5*time.Minute, 6*time.Hour, 0).Delay(attempt)
		for range 200 {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+time.Duration(float64(base)*0.2))
		}
	}
}

func TestExponential_JitterSpreads(t *testing.T) {
	values := []float64{0, 0.5, 0.99}
	i := 0
	p := NewExponential(time.Minute, time.Hour, 0.5)
	p.rand = func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}

	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, time.Minute+15*time.Second, p.Delay(1))
	assert.Greater(t, p.Delay(1), time.Minute+29*time.Second)
}

func TestDefaultPolicy_FirstRetryAtLeastFiveMinutes(t *testing.T) {
	for range 100 {
		assert.GreaterOrEqual(t, DefaultPolicy().Delay(1), 5*time.Minute)
	}
}
