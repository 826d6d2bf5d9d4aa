package opt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlweave/loom/opt"
)

func TestScheduleWarmupDecayRoundTrip(t *testing.T) {
	s := opt.Schedule{Peak: 3e-4, Warmup: 2000, Decay: 23000, Style: opt.CosineDecay, Factor: 0}
	require.NoError(t, s.Validate())

	assert.Zero(t, s.At(0))
	assert.InDelta(t, 3e-4, s.At(2000), 1e-12)
	assert.InDelta(t, 0, s.At(25000), 1e-9)
	assert.Zero(t, s.At(100000)) // holds at the floor

	for step := 1; step <= 2000; step++ {
		assert.GreaterOrEqual(t, s.At(step), s.At(step-1), "step %d", step)
	}
	for step := 2001; step <= 25000; step++ {
		assert.LessOrEqual(t, s.At(step), s.At(step-1), "step %d", step)
	}
}

func TestScheduleConstantPhase(t *testing.T) {
	s := opt.Schedule{Peak: 1, Warmup: 10, Constant: 5, Decay: 10, Style: opt.LinearDecay, Factor: 0.1}
	require.NoError(t, s.Validate())

	for step := 10; step < 15; step++ {
		assert.Equal(t, 1.0, s.At(step))
	}
	assert.Equal(t, 1.0, s.At(15))
	assert.InDelta(t, 0.55, s.At(20), 1e-12)
	assert.InDelta(t, 0.1, s.At(25), 1e-12)
	assert.InDelta(t, 0.1, s.At(26), 1e-12)
}

func TestScheduleExponential(t *testing.T) {
	s := opt.Schedule{Peak: 1, Decay: 10, Style: opt.ExponentialDecay, Factor: 0.1}
	require.NoError(t, s.Validate())

	assert.Equal(t, 1.0, s.At(0))
	assert.InDelta(t, 0.31622776, s.At(5), 1e-6)
	assert.InDelta(t, 0.1, s.At(10), 1e-12)
}

func TestScheduleWithoutDecayHoldsPeak(t *testing.T) {
	s := opt.Schedule{Peak: 2e-4, Warmup: 5, Style: opt.CosineDecay}
	require.NoError(t, s.Validate())
	assert.Equal(t, 2e-4, s.At(5))
	assert.Equal(t, 2e-4, s.At(500000))
}

func TestScheduleValidate(t *testing.T) {
	cases := []struct {
		name string
		s    opt.Schedule
	}{
		{"zero peak", opt.Schedule{Style: opt.CosineDecay}},
		{"negative warmup", opt.Schedule{Peak: 1, Warmup: -1, Style: opt.CosineDecay}},
		{"factor above one", opt.Schedule{Peak: 1, Style: opt.CosineDecay, Factor: 1.5}},
		{"unknown style", opt.Schedule{Peak: 1, Style: "staircase"}},
		{"exponential no floor", opt.Schedule{Peak: 1, Style: opt.ExponentialDecay, Factor: 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Error(t, c.s.Validate())
		})
	}

	ok := opt.Schedule{Peak: 1, Style: opt.LinearDecay, Factor: 0}
	assert.NoError(t, ok.Validate())
}
