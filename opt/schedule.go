package opt

import (
	"math"

	"github.com/pkg/errors"
)

// DecayStyle selects the shape of the decay phase.
type DecayStyle string

const (
	CosineDecay      DecayStyle = "cosine"
	LinearDecay      DecayStyle = "linear"
	ExponentialDecay DecayStyle = "exponential"
)

// Schedule maps a global step to a learning rate, as a pure function so
// resume needs no schedule state beyond the step itself. Phases are
// contiguous: linear warmup from 0 to Peak, an optional constant stretch,
// a decay down to Factor*Peak, then the floor forever.
type Schedule struct {
	Peak     float64
	Warmup   int
	Constant int
	Decay    int
	Style    DecayStyle
	Factor   float64 // floor learning rate as a fraction of Peak
}

func (s Schedule) Validate() error {
	if s.Peak <= 0 {
		return errors.Errorf("peak learning rate must be positive, got %v", s.Peak)
	}
	if s.Warmup < 0 || s.Constant < 0 || s.Decay < 0 {
		return errors.Errorf("phase lengths must be non-negative, got warmup=%d constant=%d decay=%d",
			s.Warmup, s.Constant, s.Decay)
	}
	if s.Factor < 0 || s.Factor > 1 {
		return errors.Errorf("decay factor must be in [0, 1], got %v", s.Factor)
	}
	switch s.Style {
	case CosineDecay, LinearDecay:
	case ExponentialDecay:
		if s.Factor == 0 {
			return errors.Errorf("exponential decay needs a positive decay factor")
		}
	default:
		return errors.Errorf("unknown decay style %q", s.Style)
	}
	return nil
}

// At returns the learning rate of one global step.
func (s Schedule) At(step int) float64 {
	if step < s.Warmup {
		return s.Peak * float64(step) / float64(s.Warmup)
	}
	step -= s.Warmup
	if step < s.Constant {
		return s.Peak
	}
	step -= s.Constant
	if s.Decay == 0 {
		return s.Peak
	}
	floor := s.Factor * s.Peak
	if step >= s.Decay {
		return floor
	}
	p := float64(step) / float64(s.Decay)
	switch s.Style {
	case LinearDecay:
		return floor + (s.Peak-floor)*(1-p)
	case ExponentialDecay:
		return s.Peak * math.Pow(s.Factor, p)
	default:
		return floor + (s.Peak-floor)*0.5*(1+math.Cos(math.Pi*p))
	}
}
