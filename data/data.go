// Package data merges weighted token datasets into one reproducible sample
// stream. Draws follow a deterministic sampling-debt policy rather than
// multinomial sampling so resumption is exact.
package data

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sample is one tokenized sequence drawn from the mix. Sources yield
// sequence length + 1 tokens; the executor trims inputs and labels.
type Sample struct {
	Dataset string
	Tokens  []int64
}

// SourceSpec locates one token file of a dataset. Weight is the document
// weight of the source within its dataset; zero means 1.
type SourceSpec struct {
	Path   string
	Weight float64
}

// SplitSpec partitions a dataset's record space into contiguous train,
// validation and test ranges, in integer percent summing to 100.
type SplitSpec struct {
	Train int
	Val   int
	Test  int
}

func (s SplitSpec) IsZero() bool {
	return s.Train == 0 && s.Val == 0 && s.Test == 0
}

func (s SplitSpec) withDefault() SplitSpec {
	if s.IsZero() {
		return SplitSpec{Train: 100}
	}
	return s
}

func (s SplitSpec) Validate() error {
	s = s.withDefault()
	if s.Train < 0 || s.Val < 0 || s.Test < 0 {
		return errors.Errorf("split fractions must be non-negative, got %d,%d,%d", s.Train, s.Val, s.Test)
	}
	if s.Train+s.Val+s.Test != 100 {
		return errors.Errorf("split fractions must sum to 100, got %d,%d,%d", s.Train, s.Val, s.Test)
	}
	return nil
}

// Range returns the record range of one role within a dataset of n records.
func (s SplitSpec) Range(role Role, n int64) (int64, int64) {
	s = s.withDefault()
	a := n * int64(s.Train) / 100
	b := a + n*int64(s.Val)/100
	switch role {
	case Train:
		return 0, a
	case Validation:
		return a, b
	default:
		return b, n
	}
}

// Role selects which split of the datasets a mixer draws from.
type Role int

const (
	Train Role = iota
	Validation
	Test
)

func (r Role) String() string {
	switch r {
	case Train:
		return "train"
	case Validation:
		return "val"
	default:
		return "test"
	}
}

// DatasetSpec declares one weighted dataset of the mix. A spec with
// sampling ratio 0 is validated but excluded from drawing.
type DatasetSpec struct {
	Name           string
	SamplingRatio  float64
	SequenceLength int
	Sources        []SourceSpec
	Split          SplitSpec
}

func (s DatasetSpec) Validate() error {
	if s.Name == "" {
		return errors.New("dataset name is empty")
	}
	if s.SamplingRatio < 0 {
		return errors.Errorf("dataset %s: sampling_ratio must be non-negative, got %v", s.Name, s.SamplingRatio)
	}
	if s.SequenceLength <= 0 {
		return errors.Errorf("dataset %s: sequence_length must be positive, got %d", s.Name, s.SequenceLength)
	}
	if len(s.Sources) == 0 {
		return errors.Errorf("dataset %s: no sources", s.Name)
	}
	for i, src := range s.Sources {
		if src.Path == "" {
			return errors.Errorf("dataset %s: source %d has no path", s.Name, i)
		}
		if src.Weight < 0 {
			return errors.Errorf("dataset %s: source %d: weight must be non-negative, got %v", s.Name, i, src.Weight)
		}
	}
	if err := s.Split.Validate(); err != nil {
		return errors.Wrapf(err, "dataset %s", s.Name)
	}
	return nil
}

// ResumeError reports a data source that cannot continue from its exact
// saved position. Restarting the source silently would corrupt the
// sampling-debt bookkeeping, so the run must stop.
type ResumeError struct {
	Source string
	Reason string
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("cannot resume source %s: %s", e.Source, e.Reason)
}
