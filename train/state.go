// Package train drives the optimization loop: per-step loss computation,
// topology-consistent gradient reduction, the collective skip decision and
// the sharded parameter update, plus the outer trainer that feeds it.
package train

import (
	"fmt"

	"github.com/mlweave/loom/data"
)

// TrainingState is the logical, rank-independent progress of a run. All
// ranks hold the same value after every step; persisting it alongside the
// optimizer shards is enough to resume with an identical sample sequence.
type TrainingState struct {
	GlobalStep int             `json:"global_step"`
	Mixer      data.MixerState `json:"mixer"`
}

// InstabilityError reports a step whose update was skipped because some rank
// saw a non-finite loss or gradient. The skip is collective, so the run
// continues with every rank still in agreement.
type InstabilityError struct {
	Step int
	Rank int
}

func (e *InstabilityError) Error() string {
	return fmt.Sprintf("step %d skipped on rank %d: non-finite loss or gradient in the window", e.Step, e.Rank)
}
