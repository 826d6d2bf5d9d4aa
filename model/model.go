// Package model declares the contract between the trainer and the model:
// pipeline stages exposing forward/backward over flat parameter tensors.
// It also carries a small reference language model used by tests and demo
// runs; real kernels live behind the same interface.
package model

import (
	"github.com/mlweave/loom/base"
)

// Batch is one microbatch of token sequences, B rows of T tokens.
type Batch struct {
	Inputs *base.Vector // B*T token ids (i64)
	Labels *base.Vector // B*T next-token ids (i64)
	B, T   int
}

// Param is one logical parameter tensor of a stage. Data holds the working
// precision copy the forward pass reads; Grad accumulates in f32 across an
// accumulation window regardless of the working dtype.
type Param struct {
	Name    string
	Data    *base.Vector
	Grad    *base.Vector
	TPShard bool // split across the tensor axis rather than replicated
}

// Count returns the number of elements of the tensor.
func (p *Param) Count() int { return p.Data.Count }

// Stage is the slice of the model owned by one pipeline rank. Forward and
// Backward are keyed by microbatch index so several microbatches can be in
// flight at once; Drop releases the saved context of a microbatch whose
// backward will never run. Backward returns the gradient with respect to the
// stage input, or nil from the first stage whose input is not differentiable.
type Stage interface {
	Params() []*Param
	Forward(mb int, in *base.Vector) (*base.Vector, error)
	Backward(mb int, gradOut *base.Vector) (*base.Vector, error)
	Drop(mb int)
	ZeroGrads()
}

// Teacher is the frozen reference model of a distillation run. It is
// inference only: it exposes logits and owns no gradients.
type Teacher interface {
	Logits(b Batch) (*base.Vector, error)
}
