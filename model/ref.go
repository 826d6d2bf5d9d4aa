package model

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
)

// Config shapes the reference language model: a token embedding, a chain of
// per-feature scale layers, and a projection head over the vocabulary.
type Config struct {
	Vocab  int
	Hidden int
	DType  base.DataType // working precision of parameters
	Seed   uint64
}

func (c Config) validate() error {
	if c.Vocab <= 0 || c.Hidden <= 0 {
		return errors.Errorf("bad model shape: vocab=%d hidden=%d", c.Vocab, c.Hidden)
	}
	switch c.DType {
	case base.F32, base.BF16, base.F16:
		return nil
	default:
		return errors.Errorf("unsupported parameter dtype %s", c.DType)
	}
}

// NewStages splits the reference model into pp pipeline stages: the
// embedding first, pp-2 scale layers between, the head last. With pp == 1
// the whole model is a single stage.
func NewStages(cfg Config, pp int) ([]Stage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if pp < 1 {
		return nil, errors.Errorf("pipeline depth must be positive, got %d", pp)
	}
	if pp == 1 {
		return []Stage{newChain(
			newEmbed(cfg, 0),
			newScale(cfg, 1),
			newHead(cfg, 2),
		)}, nil
	}
	stages := []Stage{newEmbed(cfg, 0)}
	for i := 0; i < pp-2; i++ {
		stages = append(stages, newScale(cfg, i+1))
	}
	stages = append(stages, newHead(cfg, pp-1))
	return stages, nil
}

// NewTeacher builds the whole reference model as a frozen inference-only
// teacher, typically with a different seed than the student.
func NewTeacher(cfg Config) (Teacher, error) {
	stages, err := NewStages(cfg, 1)
	if err != nil {
		return nil, err
	}
	return &frozen{stage: stages[0]}, nil
}

type frozen struct {
	stage Stage
}

func (f *frozen) Logits(b Batch) (*base.Vector, error) {
	out, err := f.stage.Forward(0, b.Inputs)
	if err != nil {
		f.stage.Drop(0)
		return nil, err
	}
	f.stage.Drop(0)
	return out, nil
}

// newParam draws deterministic initial values in (-scale, scale) from the
// seed, stores them in the working dtype and zeroes an f32 gradient.
func newParam(name string, n int, dtype base.DataType, seed uint64, scale float32) *Param {
	f32 := base.NewVector(n, base.F32)
	xs := f32.AsF32()
	x := seed
	for i := range xs {
		x = mix64(x)
		xs[i] = (float32(x>>40)/float32(1<<24) - 0.5) * 2 * scale
	}
	data := base.NewVector(n, dtype)
	if err := base.Convert(data, f32); err != nil {
		panic(err)
	}
	return &Param{
		Name: name,
		Data: data,
		Grad: base.NewVector(n, base.F32),
	}
}

func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	z := x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// f32Weights returns the parameter values widened to f32 for compute.
func f32Weights(p *Param) []float32 {
	if p.Data.Type == base.F32 {
		return p.Data.AsF32()
	}
	w := base.NewVector(p.Data.Count, base.F32)
	if err := base.Convert(w, p.Data); err != nil {
		panic(err)
	}
	return w.AsF32()
}

func zeroGrads(ps []*Param) {
	for _, p := range ps {
		g := p.Grad.AsF32()
		for i := range g {
			g[i] = 0
		}
	}
}

func paramName(pos int, name string) string {
	return fmt.Sprintf("stage%d/%s", pos, name)
}

// embed maps token ids to rows of the embedding table.
type embed struct {
	cfg   Config
	table *Param
	saved map[int]*base.Vector
}

func newEmbed(cfg Config, pos int) *embed {
	scale := float32(1 / math.Sqrt(float64(cfg.Hidden)))
	return &embed{
		cfg:   cfg,
		table: newParam(paramName(pos, "embed.table"), cfg.Vocab*cfg.Hidden, cfg.DType, cfg.Seed+uint64(pos), scale),
		saved: make(map[int]*base.Vector),
	}
}

func (s *embed) Params() []*Param { return []*Param{s.table} }

func (s *embed) Forward(mb int, in *base.Vector) (*base.Vector, error) {
	toks := in.AsI64()
	h := s.cfg.Hidden
	w := f32Weights(s.table)
	out := base.NewVector(len(toks)*h, base.F32)
	ys := out.AsF32()
	for i, t := range toks {
		if t < 0 || t >= int64(s.cfg.Vocab) {
			return nil, errors.Errorf("token %d out of vocab %d", t, s.cfg.Vocab)
		}
		copy(ys[i*h:(i+1)*h], w[int(t)*h:int(t+1)*h])
	}
	s.saved[mb] = in.Clone()
	return out, nil
}

func (s *embed) Backward(mb int, gradOut *base.Vector) (*base.Vector, error) {
	in, ok := s.saved[mb]
	if !ok {
		return nil, errors.Errorf("no saved forward for microbatch %d", mb)
	}
	delete(s.saved, mb)
	h := s.cfg.Hidden
	g := s.table.Grad.AsF32()
	gs := gradOut.AsF32()
	for i, t := range in.AsI64() {
		row := gs[i*h : (i+1)*h]
		dst := g[int(t)*h : int(t+1)*h]
		for j, v := range row {
			dst[j] += v
		}
	}
	return nil, nil
}

func (s *embed) Drop(mb int) { delete(s.saved, mb) }

func (s *embed) ZeroGrads() { zeroGrads(s.Params()) }

// scale multiplies every feature by a learned per-feature factor,
// initialized near identity so deep chains keep signal.
type scale struct {
	h     int
	coef  *Param
	saved map[int]*base.Vector
}

func newScale(cfg Config, pos int) *scale {
	coef := newParam(paramName(pos, "scale.coef"), cfg.Hidden, cfg.DType, cfg.Seed+uint64(pos), 0.1)
	f32 := base.NewVector(cfg.Hidden, base.F32)
	ws := f32.AsF32()
	for i, w := range f32Weights(coef) {
		ws[i] = 1 + w
	}
	if err := base.Convert(coef.Data, f32); err != nil {
		panic(err)
	}
	return &scale{h: cfg.Hidden, coef: coef, saved: make(map[int]*base.Vector)}
}

func (s *scale) Params() []*Param { return []*Param{s.coef} }

func (s *scale) Forward(mb int, in *base.Vector) (*base.Vector, error) {
	if in.Count%s.h != 0 {
		return nil, errors.Errorf("activation count %d not a multiple of hidden %d", in.Count, s.h)
	}
	w := f32Weights(s.coef)
	out := base.NewVector(in.Count, base.F32)
	xs, ys := in.AsF32(), out.AsF32()
	for i, x := range xs {
		ys[i] = x * w[i%s.h]
	}
	s.saved[mb] = in.Clone()
	return out, nil
}

func (s *scale) Backward(mb int, gradOut *base.Vector) (*base.Vector, error) {
	in, ok := s.saved[mb]
	if !ok {
		return nil, errors.Errorf("no saved forward for microbatch %d", mb)
	}
	delete(s.saved, mb)
	w := f32Weights(s.coef)
	g := s.coef.Grad.AsF32()
	xs, gs := in.AsF32(), gradOut.AsF32()
	din := base.NewVector(in.Count, base.F32)
	ds := din.AsF32()
	for i := range gs {
		j := i % s.h
		g[j] += xs[i] * gs[i]
		ds[i] = gs[i] * w[j]
	}
	return din, nil
}

func (s *scale) Drop(mb int) { delete(s.saved, mb) }

func (s *scale) ZeroGrads() { zeroGrads(s.Params()) }

// head projects activations onto the vocabulary.
type head struct {
	cfg   Config
	proj  *Param
	saved map[int]*base.Vector
}

func newHead(cfg Config, pos int) *head {
	scale := float32(1 / math.Sqrt(float64(cfg.Hidden)))
	return &head{
		cfg:   cfg,
		proj:  newParam(paramName(pos, "head.proj"), cfg.Hidden*cfg.Vocab, cfg.DType, cfg.Seed+uint64(pos), scale),
		saved: make(map[int]*base.Vector),
	}
}

func (s *head) Params() []*Param { return []*Param{s.proj} }

func (s *head) Forward(mb int, in *base.Vector) (*base.Vector, error) {
	h, v := s.cfg.Hidden, s.cfg.Vocab
	if in.Count%h != 0 {
		return nil, errors.Errorf("activation count %d not a multiple of hidden %d", in.Count, h)
	}
	rows := in.Count / h
	w := f32Weights(s.proj)
	out := base.NewVector(rows*v, base.F32)
	xs, ys := in.AsF32(), out.AsF32()
	for i := 0; i < rows; i++ {
		x := xs[i*h : (i+1)*h]
		y := ys[i*v : (i+1)*v]
		for j, xj := range x {
			row := w[j*v : (j+1)*v]
			for k, wk := range row {
				y[k] += xj * wk
			}
		}
	}
	s.saved[mb] = in.Clone()
	return out, nil
}

func (s *head) Backward(mb int, gradOut *base.Vector) (*base.Vector, error) {
	in, ok := s.saved[mb]
	if !ok {
		return nil, errors.Errorf("no saved forward for microbatch %d", mb)
	}
	delete(s.saved, mb)
	h, v := s.cfg.Hidden, s.cfg.Vocab
	rows := in.Count / h
	w := f32Weights(s.proj)
	g := s.proj.Grad.AsF32()
	xs, gs := in.AsF32(), gradOut.AsF32()
	din := base.NewVector(in.Count, base.F32)
	ds := din.AsF32()
	for i := 0; i < rows; i++ {
		x := xs[i*h : (i+1)*h]
		gy := gs[i*v : (i+1)*v]
		dx := ds[i*h : (i+1)*h]
		for j, xj := range x {
			grow := g[j*v : (j+1)*v]
			wrow := w[j*v : (j+1)*v]
			var acc float32
			for k, gk := range gy {
				grow[k] += xj * gk
				acc += gk * wrow[k]
			}
			dx[j] = acc
		}
	}
	return din, nil
}

func (s *head) Drop(mb int) { delete(s.saved, mb) }

func (s *head) ZeroGrads() { zeroGrads(s.Params()) }

// chain fuses several stages into one, used when the pipeline depth is 1.
type chain struct {
	stages []Stage
}

func newChain(stages ...Stage) *chain { return &chain{stages: stages} }

func (c *chain) Params() []*Param {
	var ps []*Param
	for _, s := range c.stages {
		ps = append(ps, s.Params()...)
	}
	return ps
}

func (c *chain) Forward(mb int, in *base.Vector) (*base.Vector, error) {
	x := in
	for _, s := range c.stages {
		y, err := s.Forward(mb, x)
		if err != nil {
			return nil, err
		}
		x = y
	}
	return x, nil
}

func (c *chain) Backward(mb int, gradOut *base.Vector) (*base.Vector, error) {
	g := gradOut
	for i := len(c.stages) - 1; i >= 0; i-- {
		d, err := c.stages[i].Backward(mb, g)
		if err != nil {
			return nil, err
		}
		g = d
	}
	return g, nil
}

func (c *chain) Drop(mb int) {
	for _, s := range c.stages {
		s.Drop(mb)
	}
}

func (c *chain) ZeroGrads() {
	for _, s := range c.stages {
		s.ZeroGrads()
	}
}
