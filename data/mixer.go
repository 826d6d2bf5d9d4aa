package data

import (
	"math"

	"github.com/pkg/errors"
)

// debtPicker deterministically interleaves weighted streams. Each draw is
// charged to the stream owing the most sampling debt, ties broken by the
// lowest index, which keeps the worst-case proportional deviation bounded
// by a constant independent of the draw count.
type debtPicker struct {
	ratios []float64
	drawn  []int64
	total  int64
}

func newDebtPicker(weights []float64) (*debtPicker, error) {
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return nil, errors.Errorf("negative weight %v", w)
		}
		sum += w
	}
	if sum <= 0 {
		return nil, errors.New("weights sum to zero")
	}
	ratios := make([]float64, len(weights))
	for i, w := range weights {
		ratios[i] = w / sum
	}
	return &debtPicker{ratios: ratios, drawn: make([]int64, len(weights))}, nil
}

// pick selects the stream with the largest debt r_i*(total+1) - drawn_i
// and charges the draw to it.
func (p *debtPicker) pick() int {
	best, bestDebt := 0, math.Inf(-1)
	for i, r := range p.ratios {
		if debt := r*float64(p.total+1) - float64(p.drawn[i]); debt > bestDebt {
			best, bestDebt = i, debt
		}
	}
	p.drawn[best]++
	p.total++
	return best
}

func (p *debtPicker) state() ([]int64, int64) {
	return append([]int64(nil), p.drawn...), p.total
}

func (p *debtPicker) restore(drawn []int64, total int64) error {
	if len(drawn) != len(p.drawn) {
		return errors.Errorf("drawn counters hold %d streams, want %d", len(drawn), len(p.drawn))
	}
	var sum int64
	for _, d := range drawn {
		if d < 0 {
			return errors.Errorf("negative drawn counter %d", d)
		}
		sum += d
	}
	if sum != total {
		return errors.Errorf("drawn counters sum to %d, want total %d", sum, total)
	}
	copy(p.drawn, drawn)
	p.total = total
	return nil
}

// Dataset presents one dataset's weighted sources as a single restartable
// stream. Draws nest the same debt policy used across datasets.
type Dataset struct {
	name    string
	seqLen  int
	streams []*stream
	picker  *debtPicker
}

func openDataset(spec DatasetSpec, role Role, resolve func(string) (string, error)) (*Dataset, error) {
	d := &Dataset{name: spec.Name, seqLen: spec.SequenceLength}
	weights := make([]float64, len(spec.Sources))
	for i, src := range spec.Sources {
		path := src.Path
		if resolve != nil {
			p, err := resolve(path)
			if err != nil {
				d.Close()
				return nil, err
			}
			path = p
		}
		r, err := OpenReader(path)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.streams = append(d.streams, newStream(r, spec.SequenceLength, role, spec.Split))
		if weights[i] = src.Weight; weights[i] == 0 {
			weights[i] = 1
		}
	}
	picker, err := newDebtPicker(weights)
	if err != nil {
		d.Close()
		return nil, errors.Wrapf(err, "dataset %s", spec.Name)
	}
	d.picker = picker
	return d, nil
}

func (d *Dataset) next() (Sample, error) {
	i := d.picker.pick()
	toks := make([]int64, d.seqLen+1)
	if err := d.streams[i].next(toks); err != nil {
		return Sample{}, err
	}
	return Sample{Dataset: d.name, Tokens: toks}, nil
}

func (d *Dataset) state() DatasetState {
	drawn, total := d.picker.state()
	st := DatasetState{Name: d.name, Drawn: drawn, Total: total}
	for _, s := range d.streams {
		st.Sources = append(st.Sources, s.state())
	}
	return st
}

func (d *Dataset) restore(st DatasetState) error {
	if st.Name != d.name {
		return &ResumeError{Source: d.name, Reason: "saved state belongs to dataset " + st.Name}
	}
	if len(st.Sources) != len(d.streams) {
		return &ResumeError{Source: d.name, Reason: "source count changed"}
	}
	if err := d.picker.restore(st.Drawn, st.Total); err != nil {
		return &ResumeError{Source: d.name, Reason: err.Error()}
	}
	for i, s := range d.streams {
		if err := s.restore(st.Sources[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dataset) Close() error {
	var err error
	for _, s := range d.streams {
		if cerr := s.r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Mixer merges the active datasets into one deterministic logical sample
// stream whose empirical draw fractions converge to the sampling ratios.
type Mixer struct {
	role     Role
	datasets []*Dataset
	picker   *debtPicker
}

type Options struct {
	Role     Role
	CacheDir string // mirror remote sources here before opening
}

// Open validates every spec, opens those with a positive sampling ratio and
// wires them into one mix.
func Open(specs []DatasetSpec, opts Options) (*Mixer, error) {
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	var resolve func(string) (string, error)
	if opts.CacheDir != "" {
		resolve = NewFetcher(opts.CacheDir).Resolve
	}
	m := &Mixer{role: opts.Role}
	var weights []float64
	for _, s := range specs {
		if s.SamplingRatio == 0 {
			continue
		}
		d, err := openDataset(s, opts.Role, resolve)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.datasets = append(m.datasets, d)
		weights = append(weights, s.SamplingRatio)
	}
	if len(m.datasets) == 0 {
		return nil, errors.New("no dataset with a positive sampling ratio")
	}
	picker, err := newDebtPicker(weights)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.picker = picker
	return m, nil
}

func (m *Mixer) Next() (Sample, error) {
	i := m.picker.pick()
	return m.datasets[i].next()
}

// Names lists the active datasets in draw-index order.
func (m *Mixer) Names() []string {
	names := make([]string, len(m.datasets))
	for i, d := range m.datasets {
		names[i] = d.name
	}
	return names
}

// Consumed reports the samples drawn per active dataset.
func (m *Mixer) Consumed() []int64 {
	drawn, _ := m.picker.state()
	return drawn
}

func (m *Mixer) State() MixerState {
	drawn, total := m.picker.state()
	st := MixerState{Drawn: drawn, Total: total}
	for _, d := range m.datasets {
		st.Datasets = append(st.Datasets, d.state())
	}
	return st
}

// Restore rewinds the mix to a saved state. Any source that cannot resume
// its exact position fails the restore.
func (m *Mixer) Restore(st MixerState) error {
	if len(st.Datasets) != len(m.datasets) {
		return &ResumeError{Source: "mix", Reason: "active dataset count changed"}
	}
	if err := m.picker.restore(st.Drawn, st.Total); err != nil {
		return &ResumeError{Source: "mix", Reason: err.Error()}
	}
	for i, d := range m.datasets {
		if err := d.restore(st.Datasets[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mixer) Close() error {
	var err error
	for _, d := range m.datasets {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
