package data

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synSpec(name string, ratio float64, seqLen int) DatasetSpec {
	return DatasetSpec{
		Name:           name,
		SamplingRatio:  ratio,
		SequenceLength: seqLen,
		Sources:        []SourceSpec{{Path: "synthetic:" + name}},
	}
}

func writeTokenFile(t *testing.T, dir, name string, tokens []int64) string {
	t.Helper()
	buf := make([]byte, 8*len(tokens))
	for i, tok := range tokens {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(tok))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func iota64(start, n int64) []int64 {
	xs := make([]int64, n)
	for i := range xs {
		xs[i] = start + int64(i)
	}
	return xs
}

func TestDebtPickerSequence(t *testing.T) {
	p, err := newDebtPicker([]float64{0.5, 0.3, 0.2})
	require.NoError(t, err)
	var picks []int
	for i := 0; i < 10; i++ {
		picks = append(picks, p.pick())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 0, 1, 0, 2, 1, 0}, picks)
	assert.Equal(t, []int64{5, 3, 2}, p.drawn)
}

func TestDebtPickerTieBreak(t *testing.T) {
	p, err := newDebtPicker([]float64{1, 1})
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		assert.Equal(t, i%2, p.pick())
	}
}

func TestDebtPickerErrors(t *testing.T) {
	_, err := newDebtPicker([]float64{1, -1})
	assert.Error(t, err)
	_, err = newDebtPicker([]float64{0, 0})
	assert.Error(t, err)
}

func TestMixerProportionality(t *testing.T) {
	specs := []DatasetSpec{
		synSpec("web", 0.5, 8),
		synSpec("code", 0.3, 8),
		synSpec("books", 0.2, 8),
	}
	m, err := Open(specs, Options{Role: Train})
	require.NoError(t, err)
	defer m.Close()

	const n = 10000
	for i := 0; i < n; i++ {
		_, err := m.Next()
		require.NoError(t, err)
	}
	consumed := m.Consumed()
	ratios := []float64{0.5, 0.3, 0.2}
	for i, c := range consumed {
		assert.LessOrEqual(t, math.Abs(float64(c)-ratios[i]*n), 2.0,
			"dataset %d drew %d of %d", i, c, n)
	}
}

func TestMixerZeroRatioExcluded(t *testing.T) {
	specs := []DatasetSpec{
		synSpec("active", 1, 4),
		synSpec("parked", 0, 4),
	}
	m, err := Open(specs, Options{Role: Train})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []string{"active"}, m.Names())
	s, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, "active", s.Dataset)
}

func TestMixerResumeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := writeTokenFile(t, dir, "a.bin", iota64(0, 100))
	b := writeTokenFile(t, dir, "b.bin", iota64(1000, 100))
	specs := []DatasetSpec{
		{Name: "alpha", SamplingRatio: 0.6, SequenceLength: 4, Sources: []SourceSpec{{Path: a}}},
		{Name: "beta", SamplingRatio: 0.4, SequenceLength: 4, Sources: []SourceSpec{{Path: b}}},
	}

	m1, err := Open(specs, Options{Role: Train})
	require.NoError(t, err)
	defer m1.Close()
	for i := 0; i < 17; i++ {
		_, err := m1.Next()
		require.NoError(t, err)
	}
	saved := m1.State()

	var want []Sample
	for i := 0; i < 25; i++ {
		s, err := m1.Next()
		require.NoError(t, err)
		want = append(want, s)
	}

	m2, err := Open(specs, Options{Role: Train})
	require.NoError(t, err)
	defer m2.Close()
	require.NoError(t, m2.Restore(saved))
	for i := 0; i < 25; i++ {
		s, err := m2.Next()
		require.NoError(t, err)
		assert.Equal(t, want[i].Dataset, s.Dataset, "draw %d", i)
		assert.Equal(t, want[i].Tokens, s.Tokens, "draw %d", i)
	}
}

func TestMixerStateIsSnapshot(t *testing.T) {
	m, err := Open([]DatasetSpec{synSpec("only", 1, 4)}, Options{Role: Train})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Next()
	require.NoError(t, err)
	saved := m.State()
	total := saved.Total
	_, err = m.Next()
	require.NoError(t, err)
	assert.Equal(t, total, saved.Total)
	assert.Equal(t, int64(1), saved.Drawn[0])
}

func TestMixerResumeFingerprintMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTokenFile(t, dir, "src.bin", iota64(0, 50))
	specs := []DatasetSpec{
		{Name: "only", SamplingRatio: 1, SequenceLength: 4, Sources: []SourceSpec{{Path: path}}},
	}

	m1, err := Open(specs, Options{Role: Train})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m1.Next()
		require.NoError(t, err)
	}
	saved := m1.State()
	require.NoError(t, m1.Close())

	// same size, different content
	writeTokenFile(t, dir, "src.bin", iota64(7777, 50))

	m2, err := Open(specs, Options{Role: Train})
	require.NoError(t, err)
	defer m2.Close()
	err = m2.Restore(saved)
	require.Error(t, err)
	var re *ResumeError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Reason, "fingerprint")
}

func TestMixerRestoreShapeMismatch(t *testing.T) {
	m, err := Open([]DatasetSpec{synSpec("one", 1, 4)}, Options{Role: Train})
	require.NoError(t, err)
	defer m.Close()

	err = m.Restore(MixerState{Drawn: []int64{1, 2}, Total: 3})
	require.Error(t, err)
	var re *ResumeError
	assert.ErrorAs(t, err, &re)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open([]DatasetSpec{synSpec("none", 0, 4)}, Options{Role: Train})
	assert.Error(t, err)

	bad := synSpec("bad", 1, 4)
	bad.SamplingRatio = -1
	_, err = Open([]DatasetSpec{bad}, Options{Role: Train})
	assert.Error(t, err)

	bad = synSpec("bad", 1, 0)
	_, err = Open([]DatasetSpec{bad}, Options{Role: Train})
	assert.Error(t, err)

	bad = synSpec("bad", 1, 4)
	bad.Sources = nil
	_, err = Open([]DatasetSpec{bad}, Options{Role: Train})
	assert.Error(t, err)

	bad = synSpec("bad", 1, 4)
	bad.Split = SplitSpec{Train: 90, Val: 5, Test: 4}
	_, err = Open([]DatasetSpec{bad}, Options{Role: Train})
	assert.Error(t, err)

	_, err = Open([]DatasetSpec{{Name: "missing", SamplingRatio: 1, SequenceLength: 4,
		Sources: []SourceSpec{{Path: "/does/not/exist.bin"}}}}, Options{Role: Train})
	assert.Error(t, err)
}
