package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFileReader(t *testing.T) {
	dir := t.TempDir()
	path := writeTokenFile(t, dir, "toks.bin", iota64(0, 100))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(20), r.Records(4))
	out := make([]int64, 5)
	require.NoError(t, r.ReadAt(1, 4, out))
	assert.Equal(t, []int64{5, 6, 7, 8, 9}, out)
	require.NoError(t, r.ReadAt(19, 4, out))
	assert.Equal(t, []int64{95, 96, 97, 98, 99}, out)

	assert.Error(t, r.ReadAt(20, 4, out))
	assert.Error(t, r.ReadAt(-1, 4, out))
	assert.Error(t, r.ReadAt(0, 4, make([]int64, 3)))
	assert.Contains(t, r.Fingerprint(), "sha256:")
}

func TestSyntheticReader(t *testing.T) {
	r, err := OpenReader("synthetic:demo?vocab=7&records=10")
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Records(4))

	a := make([]int64, 5)
	b := make([]int64, 5)
	require.NoError(t, r.ReadAt(3, 4, a))
	require.NoError(t, r.ReadAt(3, 4, b))
	assert.Equal(t, a, b)
	for _, tok := range a {
		assert.GreaterOrEqual(t, tok, int64(0))
		assert.Less(t, tok, int64(7))
	}
	assert.Error(t, r.ReadAt(10, 4, a))

	other, err := OpenReader("synthetic:other?vocab=7&records=10")
	require.NoError(t, err)
	require.NoError(t, other.ReadAt(3, 4, b))
	assert.NotEqual(t, a, b)

	_, err = OpenReader("synthetic:")
	assert.Error(t, err)
	_, err = OpenReader("synthetic:x?vocab=0")
	assert.Error(t, err)
}

func TestStreamSplitRanges(t *testing.T) {
	split := SplitSpec{Train: 98, Val: 1, Test: 1}
	lo, hi := split.Range(Train, 100)
	assert.Equal(t, [2]int64{0, 98}, [2]int64{lo, hi})
	lo, hi = split.Range(Validation, 100)
	assert.Equal(t, [2]int64{98, 99}, [2]int64{lo, hi})
	lo, hi = split.Range(Test, 100)
	assert.Equal(t, [2]int64{99, 100}, [2]int64{lo, hi})

	// default keeps everything in train
	lo, hi = SplitSpec{}.Range(Train, 100)
	assert.Equal(t, [2]int64{0, 100}, [2]int64{lo, hi})
	lo, hi = SplitSpec{}.Range(Validation, 100)
	assert.Equal(t, lo, hi)
}

func TestStreamWrapsWithinSplit(t *testing.T) {
	r, err := OpenReader("synthetic:wrap?records=4")
	require.NoError(t, err)
	s := newStream(r, 2, Train, SplitSpec{})

	var first [][]int64
	for i := 0; i < 4; i++ {
		out := make([]int64, 3)
		require.NoError(t, s.next(out))
		first = append(first, out)
	}
	out := make([]int64, 3)
	require.NoError(t, s.next(out))
	assert.Equal(t, first[0], out)
}

func TestStreamEmptySplit(t *testing.T) {
	r, err := OpenReader("synthetic:nv?records=100")
	require.NoError(t, err)
	s := newStream(r, 2, Validation, SplitSpec{})
	assert.Error(t, s.next(make([]int64, 3)))
}
