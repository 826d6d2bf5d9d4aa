package ckpt_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/ckpt"
	"github.com/mlweave/loom/data"
	"github.com/mlweave/loom/model"
	"github.com/mlweave/loom/opt"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/train"
)

func fullStream(total int) (master, m, v *base.Vector) {
	master = base.NewVector(total, base.F32)
	m = base.NewVector(total, base.F32)
	v = base.NewVector(total, base.F32)
	for i := 0; i < total; i++ {
		master.AsF32()[i] = float32(i) + 0.25
		m.AsF32()[i] = float32(i)*0.5 - 3
		v.AsF32()[i] = float32(i) * 0.125
	}
	return
}

func shardState(step int, master, m, v *base.Vector, iv plan.Interval) opt.AdamWState {
	return opt.AdamWState{
		Step:   step,
		Master: master.Slice(iv.Begin, iv.End).Clone(),
		M:      m.Slice(iv.Begin, iv.End).Clone(),
		V:      v.Slice(iv.Begin, iv.End).Clone(),
	}
}

func dirStore(t *testing.T) (*ckpt.DirStore, string) {
	t.Helper()
	root := t.TempDir()
	store, err := ckpt.NewDirStore(root)
	require.NoError(t, err)
	return store, root
}

func mixerSpecs(seq int) []data.DatasetSpec {
	return []data.DatasetSpec{
		{Name: "alpha", SamplingRatio: 0.7, SequenceLength: seq,
			Sources: []data.SourceSpec{{Path: "synthetic:alpha?vocab=31&records=64"}}},
		{Name: "beta", SamplingRatio: 0.3, SequenceLength: seq,
			Sources: []data.SourceSpec{{Path: "synthetic:beta?vocab=31&records=64"}}},
	}
}

func TestDirStoreRoundTrip(t *testing.T) {
	store, root := dirStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b/blob.bin", []byte("first")))
	got, err := store.Get(ctx, "a/b/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	ok, err := store.Exists(ctx, "a/b/blob.bin")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "a/b/other.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "a/b/other.bin")
	assert.Error(t, err)

	require.NoError(t, store.Put(ctx, "a/b/blob.bin", []byte("second")))
	got, err = store.Get(ctx, "a/b/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	// writes land via rename and leave no temp files behind
	ents, err := os.ReadDir(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.Len(t, ents, 1)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, _ := dirStore(t)
	ctx := context.Background()
	const total = 10

	mix, err := data.Open(mixerSpecs(6), data.Options{Role: data.Train})
	require.NoError(t, err)
	t.Cleanup(func() { mix.Close() })
	for i := 0; i < 13; i++ {
		_, err := mix.Next()
		require.NoError(t, err)
	}

	master, m, v := fullStream(total)
	c, err := ckpt.NewCoordinator(store, plan.Single(), 0, total)
	require.NoError(t, err)

	ts := train.TrainingState{GlobalStep: 7, Mixer: mix.State()}
	st := shardState(4, master, m, v, plan.Interval{Begin: 0, End: total})
	require.NoError(t, c.Save(ctx, 7, ts, st))
	require.NoError(t, c.Commit(ctx, 7))

	gotTS, gotST, err := c.Restore(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, gotTS.GlobalStep)
	assert.Equal(t, ts.Mixer, gotTS.Mixer)
	assert.Equal(t, 4, gotST.Step)
	assert.Equal(t, st.Master.Data, gotST.Master.Data)
	assert.Equal(t, st.M.Data, gotST.M.Data)
	assert.Equal(t, st.V.Data, gotST.V.Data)

	// the restored mixer state replays the exact upcoming draws
	var want []data.Sample
	for i := 0; i < 9; i++ {
		s, err := mix.Next()
		require.NoError(t, err)
		want = append(want, s)
	}
	resumed, err := data.Open(mixerSpecs(6), data.Options{Role: data.Train})
	require.NoError(t, err)
	t.Cleanup(func() { resumed.Close() })
	require.NoError(t, resumed.Restore(gotTS.Mixer))
	for i := 0; i < 9; i++ {
		s, err := resumed.Next()
		require.NoError(t, err)
		assert.Equal(t, want[i], s)
	}
}

func TestLatestFollowsCommits(t *testing.T) {
	store, _ := dirStore(t)
	ctx := context.Background()
	const total = 6

	c, err := ckpt.NewCoordinator(store, plan.Single(), 0, total)
	require.NoError(t, err)

	_, err = c.Latest(ctx)
	assert.Error(t, err)

	master, m, v := fullStream(total)
	whole := plan.Interval{Begin: 0, End: total}
	for _, step := range []int{2, 4} {
		require.NoError(t, c.Save(ctx, step, train.TrainingState{GlobalStep: step}, shardState(step, master, m, v, whole)))
		require.NoError(t, c.Commit(ctx, step))
	}
	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, latest)
}

func TestReshardAcrossShardingDegrees(t *testing.T) {
	store, _ := dirStore(t)
	ctx := context.Background()
	const total = 11

	master, m, v := fullStream(total)
	whole := plan.Interval{Begin: 0, End: total}

	two, err := plan.DeriveTopology(2, plan.TopologySpec{DP: 2})
	require.NoError(t, err)
	require.Equal(t, 2, two.Shards)
	parts := plan.EvenPartition(whole, 2)
	coords := make([]*ckpt.Coordinator, 2)
	for rank := 0; rank < 2; rank++ {
		c, err := ckpt.NewCoordinator(store, two, rank, total)
		require.NoError(t, err)
		coords[rank] = c
		ts := train.TrainingState{GlobalStep: 5}
		require.NoError(t, c.Save(ctx, 5, ts, shardState(3, master, m, v, parts[rank])))
	}
	require.True(t, coords[0].IsCommitter())
	require.NoError(t, coords[0].Commit(ctx, 5))

	// a single-rank run recombines the full stream
	single, err := ckpt.NewCoordinator(store, plan.Single(), 0, total)
	require.NoError(t, err)
	_, st, err := single.Restore(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Step)
	assert.Equal(t, master.Data, st.Master.Data)
	assert.Equal(t, m.Data, st.M.Data)
	assert.Equal(t, v.Data, st.V.Data)

	// and an unsharded snapshot restores back into two shards
	require.NoError(t, single.Save(ctx, 6, train.TrainingState{GlobalStep: 6}, shardState(9, master, m, v, whole)))
	require.NoError(t, single.Commit(ctx, 6))
	for rank := 0; rank < 2; rank++ {
		_, st, err := coords[rank].Restore(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, 9, st.Step)
		want := parts[rank]
		assert.Equal(t, master.Slice(want.Begin, want.End).Data, st.Master.Data)
		assert.Equal(t, m.Slice(want.Begin, want.End).Data, st.M.Data)
		assert.Equal(t, v.Slice(want.Begin, want.End).Data, st.V.Data)
	}
}

func TestRestoreRefusesChangedAxes(t *testing.T) {
	store, _ := dirStore(t)
	ctx := context.Background()
	const total = 8

	master, m, v := fullStream(total)
	whole := plan.Interval{Begin: 0, End: total}
	saver, err := ckpt.NewCoordinator(store, plan.Single(), 0, total)
	require.NoError(t, err)
	require.NoError(t, saver.Save(ctx, 3, train.TrainingState{GlobalStep: 3}, shardState(3, master, m, v, whole)))
	require.NoError(t, saver.Commit(ctx, 3))

	cases := []struct {
		spec  plan.TopologySpec
		field string
	}{
		{plan.TopologySpec{TP: 2}, "tensor_parallel_world_size"},
		{plan.TopologySpec{PP: 2}, "pipeline_parallel_world_size"},
	}
	for _, tc := range cases {
		topo, err := plan.DeriveTopology(2, tc.spec)
		require.NoError(t, err)
		c, err := ckpt.NewCoordinator(store, topo, 0, total)
		require.NoError(t, err)
		_, _, err = c.Restore(ctx, 3)
		var mismatch *ckpt.MismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, tc.field, mismatch.Field)
		assert.Equal(t, 1, mismatch.Saved)
		assert.Equal(t, 2, mismatch.Current)
	}
}

func TestRestoreIsAllOrNothing(t *testing.T) {
	store, root := dirStore(t)
	ctx := context.Background()
	const total = 11

	master, m, v := fullStream(total)
	two, err := plan.DeriveTopology(2, plan.TopologySpec{DP: 2})
	require.NoError(t, err)
	parts := plan.EvenPartition(plan.Interval{Begin: 0, End: total}, 2)
	coords := make([]*ckpt.Coordinator, 2)
	for rank := 0; rank < 2; rank++ {
		c, err := ckpt.NewCoordinator(store, two, rank, total)
		require.NoError(t, err)
		coords[rank] = c
		require.NoError(t, c.Save(ctx, 2, train.TrainingState{GlobalStep: 2}, shardState(1, master, m, v, parts[rank])))
	}
	require.NoError(t, coords[0].Commit(ctx, 2))

	// losing one shard after the commit fails the restore on every rank,
	// including the rank whose own shard survived
	require.NoError(t, os.Remove(filepath.Join(root, "step-00000002", "opt-pp0-tp0-shard1.bin")))
	for rank := 0; rank < 2; rank++ {
		_, _, err := coords[rank].Restore(ctx, 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "incomplete")
	}

	// a commit with an unwritten shard is refused
	require.NoError(t, coords[0].Save(ctx, 9, train.TrainingState{GlobalStep: 9}, shardState(2, master, m, v, parts[0])))
	err = coords[0].Commit(ctx, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to commit")
}

func TestDamagedSnapshotsFailRestore(t *testing.T) {
	store, _ := dirStore(t)
	ctx := context.Background()
	const total = 5

	master, m, v := fullStream(total)
	whole := plan.Interval{Begin: 0, End: total}
	c, err := ckpt.NewCoordinator(store, plan.Single(), 0, total)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, 1, train.TrainingState{GlobalStep: 1}, shardState(1, master, m, v, whole)))
	require.NoError(t, c.Commit(ctx, 1))

	require.NoError(t, store.Put(ctx, "step-00000001/opt-pp0-tp0-shard0.bin", []byte("garbage")))
	_, _, err = c.Restore(ctx, 1)
	assert.Error(t, err)

	// restoring into a model with a different parameter count is refused
	require.NoError(t, c.Save(ctx, 2, train.TrainingState{GlobalStep: 2}, shardState(1, master, m, v, whole)))
	require.NoError(t, c.Commit(ctx, 2))
	grown, err := ckpt.NewCoordinator(store, plan.Single(), 0, total+1)
	require.NoError(t, err)
	_, _, err = grown.Restore(ctx, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream length changed")

	// a step that was never committed has no manifest
	_, _, err = c.Restore(ctx, 8)
	assert.Error(t, err)
}

func TestRestoredStateDrivesOptimizer(t *testing.T) {
	store, _ := dirStore(t)
	ctx := context.Background()

	newParams := func() []*model.Param {
		mk := func(name string, n int, seed float32) *model.Param {
			data := base.NewVector(n, base.F32)
			for i := 0; i < n; i++ {
				data.AsF32()[i] = seed + float32(i)*0.01
			}
			return &model.Param{Name: name, Data: data, Grad: base.NewVector(n, base.F32)}
		}
		return []*model.Param{mk("wte", 7, 0.5), mk("head", 4, -1)}
	}

	flatA := opt.NewFlat(newParams())
	a, err := opt.NewAdamW(opt.AdamWConfig{}, flatA, flatA.Whole())
	require.NoError(t, err)

	grad := base.NewVector(flatA.Total(), base.F32)
	for i := range grad.AsF32() {
		grad.AsF32()[i] = 0.1 * float32(i%3)
	}
	require.NoError(t, a.Step(0.01, grad))
	require.NoError(t, a.Step(0.01, grad))

	c, err := ckpt.NewCoordinator(store, plan.Single(), 0, flatA.Total())
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, 2, train.TrainingState{GlobalStep: 2}, a.State()))
	require.NoError(t, c.Commit(ctx, 2))

	flatB := opt.NewFlat(newParams())
	b, err := opt.NewAdamW(opt.AdamWConfig{}, flatB, flatB.Whole())
	require.NoError(t, err)
	_, st, err := c.Restore(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, b.Restore(st))

	// both continue from the same state and stay bitwise identical
	require.NoError(t, a.Step(0.01, grad))
	require.NoError(t, b.Step(0.01, grad))
	assert.Equal(t, a.Master().Data, b.Master().Data)
}
