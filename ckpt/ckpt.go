// Package ckpt saves and restores sharded training snapshots through a
// keyed blob store. A snapshot is one manifest, the training state and one
// optimizer blob per (pipeline, tensor, shard) coordinate. The manifest is
// written last, after every blob is verified present, so a snapshot is
// visible only when complete.
package ckpt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/opt"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/train"
)

// Manifest records what a committed snapshot holds and the topology it
// was saved under.
type Manifest struct {
	RunID    string    `json:"run_id"`
	Step     int       `json:"global_step"`
	SavedAt  time.Time `json:"saved_at"`
	World    int       `json:"world_size"`
	DP       int       `json:"data_parallel"`
	TP       int       `json:"tensor_parallel"`
	PP       int       `json:"pipeline_parallel"`
	Shards   int       `json:"sharding_degree"`
	Replicas int       `json:"replication_degree"`
	Blobs    []string  `json:"blobs"`
}

// MismatchError reports a snapshot whose topology cannot be mapped onto
// the current run. Only the sharding degree may change between save and
// restore; tensor and pipeline degrees are pinned.
type MismatchError struct {
	Field   string
	Saved   int
	Current int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("snapshot saved with %s=%d cannot restore into %s=%d without re-sharding",
		e.Field, e.Saved, e.Field, e.Current)
}

const latestKey = "latest.json"

type latest struct {
	Step int `json:"global_step"`
}

func stepPrefix(step int) string { return fmt.Sprintf("step-%08d", step) }

func manifestKey(step int) string { return stepPrefix(step) + "/manifest.json" }

func stateKey(step int) string { return stepPrefix(step) + "/state.json" }

func shardKey(step, pp, tp, shard int) string {
	return fmt.Sprintf("%s/opt-pp%d-tp%d-shard%d.bin", stepPrefix(step), pp, tp, shard)
}

// Coordinator writes this rank's share of a snapshot and reads it back,
// re-slicing optimizer shards when the sharding degree changed in between.
// The first replica of every shard writes the optimizer blob; rank 0
// additionally writes the training state and commits the manifest.
type Coordinator struct {
	store BlobStore
	topo  *plan.Topology
	coord plan.Coord
	total int
	runID string
}

// NewCoordinator builds the per-rank view of the snapshot layout. total is
// the element count of this rank's flat parameter stream.
func NewCoordinator(store BlobStore, topo *plan.Topology, rank, total int) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("snapshot coordinator needs a blob store")
	}
	if topo == nil {
		return nil, errors.New("snapshot coordinator needs a topology")
	}
	if rank < 0 || rank >= topo.World {
		return nil, errors.Errorf("rank %d out of world %d", rank, topo.World)
	}
	if total <= 0 {
		return nil, errors.Errorf("parameter stream must be non-empty, got %d", total)
	}
	return &Coordinator{
		store: store,
		topo:  topo,
		coord: topo.Coord(rank),
		total: total,
		runID: uuid.NewString(),
	}, nil
}

func (c *Coordinator) whole() plan.Interval { return plan.Interval{Begin: 0, End: c.total} }

func (c *Coordinator) owned() plan.Interval {
	return plan.EvenPartition(c.whole(), c.topo.Shards)[c.topo.Shard(c.coord)]
}

// IsCommitter reports whether this rank publishes the manifest.
func (c *Coordinator) IsCommitter() bool { return c.coord.Rank == 0 }

// Save writes this rank's contribution to the snapshot of one step. The
// snapshot becomes visible only once Commit ran after every rank saved.
func (c *Coordinator) Save(ctx context.Context, step int, ts train.TrainingState, st opt.AdamWState) error {
	if step < 0 {
		return errors.Errorf("negative snapshot step %d", step)
	}
	if c.topo.Replica(c.coord) == 0 {
		blob, err := encodeShard(st, c.owned(), c.total)
		if err != nil {
			return err
		}
		key := shardKey(step, c.coord.PP, c.coord.TP, c.topo.Shard(c.coord))
		if err := c.store.Put(ctx, key, blob); err != nil {
			return errors.Wrap(err, "save optimizer shard")
		}
	}
	if c.coord.Rank == 0 {
		doc, err := json.Marshal(ts)
		if err != nil {
			return errors.Wrap(err, "encode training state")
		}
		if err := c.store.Put(ctx, stateKey(step), doc); err != nil {
			return errors.Wrap(err, "save training state")
		}
	}
	return nil
}

// Commit verifies every blob of the step exists and publishes the
// manifest, then moves the latest pointer. Callers order Commit after all
// ranks returned from Save.
func (c *Coordinator) Commit(ctx context.Context, step int) error {
	keys := []string{stateKey(step)}
	for p := 0; p < c.topo.PP; p++ {
		for t := 0; t < c.topo.TP; t++ {
			for s := 0; s < c.topo.Shards; s++ {
				keys = append(keys, shardKey(step, p, t, s))
			}
		}
	}
	for _, key := range keys {
		ok, err := c.store.Exists(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "verify %s", key)
		}
		if !ok {
			return errors.Errorf("snapshot incomplete: %s missing, refusing to commit", key)
		}
	}
	man := Manifest{
		RunID:    c.runID,
		Step:     step,
		SavedAt:  time.Now().UTC(),
		World:    c.topo.World,
		DP:       c.topo.DP,
		TP:       c.topo.TP,
		PP:       c.topo.PP,
		Shards:   c.topo.Shards,
		Replicas: c.topo.Replicas,
		Blobs:    keys[1:],
	}
	doc, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	if err := c.store.Put(ctx, manifestKey(step), doc); err != nil {
		return errors.Wrap(err, "publish manifest")
	}
	ptr, err := json.Marshal(latest{Step: step})
	if err != nil {
		return errors.Wrap(err, "encode latest pointer")
	}
	return errors.Wrap(c.store.Put(ctx, latestKey, ptr), "move latest pointer")
}

// Latest returns the step of the newest committed snapshot.
func (c *Coordinator) Latest(ctx context.Context) (int, error) {
	ok, err := c.store.Exists(ctx, latestKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("no committed snapshot")
	}
	doc, err := c.store.Get(ctx, latestKey)
	if err != nil {
		return 0, err
	}
	var p latest
	if err := json.Unmarshal(doc, &p); err != nil {
		return 0, errors.Wrap(err, "decode latest pointer")
	}
	return p.Step, nil
}

// Restore loads the snapshot of one step into this rank's shape. A saved
// sharding degree different from the current one recombines the shard
// streams and re-slices them; a changed tensor or pipeline degree fails
// with MismatchError. Any missing or malformed blob fails the whole
// restore before anything is returned.
func (c *Coordinator) Restore(ctx context.Context, step int) (train.TrainingState, opt.AdamWState, error) {
	var zeroTS train.TrainingState
	var zeroST opt.AdamWState
	doc, err := c.store.Get(ctx, manifestKey(step))
	if err != nil {
		return zeroTS, zeroST, errors.Wrapf(err, "no committed snapshot at step %d", step)
	}
	var man Manifest
	if err := json.Unmarshal(doc, &man); err != nil {
		return zeroTS, zeroST, errors.Wrap(err, "decode manifest")
	}
	if man.Step != step {
		return zeroTS, zeroST, errors.Errorf("manifest belongs to step %d, want %d", man.Step, step)
	}
	if man.TP != c.topo.TP {
		return zeroTS, zeroST, &MismatchError{Field: "tensor_parallel_world_size", Saved: man.TP, Current: c.topo.TP}
	}
	if man.PP != c.topo.PP {
		return zeroTS, zeroST, &MismatchError{Field: "pipeline_parallel_world_size", Saved: man.PP, Current: c.topo.PP}
	}
	if man.Shards < 1 {
		return zeroTS, zeroST, errors.Errorf("manifest declares %d shards", man.Shards)
	}
	// every rank checks the whole blob set, so one lost shard aborts the
	// restore everywhere, not only on the rank that owned it
	for _, key := range man.Blobs {
		ok, err := c.store.Exists(ctx, key)
		if err != nil {
			return zeroTS, zeroST, errors.Wrapf(err, "verify %s", key)
		}
		if !ok {
			return zeroTS, zeroST, errors.Errorf("snapshot at step %d incomplete: %s missing", step, key)
		}
	}
	sdoc, err := c.store.Get(ctx, stateKey(step))
	if err != nil {
		return zeroTS, zeroST, errors.Wrap(err, "load training state")
	}
	var ts train.TrainingState
	if err := json.Unmarshal(sdoc, &ts); err != nil {
		return zeroTS, zeroST, errors.Wrap(err, "decode training state")
	}
	var st opt.AdamWState
	if man.Shards == c.topo.Shards {
		st, err = c.loadOwn(ctx, step)
	} else {
		st, err = c.reshard(ctx, step, man.Shards)
	}
	if err != nil {
		return zeroTS, zeroST, err
	}
	return ts, st, nil
}

func (c *Coordinator) loadOwn(ctx context.Context, step int) (opt.AdamWState, error) {
	var zero opt.AdamWState
	key := shardKey(step, c.coord.PP, c.coord.TP, c.topo.Shard(c.coord))
	b, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, errors.Wrap(err, "load optimizer shard")
	}
	blob, err := decodeShard(b)
	if err != nil {
		return zero, errors.Wrapf(err, "%s", key)
	}
	if blob.total != c.total {
		return zero, errors.Errorf("parameter stream length changed from %d to %d", blob.total, c.total)
	}
	if blob.iv != c.owned() {
		return zero, errors.Errorf("shard %s covers %s, want %s", key, blob.iv, c.owned())
	}
	return opt.AdamWState{Step: blob.step, Master: blob.master, M: blob.m, V: blob.v}, nil
}

// reshard recombines the saved shard streams of this rank's (pp, tp) cell
// and slices out the interval the current sharding assigns to this rank.
func (c *Coordinator) reshard(ctx context.Context, step, savedShards int) (opt.AdamWState, error) {
	var zero opt.AdamWState
	parts := plan.EvenPartition(c.whole(), savedShards)
	master := base.NewVector(c.total, base.F32)
	m := base.NewVector(c.total, base.F32)
	v := base.NewVector(c.total, base.F32)
	optStep := -1
	for s, want := range parts {
		key := shardKey(step, c.coord.PP, c.coord.TP, s)
		b, err := c.store.Get(ctx, key)
		if err != nil {
			return zero, errors.Wrap(err, "load optimizer shard")
		}
		blob, err := decodeShard(b)
		if err != nil {
			return zero, errors.Wrapf(err, "%s", key)
		}
		if blob.total != c.total {
			return zero, errors.Errorf("parameter stream length changed from %d to %d", blob.total, c.total)
		}
		if blob.iv != want {
			return zero, errors.Errorf("shard %s covers %s, want %s", key, blob.iv, want)
		}
		if optStep < 0 {
			optStep = blob.step
		} else if blob.step != optStep {
			return zero, errors.Errorf("shard %s at optimizer step %d, others at %d", key, blob.step, optStep)
		}
		copy(master.AsF32()[want.Begin:want.End], blob.master.AsF32())
		copy(m.AsF32()[want.Begin:want.End], blob.m.AsF32())
		copy(v.AsF32()[want.Begin:want.End], blob.v.AsF32())
	}
	own := c.owned()
	return opt.AdamWState{
		Step:   optStep,
		Master: master.Slice(own.Begin, own.End).Clone(),
		M:      m.Slice(own.Begin, own.End).Clone(),
		V:      v.Slice(own.Begin, own.End).Clone(),
	}, nil
}
