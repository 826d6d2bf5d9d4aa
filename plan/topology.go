package plan

import "fmt"

// TopologyError reports a declared parallel degree that cannot be reconciled
// with the world size.
type TopologyError struct {
	Field  string
	Reason string
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s: %s", e.Field, e.Reason)
}

func topologyErrorf(field, format string, args ...any) *TopologyError {
	return &TopologyError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TopologySpec declares a subset of the parallel degrees. Zero fields are
// inferred from the world size.
type TopologySpec struct {
	DP       int // data parallel degree
	TP       int // tensor parallel degree
	PP       int // pipeline parallel degree
	Stage    int // ZeRO stage 1, 2 or 3
	Replicas int // copies of each optimizer shard along the dp axis
	Shards   int // ranks one flat shard stream is split across
}

// Topology is the complete factoring of the world into parallel axes. It is
// a pure function of the declared degrees, derived identically on every rank
// without negotiation.
type Topology struct {
	World    int
	DP       int
	TP       int
	PP       int
	Stage    int
	Replicas int
	Shards   int
}

func DeriveTopology(world int, spec TopologySpec) (*Topology, error) {
	if world <= 0 {
		return nil, topologyErrorf("world_size", "must be positive, got %d", world)
	}
	declared := []struct {
		field string
		val   int
	}{
		{"data_parallel_world_size", spec.DP},
		{"tensor_parallel_world_size", spec.TP},
		{"pipeline_parallel_world_size", spec.PP},
		{"zero_topology.data_parallel_replication_world_size", spec.Replicas},
		{"zero_topology.data_parallel_sharding_world_size", spec.Shards},
	}
	for _, d := range declared {
		if d.val < 0 {
			return nil, topologyErrorf(d.field, "must be positive, got %d", d.val)
		}
	}
	tp := defaultTo(spec.TP, 1)
	pp := defaultTo(spec.PP, 1)
	if world%(tp*pp) != 0 {
		return nil, topologyErrorf("tensor_parallel_world_size",
			"tp=%d x pp=%d does not divide world_size %d", tp, pp, world)
	}
	dp := defaultTo(spec.DP, world/(tp*pp))
	if dp*tp*pp != world {
		return nil, topologyErrorf("data_parallel_world_size",
			"dp=%d x tp=%d x pp=%d = %d, want world_size %d", dp, tp, pp, dp*tp*pp, world)
	}
	stage := defaultTo(spec.Stage, 3)
	if stage < 1 || stage > 3 {
		return nil, topologyErrorf("stage", "must be 1, 2 or 3, got %d", stage)
	}
	replicas, shards := spec.Replicas, spec.Shards
	switch {
	case replicas == 0 && shards == 0:
		replicas, shards = 1, dp
	case replicas == 0:
		if dp%shards != 0 {
			return nil, topologyErrorf("zero_topology.data_parallel_sharding_world_size",
				"%d does not divide dp=%d", shards, dp)
		}
		replicas = dp / shards
	case shards == 0:
		if dp%replicas != 0 {
			return nil, topologyErrorf("zero_topology.data_parallel_replication_world_size",
				"%d does not divide dp=%d", replicas, dp)
		}
		shards = dp / replicas
	}
	if replicas*shards != dp {
		return nil, topologyErrorf("zero_topology",
			"replication=%d x sharding=%d = %d, want dp=%d", replicas, shards, replicas*shards, dp)
	}
	return &Topology{
		World:    world,
		DP:       dp,
		TP:       tp,
		PP:       pp,
		Stage:    stage,
		Replicas: replicas,
		Shards:   shards,
	}, nil
}

// Single is the topology of a one-process run.
func Single() *Topology {
	t, err := DeriveTopology(1, TopologySpec{})
	if err != nil {
		panic(err)
	}
	return t
}

func defaultTo(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func (t Topology) String() string {
	return fmt.Sprintf("world=%d dp=%d tp=%d pp=%d stage=%d shards=%d replicas=%d",
		t.World, t.DP, t.TP, t.PP, t.Stage, t.Shards, t.Replicas)
}

// Coord is the coordinate of one rank on every parallel axis.
type Coord struct {
	Rank int
	DP   int
	TP   int
	PP   int
}

func (c Coord) String() string {
	return fmt.Sprintf("rank=%d dp=%d tp=%d pp=%d", c.Rank, c.DP, c.TP, c.PP)
}

// Coord maps a global rank to its axis coordinates. The pipeline coordinate
// varies slowest, then data, then tensor fastest.
func (t Topology) Coord(rank int) Coord {
	t.check(rank)
	return Coord{
		Rank: rank,
		TP:   rank % t.TP,
		DP:   (rank / t.TP) % t.DP,
		PP:   rank / (t.TP * t.DP),
	}
}

// Rank maps axis coordinates back to the global rank.
func (t Topology) Rank(dp, tp, pp int) int {
	return (pp*t.DP+dp)*t.TP + tp
}

// Shard is the index of the flat shard this rank owns within its shard
// group. The shard coordinate varies fastest along the dp axis.
func (t Topology) Shard(c Coord) int { return c.DP % t.Shards }

// Replica is the index of this rank's copy of the shard stream.
func (t Topology) Replica(c Coord) int { return c.DP / t.Shards }

func (t Topology) check(rank int) {
	if rank < 0 || rank >= t.World {
		panic(fmt.Sprintf("rank %d out of world %d", rank, t.World))
	}
}

// DPGroup returns the ranks sharing this rank's tensor and pipeline
// coordinates, ordered by data-parallel index.
func (t Topology) DPGroup(rank int) []int {
	c := t.Coord(rank)
	ranks := make([]int, t.DP)
	for d := 0; d < t.DP; d++ {
		ranks[d] = t.Rank(d, c.TP, c.PP)
	}
	return ranks
}

// TPGroup returns the ranks sharing this rank's data and pipeline
// coordinates, ordered by tensor-parallel index.
func (t Topology) TPGroup(rank int) []int {
	c := t.Coord(rank)
	ranks := make([]int, t.TP)
	for x := 0; x < t.TP; x++ {
		ranks[x] = t.Rank(c.DP, x, c.PP)
	}
	return ranks
}

// PPGroup returns the ranks sharing this rank's data and tensor coordinates,
// ordered by pipeline stage.
func (t Topology) PPGroup(rank int) []int {
	c := t.Coord(rank)
	ranks := make([]int, t.PP)
	for p := 0; p < t.PP; p++ {
		ranks[p] = t.Rank(c.DP, c.TP, p)
	}
	return ranks
}

// ShardGroup returns the dp peers this rank's optimizer shards are split
// across: same replica index, every shard index.
func (t Topology) ShardGroup(rank int) []int {
	c := t.Coord(rank)
	base := t.Replica(c) * t.Shards
	ranks := make([]int, t.Shards)
	for s := 0; s < t.Shards; s++ {
		ranks[s] = t.Rank(base+s, c.TP, c.PP)
	}
	return ranks
}

// ReplicaGroup returns the dp peers holding copies of this rank's shard:
// same shard index, every replica index.
func (t Topology) ReplicaGroup(rank int) []int {
	c := t.Coord(rank)
	ranks := make([]int, t.Replicas)
	for r := 0; r < t.Replicas; r++ {
		ranks[r] = t.Rank(r*t.Shards+t.Shard(c), c.TP, c.PP)
	}
	return ranks
}

// ModelGroup returns the ranks that together hold exactly one full copy of
// the model state: this rank's replica index, every shard, tensor and
// pipeline coordinate. Summing per-rank partial gradient norms over this
// group yields the norm of the whole logical parameter set.
func (t Topology) ModelGroup(rank int) []int {
	c := t.Coord(rank)
	base := t.Replica(c) * t.Shards
	ranks := make([]int, 0, t.Shards*t.TP*t.PP)
	for p := 0; p < t.PP; p++ {
		for s := 0; s < t.Shards; s++ {
			for x := 0; x < t.TP; x++ {
				ranks = append(ranks, t.Rank(base+s, x, p))
			}
		}
	}
	return ranks
}

// NextStage returns the rank at the same (dp, tp) coordinate on the next
// pipeline stage.
func (t Topology) NextStage(rank int) (int, bool) {
	c := t.Coord(rank)
	if c.PP+1 >= t.PP {
		return 0, false
	}
	return t.Rank(c.DP, c.TP, c.PP+1), true
}

// PrevStage returns the rank at the same (dp, tp) coordinate on the
// previous pipeline stage.
func (t Topology) PrevStage(rank int) (int, bool) {
	c := t.Coord(rank)
	if c.PP == 0 {
		return 0, false
	}
	return t.Rank(c.DP, c.TP, c.PP-1), true
}

func (t Topology) IsFirstStage(rank int) bool { return t.Coord(rank).PP == 0 }
func (t Topology) IsLastStage(rank int) bool  { return t.Coord(rank).PP == t.PP-1 }
