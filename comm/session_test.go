package comm_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/comm"
	"github.com/mlweave/loom/comm/inproc"
)

func runRanks(t *testing.T, f *inproc.Fabric, n int, fn func(c comm.Comm, rank int) error) {
	t.Helper()
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs <- fn(f.Comm(rank), rank)
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func f32Vec(xs ...float32) *base.Vector {
	v := base.NewVector(len(xs), base.F32)
	copy(v.AsF32(), xs)
	return v
}

func expectF32(got, want []float32) error {
	if len(got) != len(want) {
		return fmt.Errorf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("got %v, want %v", got, want)
		}
	}
	return nil
}

func TestAllReduceSum(t *testing.T) {
	const n = 4
	f := inproc.New(n)
	group := comm.Group{0, 1, 2, 3}
	runRanks(t, f, n, func(c comm.Comm, rank int) error {
		v := f32Vec(float32(rank+1), float32(2*(rank+1)))
		if err := c.AllReduce(group, base.Workspace{SendBuf: v, RecvBuf: v, OP: base.SUM, Name: "grads"}); err != nil {
			return err
		}
		return expectF32(v.AsF32(), []float32{10, 20})
	})
}

func TestAllReduceMinMax(t *testing.T) {
	const n = 3
	f := inproc.New(n)
	group := comm.Group{0, 1, 2}
	runRanks(t, f, n, func(c comm.Comm, rank int) error {
		lo := f32Vec(float32(rank))
		if err := c.AllReduce(group, base.Workspace{SendBuf: lo, RecvBuf: lo, OP: base.MIN, Name: "lo"}); err != nil {
			return err
		}
		if err := expectF32(lo.AsF32(), []float32{0}); err != nil {
			return err
		}
		hi := f32Vec(float32(rank))
		if err := c.AllReduce(group, base.Workspace{SendBuf: hi, RecvBuf: hi, OP: base.MAX, Name: "hi"}); err != nil {
			return err
		}
		return expectF32(hi.AsF32(), []float32{2})
	})
}

func TestAllReduceSubgroup(t *testing.T) {
	const n = 4
	f := inproc.New(n)
	group := comm.Group{1, 3}
	runRanks(t, f, n, func(c comm.Comm, rank int) error {
		if rank%2 == 0 {
			return nil // not a member
		}
		v := f32Vec(float32(rank))
		if err := c.AllReduce(group, base.Workspace{SendBuf: v, RecvBuf: v, OP: base.SUM, Name: "sub"}); err != nil {
			return err
		}
		return expectF32(v.AsF32(), []float32{4})
	})
}

func TestAllReduceDisjointGroupsConcurrently(t *testing.T) {
	const n = 4
	f := inproc.New(n)
	runRanks(t, f, n, func(c comm.Comm, rank int) error {
		pair := rank - rank%2
		group := comm.Group{pair, pair + 1}
		v := f32Vec(float32(rank))
		if err := c.AllReduce(group, base.Workspace{SendBuf: v, RecvBuf: v, OP: base.SUM, Name: "grads"}); err != nil {
			return err
		}
		return expectF32(v.AsF32(), []float32{float32(2*pair + 1)})
	})
}

func TestAllReduceNotInGroup(t *testing.T) {
	f := inproc.New(2)
	c := f.Comm(0)
	v := f32Vec(1)
	err := c.AllReduce(comm.Group{1}, base.Workspace{SendBuf: v, RecvBuf: v, OP: base.SUM, Name: "x"})
	assert.Error(t, err)
}

func TestBroadcast(t *testing.T) {
	const n = 4
	f := inproc.New(n)
	group := comm.Group{0, 1, 2, 3}
	runRanks(t, f, n, func(c comm.Comm, rank int) error {
		var v *base.Vector
		if rank == 2 {
			v = f32Vec(7, 8)
		} else {
			v = base.NewVector(2, base.F32)
		}
		if err := c.Broadcast(group, base.Workspace{SendBuf: v, RecvBuf: v, Name: "params"}, 2); err != nil {
			return err
		}
		return expectF32(v.AsF32(), []float32{7, 8})
	})
}

func TestAllGather(t *testing.T) {
	const n = 3
	f := inproc.New(n)
	group := comm.Group{0, 1, 2}
	runRanks(t, f, n, func(c comm.Comm, rank int) error {
		send := f32Vec(float32(rank*10), float32(rank*10+1))
		recv := base.NewVector(6, base.F32)
		if err := c.AllGather(group, base.Workspace{SendBuf: send, RecvBuf: recv, Name: "shards"}); err != nil {
			return err
		}
		return expectF32(recv.AsF32(), []float32{0, 1, 10, 11, 20, 21})
	})
}

func TestBarrier(t *testing.T) {
	const n = 5
	f := inproc.New(n)
	group := comm.Group{0, 1, 2, 3, 4}
	runRanks(t, f, n, func(c comm.Comm, rank int) error {
		return c.Barrier(group)
	})
}

func TestConsensus(t *testing.T) {
	const n = 3
	group := comm.Group{0, 1, 2}

	t.Run("agree", func(t *testing.T) {
		f := inproc.New(n)
		runRanks(t, f, n, func(c comm.Comm, rank int) error {
			ok, err := c.Consensus(group, []byte("digest-v1"), "cfg")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("rank %d: expected consensus", rank)
			}
			return nil
		})
	})

	t.Run("disagree", func(t *testing.T) {
		f := inproc.New(n)
		runRanks(t, f, n, func(c comm.Comm, rank int) error {
			data := []byte("digest-v1")
			if rank == 2 {
				data = []byte("digest-v2")
			}
			ok, err := c.Consensus(group, data, "cfg")
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("rank %d: expected disagreement", rank)
			}
			return nil
		})
	})

	t.Run("length mismatch", func(t *testing.T) {
		f := inproc.New(n)
		runRanks(t, f, n, func(c comm.Comm, rank int) error {
			data := []byte("digest-v1")
			if rank == 1 {
				data = []byte("short")
			}
			ok, err := c.Consensus(group, data, "cfg")
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("rank %d: expected disagreement", rank)
			}
			return nil
		})
	})
}

func TestSendRecvFIFO(t *testing.T) {
	f := inproc.New(2)
	runRanks(t, f, 2, func(c comm.Comm, rank int) error {
		if rank == 0 {
			if err := c.Send(1, "act", f32Vec(1)); err != nil {
				return err
			}
			return c.Send(1, "act", f32Vec(2))
		}
		v := base.NewVector(1, base.F32)
		if err := c.Recv(0, "act", v); err != nil {
			return err
		}
		if err := expectF32(v.AsF32(), []float32{1}); err != nil {
			return err
		}
		if err := c.Recv(0, "act", v); err != nil {
			return err
		}
		return expectF32(v.AsF32(), []float32{2})
	})
}

func TestRecvTimeout(t *testing.T) {
	f := inproc.New(2, inproc.WithTimeout(30*time.Millisecond))
	c := f.Comm(0)
	err := c.Recv(1, "never", base.NewVector(1, base.F32))
	require.Error(t, err)
	var te *comm.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, te.Rank)
	assert.Contains(t, te.Error(), "never")
}
