package ckpt

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/opt"
	"github.com/mlweave/loom/plan"
)

// Shard blob layout: six little-endian uint64 header fields (magic,
// version, optimizer step, interval begin, interval end, stream total)
// followed by the three f32 payloads of the interval in order master,
// first moment, second moment.
const (
	blobMagic   = 0x6d6f6f6c
	blobVersion = 1
	blobHeader  = 6 * 8
)

type shardBlob struct {
	step   int
	iv     plan.Interval
	total  int
	master *base.Vector
	m, v   *base.Vector
}

func encodeShard(st opt.AdamWState, iv plan.Interval, total int) ([]byte, error) {
	n := iv.Len()
	for _, vec := range []*base.Vector{st.Master, st.M, st.V} {
		if vec == nil || vec.Count != n || vec.Type != base.F32 {
			return nil, errors.Errorf("optimizer state does not cover shard %s", iv)
		}
	}
	out := make([]byte, blobHeader+3*4*n)
	le := binary.LittleEndian
	le.PutUint64(out[0:], blobMagic)
	le.PutUint64(out[8:], blobVersion)
	le.PutUint64(out[16:], uint64(st.Step))
	le.PutUint64(out[24:], uint64(iv.Begin))
	le.PutUint64(out[32:], uint64(iv.End))
	le.PutUint64(out[40:], uint64(total))
	at := blobHeader
	for _, vec := range []*base.Vector{st.Master, st.M, st.V} {
		at += copy(out[at:], vec.Data)
	}
	return out, nil
}

func decodeShard(b []byte) (*shardBlob, error) {
	le := binary.LittleEndian
	if len(b) < blobHeader || le.Uint64(b[0:]) != blobMagic {
		return nil, errors.New("not an optimizer shard blob")
	}
	if v := le.Uint64(b[8:]); v != blobVersion {
		return nil, errors.Errorf("unsupported shard blob version %d", v)
	}
	blob := &shardBlob{
		step:  int(le.Uint64(b[16:])),
		iv:    plan.Interval{Begin: int(le.Uint64(b[24:])), End: int(le.Uint64(b[32:]))},
		total: int(le.Uint64(b[40:])),
	}
	if blob.iv.Begin < 0 || blob.iv.Begin > blob.iv.End || blob.iv.End > blob.total {
		return nil, errors.Errorf("shard interval %s out of stream [0,%d)", blob.iv, blob.total)
	}
	n := blob.iv.Len()
	if len(b) != blobHeader+3*4*n {
		return nil, errors.Errorf("shard blob holds %d bytes, want %d for %d elements", len(b), blobHeader+3*4*n, n)
	}
	at := blobHeader
	for _, dst := range []**base.Vector{&blob.master, &blob.m, &blob.v} {
		vec := base.NewVector(n, base.F32)
		copy(vec.Data, b[at:at+4*n])
		*dst = vec
		at += 4 * n
	}
	return blob, nil
}
