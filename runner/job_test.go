package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlweave/loom/config"
	"github.com/mlweave/loom/plan"
)

func TestJobNewProc(t *testing.T) {
	hl, err := plan.ParseHostList(`10.0.0.1:2:head.example.com,10.0.0.2:2`)
	require.NoError(t, err)
	peers, err := hl.GenPeerList(4, plan.DefaultPortRange)
	require.NoError(t, err)
	j := Job{Prog: `loom`, Args: []string{`train`}, HostList: hl, PortRange: plan.DefaultPortRange}

	p := j.NewProc(peers[0], peers)
	assert.Equal(t, peers[0].String(), p.Envs[config.SelfSpecEnvKey])
	assert.Equal(t, peers.String(), p.Envs[config.PeerListEnvKey])
	assert.Equal(t, `head.example.com`, p.PubAddr)
	assert.Equal(t, `loom`, p.Prog)

	q := j.NewProc(peers[2], peers)
	assert.Equal(t, `10.0.0.2`, q.PubAddr)
}

func TestJobCreateProcs(t *testing.T) {
	hl, err := plan.ParseHostList(`10.0.0.1:2,10.0.0.2:2`)
	require.NoError(t, err)
	peers, err := hl.GenPeerList(3, plan.DefaultPortRange)
	require.NoError(t, err)
	j := Job{Prog: `loom`, HostList: hl, PortRange: plan.DefaultPortRange}

	ps := j.CreateProcs(peers, plan.MustParseIPv4(`10.0.0.1`))
	require.Len(t, ps, 2)
	for _, p := range ps {
		assert.Equal(t, peers.String(), p.Envs[config.PeerListEnvKey])
	}
	ps = j.CreateProcs(peers, plan.MustParseIPv4(`10.0.0.2`))
	assert.Len(t, ps, 1)
}
