package config

import (
	"os"

	"github.com/mlweave/loom/plan"
)

// Internal environment variables set by loom-run; users do not set them.
const (
	SelfSpecEnvKey = `LOOM_SELF_SPEC` // the self spec never changes during the life of a process
	PeerListEnvKey = `LOOM_INIT_PEERS`
)

// ProcessEnv is the fabric identity a worker process is launched with.
type ProcessEnv struct {
	Self   plan.PeerID
	Peers  plan.PeerList
	Rank   int
	Single bool // launched without loom-run, rank 0 of a world of one
}

func (e *ProcessEnv) World() int { return len(e.Peers) }

// ParseProcessEnv reads the worker identity set by loom-run. Without a
// launcher the process runs alone on the loopback fabric.
func ParseProcessEnv() (*ProcessEnv, error) {
	val, ok := os.LookupEnv(SelfSpecEnvKey)
	if !ok {
		return singleProcessEnv(), nil
	}
	self, err := plan.ParsePeerID(val)
	if err != nil {
		return nil, invalidf(SelfSpecEnvKey, "%v", err)
	}
	peers, err := plan.ParsePeerList(os.Getenv(PeerListEnvKey))
	if err != nil {
		return nil, invalidf(PeerListEnvKey, "%v", err)
	}
	if len(peers) == 0 {
		return nil, invalidf(PeerListEnvKey, "must list every peer of the run")
	}
	rank, ok := peers.Rank(*self)
	if !ok {
		return nil, invalidf(PeerListEnvKey, "self %s is not in the peer list", self)
	}
	return &ProcessEnv{Self: *self, Peers: peers, Rank: rank}, nil
}

func singleProcessEnv() *ProcessEnv {
	pl, _ := plan.HostList{plan.DefaultHostSpec}.GenPeerList(1, plan.DefaultPortRange)
	return &ProcessEnv{Self: pl[0], Peers: pl, Single: true}
}
