// Package runner composes the worker processes of a training run.
package runner

import (
	"fmt"
	"os"

	"github.com/mlweave/loom/config"
	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/proc"
)

// passThroughEnvKeys are forwarded from the launcher environment to the
// workers when set. Workers writing checkpoints to S3 need the
// credentials of the launcher.
var passThroughEnvKeys = []string{
	log.LevelEnvKey,
	`AWS_ACCESS_KEY_ID`,
	`AWS_SECRET_ACCESS_KEY`,
	`AWS_SESSION_TOKEN`,
	`AWS_REGION`,
}

// Job describes one training run to be spread over a host list.
type Job struct {
	Prog      string
	Args      []string
	HostList  plan.HostList
	PortRange plan.PortRange
	LogDir    string
}

// NewProc makes the proc for one peer of the run, with the peer's own
// spec and the full peer list in its environment.
func (j Job) NewProc(peer plan.PeerID, peers plan.PeerList) proc.Proc {
	envs := proc.Envs{
		config.SelfSpecEnvKey: peer.String(),
		config.PeerListEnvKey: peers.String(),
	}
	allEnvs := proc.Merge(passThroughEnvs(), envs)
	var pubAddr string
	for _, h := range j.HostList {
		if h.Hostname == peer.IPv4 {
			pubAddr = h.PublicAddr
		}
	}
	return proc.Proc{
		Name:    fmt.Sprintf("%s.%d", plan.FormatIPv4(peer.IPv4), peer.Port),
		Prog:    j.Prog,
		Args:    j.Args,
		Envs:    allEnvs,
		PubAddr: pubAddr,
		LogDir:  j.LogDir,
	}
}

// CreateProcs makes the procs for all peers placed on the given host.
func (j Job) CreateProcs(peers plan.PeerList, host uint32) []proc.Proc {
	var ps []proc.Proc
	for _, self := range peers.On(host) {
		ps = append(ps, j.NewProc(self, peers))
	}
	return ps
}

func passThroughEnvs() proc.Envs {
	envs := make(proc.Envs)
	for _, k := range passThroughEnvKeys {
		if val := os.Getenv(k); len(val) > 0 {
			envs[k] = val
		}
	}
	return envs
}
