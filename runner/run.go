package runner

import (
	"context"
	"sync"

	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/proc"
	"github.com/mlweave/loom/runner/local"
	"github.com/mlweave/loom/runner/remote"
)

// Run starts all workers of the job, the ones placed on this host as
// child processes and the rest over ssh. It returns once every worker
// exited, cancelling the stragglers after the first failure.
func Run(ctx context.Context, selfIPv4 uint32, peers plan.PeerList, j Job, user string, verboseLog bool) error {
	var localProcs, remoteProcs []proc.Proc
	for _, h := range j.HostList {
		ps := j.CreateProcs(peers, h.Hostname)
		if h.Hostname == selfIPv4 {
			localProcs = append(localProcs, ps...)
		} else {
			remoteProcs = append(remoteProcs, ps...)
		}
	}
	log.Infof("will run %d instances of %s locally and %d over ssh", len(localProcs), j.Prog, len(remoteProcs))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	var localErr, remoteErr error
	if len(localProcs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if localErr = local.RunAll(ctx, localProcs, verboseLog); localErr != nil {
				cancel()
			}
		}()
	}
	if len(remoteProcs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if remoteErr = remote.RunAll(ctx, user, remoteProcs, verboseLog, j.LogDir); remoteErr != nil {
				cancel()
			}
		}()
	}
	wg.Wait()
	if localErr != nil {
		return localErr
	}
	return remoteErr
}
