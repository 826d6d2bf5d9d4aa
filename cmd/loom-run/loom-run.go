// loom-run starts the worker processes of a training run across a host
// list and injects the peer environment into each of them.
package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/runner"
	"github.com/mlweave/loom/utils"
)

func main() {
	var f runner.FlagSet
	runner.Init(&f, os.Args)
	if logfile := f.Logfile; len(logfile) > 0 {
		if len(f.LogDir) > 0 {
			logfile = path.Join(f.LogDir, logfile)
		}
		dir := path.Dir(logfile)
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			log.Warnf("failed to create log dir %s: %v", dir, err)
		}
		lf, err := os.Create(logfile)
		if err != nil {
			utils.ExitErr(err)
		}
		defer lf.Close()
		log.SetOutput(lf)
	}
	if len(f.LogDir) > 0 {
		if err := os.MkdirAll(f.LogDir, os.ModePerm); err != nil {
			utils.ExitErr(err)
		}
	}
	t0 := time.Now()
	defer func(prog string) { log.Debugf("%s finished, took %s", prog, time.Since(t0)) }(utils.ProgName())
	selfIPv4, err := runner.InferSelfIPv4(f.Self, f.NIC)
	if err != nil {
		utils.ExitErr(err)
	}
	log.Debugf("using self=%s", plan.FormatIPv4(selfIPv4))
	peers, err := f.HostList.GenPeerList(f.ClusterSize, f.PortRange)
	if err != nil {
		utils.ExitErr(fmt.Errorf("failed to place %d workers on %s: %v", f.ClusterSize, f.HostList, err))
	}
	j := runner.Job{
		Prog:      f.Prog,
		Args:      f.Args,
		HostList:  f.HostList,
		PortRange: f.PortRange,
		LogDir:    f.LogDir,
	}
	ctx, cancel := context.WithCancel(context.Background())
	utils.Trap(func(sig os.Signal) {
		log.Warnf("%s trapped", sig)
		cancel()
	})
	if f.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	if err := runner.Run(ctx, selfIPv4, peers, j, f.User, f.VerboseLog); err != nil {
		utils.ExitErr(err)
	}
}
