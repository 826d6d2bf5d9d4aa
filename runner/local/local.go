// Package local starts worker processes on the launcher's own host.
package local

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/proc"
	"github.com/mlweave/loom/utils/iostream"
	"github.com/mlweave/loom/utils/xterm"
)

type Runner struct {
	Name          string
	Color         xterm.Color
	LogDir        string
	LogFilePrefix string
	VerboseLog    bool
}

func (r Runner) Run(ctx context.Context, p proc.Proc) error {
	return r.runWith(ctx, p.Cmd(ctx))
}

func (r Runner) redirectors() []*iostream.StdWriters {
	var rs []*iostream.StdWriters
	if r.VerboseLog {
		rs = append(rs, iostream.NewPrefixRedirector(r.Name, r.Color))
	}
	if len(r.LogFilePrefix) > 0 {
		rs = append(rs, iostream.NewFileRedirector(path.Join(r.LogDir, r.LogFilePrefix)))
	}
	return rs
}

func (r Runner) runWith(ctx context.Context, cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	defer stderr.Close()
	results := iostream.StdReaders{Stdout: stdout, Stderr: stderr}
	ioDone := results.Stream(r.redirectors()...)
	if err := cmd.Start(); err != nil {
		return err
	}
	ioDone.Wait() // call this before cmd.Wait!
	return cmd.Wait()
}

// RunAll starts all procs and cancels the rest once any of them fails.
func RunAll(ctx context.Context, ps []proc.Proc, verboseLog bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	var fail int32
	for i, p := range ps {
		wg.Add(1)
		go func(i int, p proc.Proc) {
			defer wg.Done()
			r := Runner{
				Name:          p.Name,
				Color:         xterm.BasicColors.Choose(i),
				LogDir:        p.LogDir,
				LogFilePrefix: strings.ReplaceAll(p.Name, "/", "-"),
				VerboseLog:    verboseLog,
			}
			if err := r.Run(ctx, p); err != nil {
				log.Errorf("#<%s> exited with error: %v", p.Name, err)
				atomic.AddInt32(&fail, 1)
				cancel()
				return
			}
			log.Debugf("#<%s> finished", p.Name)
		}(i, p)
	}
	wg.Wait()
	if fail > 0 {
		return fmt.Errorf("%d tasks failed", fail)
	}
	return nil
}
