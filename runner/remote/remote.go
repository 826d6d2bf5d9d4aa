// Package remote starts worker processes on other hosts over ssh.
package remote

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/proc"
	"github.com/mlweave/loom/utils/iostream"
	"github.com/mlweave/loom/utils/ssh"
	"github.com/mlweave/loom/utils/xterm"
)

// RunAll runs every proc on its own host via ssh and cancels the rest
// once any of them fails.
func RunAll(ctx context.Context, user string, ps []proc.Proc, verboseLog bool, logDir string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	var fail int32
	for i, p := range ps {
		wg.Add(1)
		go func(i int, p proc.Proc) {
			defer wg.Done()
			t0 := time.Now()
			config := ssh.Config{
				Host: p.PubAddr,
				User: user,
			}
			client, err := ssh.New(config)
			if err != nil {
				log.Errorf("#<%s> failed to connect %v: %v", p.Name, config, err)
				atomic.AddInt32(&fail, 1)
				return
			}
			defer client.Close()
			var redirectors []*iostream.StdWriters
			if verboseLog {
				redirectors = append(redirectors, iostream.NewPrefixRedirector(p.Name, xterm.BasicColors.Choose(i)))
			}
			redirectors = append(redirectors, iostream.NewFileRedirector(path.Join(logDir, strings.ReplaceAll(p.Name, "/", "-"))))
			if err := client.Watch(ctx, p.Script(), redirectors); err != nil {
				log.Errorf("#<%s> exited with error: %v, took %s", p.Name, err, time.Since(t0))
				atomic.AddInt32(&fail, 1)
				cancel()
				return
			}
			log.Debugf("#<%s> finished, took %s", p.Name, time.Since(t0))
		}(i, p)
	}
	wg.Wait()
	if fail > 0 {
		return fmt.Errorf("%d tasks failed", fail)
	}
	return nil
}
