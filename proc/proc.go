// Package proc describes the worker processes a launcher starts.
package proc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

type Envs map[string]string

// Merge overlays f on e without touching either.
func Merge(e, f Envs) Envs {
	g := make(Envs)
	for k, v := range e {
		g[k] = v
	}
	for k, v := range f {
		g[k] = v
	}
	return g
}

func (e Envs) sortedKeys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Proc is one worker process of a run.
type Proc struct {
	Name    string
	Prog    string
	Args    []string
	Envs    Envs
	PubAddr string // address the launcher reaches the host at
	LogDir  string
}

// Cmd builds the local command, inheriting the launcher environment
// under the proc's own variables.
func (p Proc) Cmd(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.Prog, p.Args...)
	cmd.Env = updatedEnv(p.Envs)
	return cmd
}

// Script renders the proc as a shell command for remote start.
func (p Proc) Script() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "env \\\n")
	for _, k := range p.Envs.sortedKeys() {
		fmt.Fprintf(buf, "\t%s=%q \\\n", k, p.Envs[k])
	}
	fmt.Fprintf(buf, "\t%s", p.Prog)
	for _, a := range p.Args {
		fmt.Fprintf(buf, " %s", a)
	}
	fmt.Fprintf(buf, "\n")
	return buf.String()
}

func updatedEnv(over Envs) []string {
	merged := make(Envs)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range over {
		merged[k] = v
	}
	var envs []string
	for _, k := range merged.sortedKeys() {
		envs = append(envs, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return envs
}
