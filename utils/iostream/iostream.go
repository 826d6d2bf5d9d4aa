// Package iostream fans the stdout/stderr of child processes out to the
// launcher terminal and per-rank log files.
package iostream

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mlweave/loom/utils/xterm"
)

// Tee copies r line by line to every w.
func Tee(r io.Reader, ws ...io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		line, _, err := reader.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		for _, w := range ws {
			fmt.Fprintln(w, string(line))
		}
	}
}

// StdReaders is the output side of one child process.
type StdReaders struct {
	Stdout io.Reader
	Stderr io.Reader
}

// StdWriters is one destination for a child's output.
type StdWriters struct {
	Stdout io.Writer
	Stderr io.Writer
}

var Std = StdWriters{
	Stdout: os.Stdout,
	Stderr: os.Stderr,
}

// Stream pumps both std streams to all destinations until EOF. Wait on
// the result before waiting on the process, or trailing output is lost.
func (r StdReaders) Stream(ws ...*StdWriters) interface{ Wait() } {
	var outs, errs []io.Writer
	for _, w := range ws {
		outs = append(outs, w.Stdout)
		errs = append(errs, w.Stderr)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		Tee(r.Stdout, outs...)
		wg.Done()
	}()
	go func() {
		Tee(r.Stderr, errs...)
		wg.Done()
	}()
	return &wg
}

type prefixWriter struct {
	prefix string
	w      io.Writer
}

func (p prefixWriter) Write(bs []byte) (int, error) {
	fmt.Fprintf(p.w, "[%s] %s", p.prefix, string(bs))
	return len(bs), nil
}

// NewPrefixRedirector tags each line with the rank name on the launcher
// terminal, stderr lines with a warning color.
func NewPrefixRedirector(name string, c xterm.Color) *StdWriters {
	if c == nil {
		c = xterm.NoColor
	}
	return &StdWriters{
		Stdout: &prefixWriter{prefix: c.S(name), w: os.Stdout},
		Stderr: &prefixWriter{prefix: c.S(name) + "::" + xterm.Warn.S("stderr"), w: os.Stderr},
	}
}

// NewFileRedirector writes the two streams to <prefix>.stdout.log and
// <prefix>.stderr.log, creating the files on first output.
func NewFileRedirector(prefix string) *StdWriters {
	return &StdWriters{
		Stdout: newLazyFile(prefix + ".stdout.log"),
		Stderr: newLazyFile(prefix + ".stderr.log"),
	}
}

// lazyFile creates its file on the first write, so ranks that never
// print leave no empty logs behind.
type lazyFile struct {
	name string
	f    io.WriteCloser
}

func newLazyFile(name string) *lazyFile {
	return &lazyFile{name: name}
}

func (f *lazyFile) Write(bs []byte) (int, error) {
	if f.f == nil {
		var err error
		if f.f, err = os.Create(f.name); err != nil {
			return 0, err
		}
	}
	return f.f.Write(bs)
}

func (f *lazyFile) Close() error {
	if f.f != nil {
		return f.f.Close()
	}
	return nil
}
