// Package log is a thin rank-aware façade over logrus shared by every
// package of the module.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LevelEnvKey selects the log level of a rank process.
const LevelEnvKey = `LOOM_LOG_LEVEL`

var (
	std   = logrus.New()
	entry = logrus.NewEntry(std)
	rank  = -1
)

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(strings.ToLower(os.Getenv(LevelEnvKey))); err == nil {
		std.SetLevel(lvl)
	}
}

// SetRank stamps every later entry with the global rank of this process.
func SetRank(r int) {
	rank = r
	entry = std.WithField("rank", r)
}

func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

func WithField(key string, value any) *logrus.Entry {
	return entry.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return entry.WithFields(fields)
}

func Debugf(format string, args ...any) { entry.Debugf(format, args...) }
func Infof(format string, args ...any)  { entry.Infof(format, args...) }
func Warnf(format string, args ...any)  { entry.Warnf(format, args...) }
func Errorf(format string, args ...any) { entry.Errorf(format, args...) }

// Rank0Infof logs only on rank 0, for once-per-run messages.
func Rank0Infof(format string, args ...any) {
	if rank <= 0 {
		entry.Infof(format, args...)
	}
}
