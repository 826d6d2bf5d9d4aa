package utils

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/mlweave/loom/log"
)

func ExitErr(err error) {
	log.Errorf("exit on error: %v", err)
	os.Exit(1)
}

func ProgName() string {
	return path.Base(os.Args[0])
}

func LogArgs() {
	for i, a := range os.Args {
		log.Debugf("[arg] [%d]=%s", i, a)
	}
}

func Measure(f func() error) (time.Duration, error) {
	t0 := time.Now()
	err := f()
	return time.Since(t0), err
}

// Rate converts a count over a duration into a per-second rate.
func Rate(n int64, d time.Duration) float64 {
	return float64(n) / (float64(d) / float64(time.Second))
}

func LogEnvWithPrefix(prefix string, logPrefix string) {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, prefix) {
			log.Debugf("[%s] %s", logPrefix, kv)
		}
	}
}
