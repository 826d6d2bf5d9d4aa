package data

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/mlweave/loom/log"
)

// Fetcher mirrors remote token files into a local cache directory before a
// run starts. A file already present in the cache is reused, so every rank
// of a host can share one mirror.
type Fetcher struct {
	client   *resty.Client
	cacheDir string
}

func NewFetcher(cacheDir string) *Fetcher {
	client := resty.New().
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second).
		SetTimeout(10 * time.Minute)
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Resolve maps a source path to a local one, downloading http(s) URLs into
// the cache. Local paths pass through untouched.
func (f *Fetcher) Resolve(path string) (string, error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return path, nil
	}
	return f.Fetch(path)
}

func (f *Fetcher) Fetch(url string) (string, error) {
	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create cache dir %s", f.cacheDir)
	}
	sum := sha256.Sum256([]byte(url))
	dest := filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8])+"-"+filepath.Base(url))
	if _, err := os.Stat(dest); err == nil {
		log.Debugf("source %s already mirrored at %s", url, dest)
		return dest, nil
	}
	tmp := dest + ".partial"
	log.Infof("fetching %s -> %s", url, dest)
	resp, err := f.client.R().SetOutput(tmp).Get(url)
	if err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "fetch %s", url)
	}
	if resp.IsError() {
		os.Remove(tmp)
		return "", errors.Errorf("fetch %s: %s", url, resp.Status())
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "fetch %s", url)
	}
	return dest, nil
}
