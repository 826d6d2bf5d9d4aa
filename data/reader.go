package data

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A Reader resolves one record of a token source by absolute index.
// Implementations must be pure: the same index always yields the same
// tokens, which is what makes resumption exact.
type Reader interface {
	Name() string
	Records(seqLen int) int64
	ReadAt(idx int64, seqLen int, out []int64) error
	Fingerprint() string
	Close() error
}

const syntheticScheme = "synthetic:"

// OpenReader opens a source path. Paths starting with synthetic: produce a
// deterministic pseudo-random stream; anything else is a flat token file of
// little-endian int64 values.
func OpenReader(path string) (Reader, error) {
	if strings.HasPrefix(path, syntheticScheme) {
		return openSynthetic(path)
	}
	return openTokenFile(path)
}

// tokenFile reads records out of a flat binary file of little-endian int64
// tokens. Record r of a sequence length L occupies tokens [r*(L+1), (r+1)*(L+1)).
type tokenFile struct {
	name   string
	f      *os.File
	tokens int64
	digest string
}

func openTokenFile(path string) (*tokenFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open source %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat source %s", path)
	}
	digest, err := fileDigest(f, st.Size())
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "fingerprint source %s", path)
	}
	return &tokenFile{
		name:   path,
		f:      f,
		tokens: st.Size() / 8,
		digest: digest,
	}, nil
}

// fileDigest hashes the file size and the first 64 KiB, enough to notice a
// source being swapped between runs without scanning whole shards.
func fileDigest(f *os.File, size int64) (string, error) {
	const head = 64 << 10
	h := sha256.New()
	fmt.Fprintf(h, "%d:", size)
	if _, err := io.Copy(h, io.LimitReader(f, head)); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)[:16]), nil
}

func (t *tokenFile) Name() string { return t.name }

func (t *tokenFile) Records(seqLen int) int64 {
	return t.tokens / int64(seqLen+1)
}

func (t *tokenFile) ReadAt(idx int64, seqLen int, out []int64) error {
	n := int64(seqLen + 1)
	if int64(len(out)) != n {
		return errors.Errorf("source %s: record buffer holds %d, want %d", t.name, len(out), n)
	}
	if idx < 0 || idx >= t.Records(seqLen) {
		return errors.Errorf("source %s: record %d out of range", t.name, idx)
	}
	buf := make([]byte, 8*n)
	if _, err := t.f.ReadAt(buf, idx*8*n); err != nil {
		return errors.Wrapf(err, "read source %s record %d", t.name, idx)
	}
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return nil
}

func (t *tokenFile) Fingerprint() string { return t.digest }

func (t *tokenFile) Close() error { return t.f.Close() }

// synthetic yields a deterministic token stream, used by the demo configs
// and the tests. The record content is a pure function of (name, index).
type synthetic struct {
	name    string
	seed    uint64
	vocab   int64
	records int64
}

const (
	defaultSyntheticVocab   = 1024
	defaultSyntheticRecords = 1 << 20
)

// openSynthetic parses synthetic:<name>[?vocab=V&records=N].
func openSynthetic(path string) (*synthetic, error) {
	rest := strings.TrimPrefix(path, syntheticScheme)
	name, query, _ := strings.Cut(rest, "?")
	if name == "" {
		return nil, errors.Errorf("synthetic source %q has no name", path)
	}
	s := &synthetic{
		name:    name,
		vocab:   defaultSyntheticVocab,
		records: defaultSyntheticRecords,
	}
	if query != "" {
		q, err := url.ParseQuery(query)
		if err != nil {
			return nil, errors.Wrapf(err, "synthetic source %q", path)
		}
		if v := q.Get("vocab"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("synthetic source %q: bad vocab %q", path, v)
			}
			s.vocab = n
		}
		if v := q.Get("records"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("synthetic source %q: bad records %q", path, v)
			}
			s.records = n
		}
	}
	h := sha256.Sum256([]byte(name))
	s.seed = binary.LittleEndian.Uint64(h[:8])
	return s, nil
}

func (s *synthetic) Name() string { return syntheticScheme + s.name }

func (s *synthetic) Records(seqLen int) int64 { return s.records }

func (s *synthetic) ReadAt(idx int64, seqLen int, out []int64) error {
	if idx < 0 || idx >= s.records {
		return errors.Errorf("source %s: record %d out of range", s.Name(), idx)
	}
	x := s.seed ^ uint64(idx)*0x9e3779b97f4a7c15
	for i := range out {
		x = splitmix64(x)
		out[i] = int64(x % uint64(s.vocab))
	}
	return nil
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	z := x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (s *synthetic) Fingerprint() string {
	return fmt.Sprintf("synthetic:%s:%d:%d", s.name, s.vocab, s.records)
}

func (s *synthetic) Close() error { return nil }
