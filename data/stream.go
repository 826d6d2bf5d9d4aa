package data

import (
	"fmt"

	"github.com/pkg/errors"
)

// SourceState pins the resume position of one source stream.
type SourceState struct {
	Name        string `json:"name"`
	Cursor      int64  `json:"cursor"`
	Fingerprint string `json:"fingerprint"`
}

// DatasetState pins the draw counters of one dataset and its sources.
type DatasetState struct {
	Name    string        `json:"name"`
	Drawn   []int64       `json:"drawn"`
	Total   int64         `json:"total"`
	Sources []SourceState `json:"sources"`
}

// MixerState pins the full draw sequence of the mix, so a restored run
// continues the exact sequence instead of restarting it.
type MixerState struct {
	Drawn    []int64        `json:"drawn"`
	Total    int64          `json:"total"`
	Datasets []DatasetState `json:"datasets"`
}

// stream is the restartable cursor over one split range of one reader.
// The cursor counts records yielded; the record index wraps within the
// split range, so position is a pure function of the cursor.
type stream struct {
	r      Reader
	role   Role
	seqLen int
	lo     int64
	hi     int64
	cursor int64
}

func newStream(r Reader, seqLen int, role Role, split SplitSpec) *stream {
	lo, hi := split.Range(role, r.Records(seqLen))
	return &stream{r: r, role: role, seqLen: seqLen, lo: lo, hi: hi}
}

func (s *stream) next(out []int64) error {
	if s.hi <= s.lo {
		return errors.Errorf("source %s: empty %s split", s.r.Name(), s.role)
	}
	idx := s.lo + s.cursor%(s.hi-s.lo)
	if err := s.r.ReadAt(idx, s.seqLen, out); err != nil {
		return err
	}
	s.cursor++
	return nil
}

func (s *stream) state() SourceState {
	return SourceState{
		Name:        s.r.Name(),
		Cursor:      s.cursor,
		Fingerprint: s.r.Fingerprint(),
	}
}

func (s *stream) restore(st SourceState) error {
	if st.Name != s.r.Name() {
		return &ResumeError{Source: s.r.Name(), Reason: fmt.Sprintf("saved state belongs to %s", st.Name)}
	}
	if st.Fingerprint != s.r.Fingerprint() {
		return &ResumeError{
			Source: s.r.Name(),
			Reason: fmt.Sprintf("fingerprint changed from %s to %s", st.Fingerprint, s.r.Fingerprint()),
		}
	}
	if st.Cursor < 0 {
		return &ResumeError{Source: s.r.Name(), Reason: fmt.Sprintf("negative cursor %d", st.Cursor)}
	}
	s.cursor = st.Cursor
	return nil
}
