package metrics

// RunningMean is the mean of the last window samples, maintained in O(1)
// per update. Not safe for concurrent use.
type RunningMean struct {
	buf    []float64
	next   int
	filled int
	sum    float64
}

func NewRunningMean(window int) *RunningMean {
	if window < 1 {
		window = 1
	}
	return &RunningMean{buf: make([]float64, window)}
}

func (m *RunningMean) Add(x float64) {
	if m.filled == len(m.buf) {
		m.sum -= m.buf[m.next]
	} else {
		m.filled++
	}
	m.buf[m.next] = x
	m.sum += x
	m.next = (m.next + 1) % len(m.buf)
}

func (m *RunningMean) Count() int { return m.filled }

func (m *RunningMean) Mean() float64 {
	if m.filled == 0 {
		return 0
	}
	return m.sum / float64(m.filled)
}
