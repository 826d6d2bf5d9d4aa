package plan

import "fmt"

// Interval represents the interval of integers [Begin, End)
type Interval struct {
	Begin int
	End   int
}

func (i Interval) Len() int { return i.End - i.Begin }

func (i Interval) String() string {
	return fmt.Sprintf("[%d,%d)", i.Begin, i.End)
}

// EvenPartition parts an Interval into k parts such that the lengths of any
// two parts differ by at most 1.
func EvenPartition(r Interval, k int) []Interval {
	quo, rem := r.Len()/k, r.Len()%k
	var parts []Interval
	offset := r.Begin
	for i := 0; i < k; i++ {
		blockCount := quo
		if i < rem {
			blockCount++
		}
		parts = append(parts, Interval{Begin: offset, End: offset + blockCount})
		offset += blockCount
	}
	return parts
}
