// Package xterm colors the per-rank prefixes of the launcher output.
package xterm

import "fmt"

type Color interface {
	S(text string) string
}

// ColorSet assigns stable colors to ranks.
type ColorSet []Color

func (cs ColorSet) Choose(i int) Color {
	return cs[i%len(cs)]
}

var (
	BasicColors = ColorSet{
		Green,
		Blue,
		Yellow,
		LightBlue,
	}

	Warn = Red
)

type color struct {
	f uint8
}

var (
	Green     = color{f: 32}
	Yellow    = color{f: 33}
	Blue      = color{f: 34}
	Red       = color{f: 35}
	LightBlue = color{f: 36}
	Grey      = color{f: 37}
)

func (c color) S(text string) string {
	return fmt.Sprintf("\x1b[1;%dm%s\x1b[m", c.f, text)
}

// NoColor passes text through, for logs that leave the terminal.
var NoColor = noColor{}

type noColor struct{}

func (c noColor) S(text string) string { return text }
