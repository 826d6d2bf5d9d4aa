// Package hostfile parses MPI style hostfiles.
package hostfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mlweave/loom/plan"
)

func ParseFile(filename string) (plan.HostList, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(string(bs))
}

func Parse(text string) (plan.HostList, error) {
	var hl plan.HostList
	for _, line := range strings.Split(text, "\n") {
		line = trimComment(line)
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		h, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		hl = append(hl, *h)
	}
	return hl, nil
}

var errInvalidHostfile = errors.New("invalid hostfile")

func parseLine(line string) (*plan.HostSpec, error) {
	parts := strings.Fields(line)
	if len(parts) < 1 {
		return nil, errInvalidHostfile
	}
	ipv4, err := plan.ParseIPv4(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%v: %q", err, parts[0])
	}
	slots := 1
	pubAddr := plan.FormatIPv4(ipv4)
	for _, kv := range parts[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errInvalidHostfile
		}
		switch k {
		case `slots`:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errInvalidHostfile
			}
			slots = n
		case `public_addr`:
			pubAddr = v
		default:
			return nil, errInvalidHostfile
		}
	}
	return &plan.HostSpec{
		Hostname:   ipv4,
		Slots:      slots,
		PublicAddr: pubAddr,
	}, nil
}

func trimComment(line string) string {
	before, _, _ := strings.Cut(line, "#")
	return before
}
