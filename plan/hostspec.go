package plan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errInvalidHostSpec = errors.New("invalid host spec")

// HostSpec describes one machine of the cluster: its bind address, the
// number of rank processes it runs, and the address peers reach it at.
type HostSpec struct {
	Hostname   uint32
	Slots      int
	PublicAddr string
}

var DefaultHostSpec = HostSpec{
	Hostname:   MustParseIPv4(`127.0.0.1`),
	Slots:      1,
	PublicAddr: `127.0.0.1`,
}

var DefaultHostList = HostList{DefaultHostSpec}

func (h HostSpec) String() string {
	return fmt.Sprintf("%s:%d:%s", FormatIPv4(h.Hostname), h.Slots, h.PublicAddr)
}

func parseHostSpec(spec string) (*HostSpec, error) {
	parts := strings.Split(spec, ":")
	ipv4, err := ParseIPv4(parts[0])
	if err != nil {
		return nil, err
	}
	switch len(parts) {
	case 1:
		return &HostSpec{Hostname: ipv4, Slots: 1, PublicAddr: parts[0]}, nil
	case 2:
		slots, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errInvalidHostSpec
		}
		return &HostSpec{Hostname: ipv4, Slots: slots, PublicAddr: parts[0]}, nil
	case 3:
		slots, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errInvalidHostSpec
		}
		return &HostSpec{Hostname: ipv4, Slots: slots, PublicAddr: parts[2]}, nil
	}
	return nil, errInvalidHostSpec
}

type HostList []HostSpec

func (hl HostList) String() string {
	var ss []string
	for _, h := range hl {
		ss = append(ss, h.String())
	}
	return strings.Join(ss, ",")
}

// ParseHostList parses a comma separated list of host specs of the form
// <ipv4>[:slots[:public addr]].
func ParseHostList(hostlist string) (HostList, error) {
	var hosts HostList
	for _, h := range strings.Split(hostlist, ",") {
		spec, err := parseHostSpec(h)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *spec)
	}
	return hosts, nil
}

func (hl HostList) Cap() int {
	var cap int
	for _, h := range hl {
		cap += h.Slots
	}
	return cap
}

type PortRange struct {
	Begin uint16
	End   uint16
}

var DefaultPortRange = PortRange{
	Begin: 10000,
	End:   11000,
}

var errInvalidPortRange = errors.New("invalid port range")

func ParsePortRange(val string) (*PortRange, error) {
	var begin, end uint16
	if _, err := fmt.Sscanf(val, "%d-%d", &begin, &end); err != nil {
		return nil, err
	}
	if end < begin {
		return nil, errInvalidPortRange
	}
	return &PortRange{Begin: begin, End: end}, nil
}

func (pr PortRange) Cap() int {
	return int(pr.End - pr.Begin + 1)
}

func (pr PortRange) String() string {
	return fmt.Sprintf("%d-%d", pr.Begin, pr.End)
}

// Set implements flag.Value.
func (pr *PortRange) Set(val string) error {
	q, err := ParsePortRange(val)
	if err != nil {
		return err
	}
	*pr = *q
	return nil
}

var errNoEnoughCapacity = errors.New("no enough capacity")

// GenPeerList assigns np peers onto the hosts in order, one port per local
// slot starting from the beginning of the port range.
func (hl HostList) GenPeerList(np int, pr PortRange) (PeerList, error) {
	if hl.Cap() < np {
		return nil, errNoEnoughCapacity
	}
	for _, h := range hl {
		if pr.Cap() < h.Slots {
			return nil, errNoEnoughCapacity
		}
	}
	var pl PeerList
	for _, host := range hl {
		for j := 0; j < host.Slots; j++ {
			pl = append(pl, PeerID{
				IPv4: host.Hostname,
				Port: pr.Begin + uint16(j),
			})
			if len(pl) >= np {
				return pl, nil
			}
		}
	}
	return pl, nil
}
