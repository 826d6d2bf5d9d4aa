package runner

import (
	"errors"
	"net"

	"github.com/mlweave/loom/plan"
)

// InferSelfIPv4 resolves the launcher's own address, from -self, the
// given NIC, or the loopback fallback.
func InferSelfIPv4(ipv4 string, nic string) (uint32, error) {
	if len(ipv4) > 0 {
		return plan.ParseIPv4(ipv4)
	}
	if len(nic) > 0 {
		return inferIPv4(nic)
	}
	return plan.MustParseIPv4(`127.0.0.1`), nil
}

var errNoIPv4Found = errors.New("no ipv4 found")

func inferIPv4(nic string) (uint32, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, i := range ifaces {
		if i.Name != nic {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil {
				ip = ip.To4()
			}
			if ip != nil {
				return plan.PackIPv4(ip), nil
			}
		}
	}
	return 0, errNoIPv4Found
}
