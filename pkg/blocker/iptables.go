package blocker

import (
	"net"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
)

// Firewall adds and removes the DROP rules of blocked addresses.
type Firewall interface {
	Block(ip string) error
	Unblock(ip string) error
	// Blocked returns every address with a DROP rule.
	Blocked() (map[string]struct{}, error)
}

const (
	table = "filter"
	chain = "INPUT"
)

// Iptables manages rules in the INPUT chain of the filter table, using
// ip6tables for IPv6 addresses when it is available.
type Iptables struct {
	v4 *iptables.IPTables
	v6 *iptables.IPTables
}

func NewIptables() (*Iptables, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get iptables link")
	}

	// hosts without ip6tables only block IPv4 addresses
	v6, _ := iptables.NewWithProtocol(iptables.ProtocolIPv6)

	return &Iptables{v4: v4, v6: v6}, nil
}

func (i *Iptables) link(ip string) (*iptables.IPTables, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, errors.Errorf("%q is not an IP address", ip)
	}
	if addr.To4() != nil {
		return i.v4, nil
	}
	if i.v6 == nil {
		return nil, errors.Errorf("ip6tables is not available to block %v", ip)
	}
	return i.v6, nil
}

func (i *Iptables) Block(ip string) error {
	ipt, err := i.link(ip)
	if err != nil {
		return err
	}

	return errors.Wrap(ipt.AppendUnique(table, chain, "-s", ip, "-j", "DROP"), "failed to insert iptables rule")
}

func (i *Iptables) Unblock(ip string) error {
	ipt, err := i.link(ip)
	if err != nil {
		return err
	}

	return errors.Wrap(ipt.DeleteIfExists(table, chain, "-s", ip, "-j", "DROP"), "failed to delete iptables rule")
}

func (i *Iptables) Blocked() (map[string]struct{}, error) {
	res := make(map[string]struct{})

	for _, ipt := range []*iptables.IPTables{i.v4, i.v6} {
		if ipt == nil {
			continue
		}

		rules, err := ipt.List(table, chain)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list iptables rules")
		}

		for _, rule := range rules {
			if ip, ok := parseDropRule(rule); ok {
				res[ip] = struct{}{}
			}
		}
	}

	return res, nil
}

// parseDropRule extracts the source of a rule like "-A INPUT -s 10.0.0.1/32 -j DROP".
// Rules for networks or with extra matches are not ours and are ignored.
func parseDropRule(rule string) (string, bool) {
	fields := strings.Fields(rule)
	if len(fields) != 6 || fields[0] != "-A" || fields[2] != "-s" || fields[4] != "-j" || fields[5] != "DROP" {
		return "", false
	}

	source := fields[3]
	if host, bits, ok := strings.Cut(source, "/"); ok {
		if bits != "32" && bits != "128" {
			return "", false
		}
		source = host
	}

	ip := net.ParseIP(source)
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}
