// Package ipresolve resolves a domain's guest IP address, trying the
// QEMU guest agent first and falling back to the libvirt network's
// DHCP lease table when the agent is unavailable.
package ipresolve

import (
	"encoding/xml"
	"fmt"

	"go.uber.org/zap"

	"github.com/lpem/lpem/internal/guestagent"
	"github.com/lpem/lpem/internal/hypervisor"
	"github.com/lpem/lpem/internal/lpemerr"
)

// Resolver resolves the IP address of a running domain. Implementations
// may be chained: each is tried in order until one succeeds.
type Resolver interface {
	ResolveIP(h *hypervisor.DomainHandle) (string, error)
}

// Chain tries each Resolver in order, returning the first successful
// result. It only continues to the next strategy on an AgentCommand or
// Network classified error; anything else is returned immediately.
type Chain struct {
	Strategies []Resolver
	logger     *zap.Logger
}

// NewChain builds the default agent-first, DHCP-lease-fallback chain.
func NewChain(logger *zap.Logger) *Chain {
	return &Chain{
		Strategies: []Resolver{
			&AgentResolver{logger: logger},
			&DHCPLeaseResolver{logger: logger},
		},
		logger: logger,
	}
}

func (c *Chain) ResolveIP(h *hypervisor.DomainHandle) (string, error) {
	var lastErr error
	for _, s := range c.Strategies {
		ip, err := s.ResolveIP(h)
		if err == nil {
			return ip, nil
		}
		lastErr = err
		kind, ok := lpemerr.KindOf(err)
		if ok && (kind == lpemerr.AgentCommand || kind == lpemerr.Network) {
			if c.logger != nil {
				c.logger.Debug("ip resolution strategy failed, trying next", zap.Error(err))
			}
			continue
		}
		return "", err
	}
	return "", lastErr
}

// AgentResolver resolves IPs by asking the in-guest QEMU agent directly.
type AgentResolver struct {
	logger *zap.Logger
}

func (r *AgentResolver) ResolveIP(h *hypervisor.DomainHandle) (string, error) {
	agent := guestagent.New(h.Raw(), r.logger)
	ifaces, err := agent.EnumerateInterfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if len(iface.IPAddresses) > 0 {
			return iface.IPAddresses[0], nil
		}
	}
	return "", lpemerr.NewAgent("ipresolve.AgentResolver", lpemerr.AgentUnresponsive,
		fmt.Errorf("guest agent reported no usable interfaces"))
}

// DHCPLeaseResolver resolves IPs by reading the libvirt network's DHCP
// lease table and matching on the domain's configured MAC address. Used
// when the guest agent is not installed or not yet responsive.
type DHCPLeaseResolver struct {
	logger *zap.Logger
}

type domainXMLInterfaces struct {
	Devices struct {
		Interfaces []struct {
			Type string `xml:"type,attr"`
			MAC  struct {
				Address string `xml:"address,attr"`
			} `xml:"mac"`
			Source struct {
				Network string `xml:"network,attr"`
			} `xml:"source"`
		} `xml:"interface"`
	} `xml:"devices"`
}

func (r *DHCPLeaseResolver) ResolveIP(h *hypervisor.DomainHandle) (string, error) {
	xmlDesc, err := h.XML()
	if err != nil {
		return "", err
	}

	var parsed domainXMLInterfaces
	if err := xml.Unmarshal([]byte(xmlDesc), &parsed); err != nil {
		return "", lpemerr.New("ipresolve.DHCPLeaseResolver", lpemerr.Internal, err)
	}

	for _, iface := range parsed.Devices.Interfaces {
		if iface.Type != "network" || iface.Source.Network == "" {
			continue
		}
		network, err := h.Conn().LookupNetworkByName(iface.Source.Network)
		if err != nil {
			return "", lpemerr.New("ipresolve.DHCPLeaseResolver", lpemerr.Network, err)
		}
		defer network.Free()

		leases, err := network.GetDHCPLeases()
		if err != nil {
			return "", lpemerr.New("ipresolve.DHCPLeaseResolver", lpemerr.Network, err)
		}
		for _, lease := range leases {
			if equalMAC(lease.Mac, iface.MAC.Address) {
				return lease.IPaddr, nil
			}
		}
	}
	return "", lpemerr.New("ipresolve.DHCPLeaseResolver", lpemerr.Network,
		fmt.Errorf("no DHCP lease found for domain %s", h.Name()))
}

func equalMAC(a, b string) bool {
	return len(a) == len(b) && len(a) > 0 && sameASCIIFold(a, b)
}

func sameASCIIFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
