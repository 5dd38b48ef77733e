// Package guestagent talks to the QEMU guest agent running inside a
// domain: filesystem freeze/thaw around snapshots and interface
// enumeration for agent-based IP resolution.
package guestagent

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	libvirt "libvirt.org/go/libvirt"

	"github.com/lpem/lpem/internal/lpemerr"
)

const defaultTimeoutSeconds = 10

// Agent issues guest-agent commands against one domain.
type Agent struct {
	domain *libvirt.Domain
	logger *zap.Logger
}

// New wraps the raw libvirt domain handle in an Agent.
func New(domain *libvirt.Domain, logger *zap.Logger) *Agent {
	return &Agent{domain: domain, logger: logger}
}

type rpcRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

// Exec issues a single guest-agent RPC command and returns its raw
// "return" payload as JSON bytes.
func (a *Agent) Exec(execute string, args any) (json.RawMessage, error) {
	req := rpcRequest{Execute: execute, Arguments: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, lpemerr.New("guestagent.Exec", lpemerr.Internal, err)
	}

	resp, err := a.domain.QemuAgentCommand(string(payload), defaultTimeoutSeconds, 0)
	if err != nil {
		return nil, classify(execute, err)
	}

	var envelope struct {
		Return json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal([]byte(resp), &envelope); err != nil {
		return nil, lpemerr.NewAgent("guestagent.Exec", lpemerr.AgentProtocol, err)
	}
	return envelope.Return, nil
}

func classify(op string, err error) error {
	virErr, ok := err.(libvirt.Error)
	if !ok {
		return lpemerr.NewAgent("guestagent."+op, lpemerr.AgentProtocol, err)
	}
	switch virErr.Code {
	case libvirt.ERR_AGENT_UNRESPONSIVE, libvirt.ERR_OPERATION_TIMEOUT:
		return lpemerr.NewAgent("guestagent."+op, lpemerr.AgentUnresponsive, err)
	case libvirt.ERR_OPERATION_UNSUPPORTED, libvirt.ERR_OPERATION_INVALID:
		return lpemerr.NewAgent("guestagent."+op, lpemerr.AgentUnsupported, err)
	default:
		return lpemerr.NewAgent("guestagent."+op, lpemerr.AgentProtocol, err)
	}
}

// Freeze issues guest-fsfreeze-freeze. A nil error means the agent
// accepted the command, matching QEMU's fsfreeze semantics where the
// RPC layer itself reports refusal as an error rather than a payload.
func (a *Agent) Freeze() (bool, error) {
	if _, err := a.Exec("guest-fsfreeze-freeze", nil); err != nil {
		return false, err
	}
	return true, nil
}

// Thaw issues guest-fsfreeze-thaw. Callers that froze the filesystem
// must call Thaw even when the action that prompted the freeze failed.
func (a *Agent) Thaw() (bool, error) {
	if _, err := a.Exec("guest-fsfreeze-thaw", nil); err != nil {
		return false, err
	}
	return true, nil
}

// Interface describes one guest network interface as reported by the
// agent's guest-network-get-interfaces command.
type Interface struct {
	Name          string
	HardwareAddr  string
	IPAddresses   []string
}

// EnumerateInterfaces asks the guest agent for its live interface list
// and returns every non-loopback IPv4 address found.
func (a *Agent) EnumerateInterfaces() ([]Interface, error) {
	ret, err := a.Exec("guest-network-get-interfaces", nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Name       string `json:"name"`
		HardwareAddr string `json:"hardware-address"`
		IPAddresses []struct {
			Type   string `json:"ip-address-type"`
			Addr   string `json:"ip-address"`
		} `json:"ip-addresses"`
	}
	if err := json.Unmarshal(ret, &raw); err != nil {
		return nil, lpemerr.NewAgent("guestagent.EnumerateInterfaces", lpemerr.AgentProtocol, err)
	}

	out := make([]Interface, 0, len(raw))
	for _, iface := range raw {
		if iface.Name == "lo" {
			continue
		}
		var addrs []string
		for _, a := range iface.IPAddresses {
			if a.Type == "ipv4" {
				addrs = append(addrs, a.Addr)
			}
		}
		if len(addrs) == 0 {
			continue
		}
		out = append(out, Interface{Name: iface.Name, HardwareAddr: iface.HardwareAddr, IPAddresses: addrs})
	}
	return out, nil
}

// String implements fmt.Stringer for logging.
func (i Interface) String() string {
	return fmt.Sprintf("%s(%s)=%v", i.Name, i.HardwareAddr, i.IPAddresses)
}
