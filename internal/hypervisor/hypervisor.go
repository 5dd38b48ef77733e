// Package hypervisor wraps the libvirt connection and domain lifecycle
// calls used to stand up, inspect, and tear down a practice VM.
package hypervisor

import (
	"crypto/md5"
	"fmt"
	"sync"

	"go.uber.org/zap"
	libvirt "libvirt.org/go/libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/lpem/lpem/internal/lpemerr"
)

// Disk describes one block device attached to a domain.
type Disk struct {
	TargetDev  string // e.g. "vda"
	SourceFile string
	Driver     string // "qcow2", "raw"
}

// DomainSpec describes a domain to be defined and started fresh.
type DomainSpec struct {
	Name        string
	VCPU        uint
	MemoryMB    uint
	DiskPath    string
	DiskGB      uint
	NetworkName string
	CDROMPath   string
}

// Gateway owns a single libvirt connection for the lifetime of a
// challenge session.
type Gateway struct {
	logger *zap.Logger
	conn   *libvirt.Connect

	mu     sync.Mutex
	closed bool
}

var (
	libvirtInitOnce sync.Once
	libvirtInitErr  error
)

// Open connects to the hypervisor at uri. It must be called before any
// other gateway operation.
func Open(uri string, logger *zap.Logger) (*Gateway, error) {
	libvirtInitOnce.Do(func() {
		libvirtInitErr = libvirt.EventRegisterDefaultImpl()
	})
	if libvirtInitErr != nil {
		return nil, lpemerr.New("hypervisor.Open", lpemerr.LibvirtConnection, libvirtInitErr)
	}

	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, lpemerr.New("hypervisor.Open", lpemerr.LibvirtConnection, err)
	}
	return &Gateway{logger: logger, conn: conn}, nil
}

// Close releases the libvirt connection. Handles obtained from this
// gateway become stale after Close returns.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if _, err := g.conn.Close(); err != nil {
		return lpemerr.New("hypervisor.Close", lpemerr.LibvirtConnection, err)
	}
	return nil
}

// DomainHandle wraps a libvirt domain and refuses to operate once its
// owning gateway has been closed.
type DomainHandle struct {
	gateway *Gateway
	domain  *libvirt.Domain
	name    string
}

// ErrStaleHandle is returned by any DomainHandle operation performed
// after the owning Gateway has been closed.
var ErrStaleHandle = fmt.Errorf("hypervisor: handle used after gateway closed")

func (g *Gateway) checkOpen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrStaleHandle
	}
	return nil
}

// LookupDomain finds an existing domain by name.
func (g *Gateway) LookupDomain(name string) (*DomainHandle, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	dom, err := g.conn.LookupDomainByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil, lpemerr.New("hypervisor.LookupDomain", lpemerr.VMNotFound, err)
		}
		return nil, lpemerr.New("hypervisor.LookupDomain", lpemerr.LibvirtConnection, err)
	}
	return &DomainHandle{gateway: g, domain: dom, name: name}, nil
}

// ListDomainNames returns the names of every domain currently defined,
// active or inactive.
func (g *Gateway) ListDomainNames() ([]string, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	doms, err := g.conn.ListAllDomains(0)
	if err != nil {
		return nil, lpemerr.New("hypervisor.ListDomainNames", lpemerr.LibvirtConnection, err)
	}
	names := make([]string, 0, len(doms))
	for _, d := range doms {
		n, err := d.GetName()
		if err == nil {
			names = append(names, n)
		}
		d.Free()
	}
	return names, nil
}

// CreateDomain defines and starts a new domain from spec, deriving a
// deterministic MAC address from its name so repeated runs against the
// same name are reproducible.
func (g *Gateway) CreateDomain(spec DomainSpec) (*DomainHandle, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}

	mac := deriveMAC(spec.Name)
	domainXML := buildDomainXML(spec, mac)

	xmlStr, err := domainXML.Marshal()
	if err != nil {
		return nil, lpemerr.New("hypervisor.CreateDomain", lpemerr.Internal, err)
	}

	dom, err := g.conn.DomainDefineXML(xmlStr)
	if err != nil {
		return nil, lpemerr.New("hypervisor.CreateDomain", lpemerr.LibvirtConnection, err)
	}

	if err := dom.Create(); err != nil {
		_ = dom.Undefine()
		return nil, lpemerr.New("hypervisor.CreateDomain", lpemerr.LibvirtConnection, err)
	}

	return &DomainHandle{gateway: g, domain: dom, name: spec.Name}, nil
}

// buildDomainXML assembles the q35/virtio domain definition: virtio disk
// and net, a virtio-serial channel for the QEMU guest agent, a
// virtio-rng device, and VNC bound to loopback only.
func buildDomainXML(spec DomainSpec, mac string) *libvirtxml.Domain {
	return &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: spec.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: spec.VCPU,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{Mode: "host-passthrough"},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: spec.DiskPath},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					MAC: &libvirtxml.DomainInterfaceMAC{Address: mac},
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: spec.NetworkName},
					},
					Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
				},
			},
			Channels: []libvirtxml.DomainChannel{
				{
					Source: &libvirtxml.DomainChardevSource{
						UNIX: &libvirtxml.DomainChardevSourceUNIX{},
					},
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: "org.qemu.guest_agent.0"},
					},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
					},
				},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{
					VNC: &libvirtxml.DomainGraphicVNC{
						Port:      -1,
						AutoPort:  "yes",
						Listen:    "127.0.0.1",
						Listeners: []libvirtxml.DomainGraphicListener{{Address: &libvirtxml.DomainGraphicListenerAddress{Address: "127.0.0.1"}}},
					},
				},
			},
		},
	}
}

// deriveMAC produces a deterministic, QEMU-reserved-OUI MAC address from
// a domain name so that recreating the same-named domain yields the
// same address.
func deriveMAC(name string) string {
	sum := md5.Sum([]byte(name))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	virErr, ok := err.(libvirt.Error)
	if !ok {
		return false
	}
	return virErr.Code == libvirt.ERR_NO_DOMAIN || virErr.Code == libvirt.ERR_NO_NETWORK
}

// Name returns the domain's name.
func (h *DomainHandle) Name() string { return h.name }

// Raw exposes the underlying libvirt domain for packages (guestagent,
// snapshot) that need the native handle directly. Callers must not
// Free() it; the owning Gateway manages its lifetime.
func (h *DomainHandle) Raw() *libvirt.Domain { return h.domain }

// Conn exposes the underlying libvirt connection, needed for network
// lookups during DHCP-lease based IP resolution.
func (h *DomainHandle) Conn() *libvirt.Connect { return h.gateway.conn }

// XML returns the domain's current live (or, if inactive, inactive)
// XML description.
func (h *DomainHandle) XML() (string, error) {
	if err := h.gateway.checkOpen(); err != nil {
		return "", err
	}
	s, err := h.domain.GetXMLDesc(0)
	if err != nil {
		return "", lpemerr.New("hypervisor.XML", lpemerr.LibvirtConnection, err)
	}
	return s, nil
}

// State reports whether the domain is currently running.
func (h *DomainHandle) State() (libvirt.DomainState, error) {
	if err := h.gateway.checkOpen(); err != nil {
		return 0, err
	}
	state, _, err := h.domain.GetState()
	if err != nil {
		return 0, lpemerr.New("hypervisor.State", lpemerr.LibvirtConnection, err)
	}
	return state, nil
}

// Start powers the domain on if it is not already running.
func (h *DomainHandle) Start() error {
	if err := h.gateway.checkOpen(); err != nil {
		return err
	}
	state, err := h.State()
	if err != nil {
		return err
	}
	if state == libvirt.DOMAIN_RUNNING {
		return nil
	}
	if err := h.domain.Create(); err != nil {
		return lpemerr.New("hypervisor.Start", lpemerr.LibvirtConnection, err)
	}
	return nil
}

// Shutdown requests a graceful shutdown, or destroys the domain
// immediately if force is true.
func (h *DomainHandle) Shutdown(force bool) error {
	if err := h.gateway.checkOpen(); err != nil {
		return err
	}
	if force {
		if err := h.domain.Destroy(); err != nil && !isNotRunning(err) {
			return lpemerr.New("hypervisor.Shutdown", lpemerr.LibvirtConnection, err)
		}
		return nil
	}
	if err := h.domain.Shutdown(); err != nil && !isNotRunning(err) {
		return lpemerr.New("hypervisor.Shutdown", lpemerr.LibvirtConnection, err)
	}
	return nil
}

// Destroy forcibly stops the domain, ignoring "not running" errors.
func (h *DomainHandle) Destroy() error {
	if err := h.gateway.checkOpen(); err != nil {
		return err
	}
	if err := h.domain.Destroy(); err != nil && !isNotRunning(err) {
		return lpemerr.New("hypervisor.Destroy", lpemerr.LibvirtConnection, err)
	}
	return nil
}

// Undefine removes the domain's persistent definition. The domain must
// already be shut off.
func (h *DomainHandle) Undefine() error {
	if err := h.gateway.checkOpen(); err != nil {
		return err
	}
	if err := h.domain.Undefine(); err != nil {
		return lpemerr.New("hypervisor.Undefine", lpemerr.LibvirtConnection, err)
	}
	return nil
}

func isNotRunning(err error) bool {
	virErr, ok := err.(libvirt.Error)
	if !ok {
		return false
	}
	return virErr.Code == libvirt.ERR_OPERATION_INVALID || virErr.Code == libvirt.ERR_NO_DOMAIN
}
