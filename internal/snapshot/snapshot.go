// Package snapshot manages external disk snapshots used to give a
// practice VM a disposable scratch layer: create one before a user
// session, revert to it afterwards, then delete it.
package snapshot

import (
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	libvirt "libvirt.org/go/libvirt"

	"github.com/lpem/lpem/internal/guestagent"
	"github.com/lpem/lpem/internal/hypervisor"
	"github.com/lpem/lpem/internal/lpemerr"
)

// Descriptor describes one external disk snapshot.
type Descriptor struct {
	Name        string
	DomainName  string
	DiskFiles   []string
	CreatedAt   time.Time
	State       string
	External    bool
	HasMemory   bool
	Description string

	// Disappeared is set by List when a snapshot that was enumerated by
	// the hypervisor could no longer be inspected by the time its
	// details were read (e.g. deleted concurrently).
	Disappeared bool
}

// Controller performs snapshot operations against a single domain.
type Controller struct {
	handle *hypervisor.DomainHandle
	logger *zap.Logger
}

// New builds a Controller for handle's domain.
func New(handle *hypervisor.DomainHandle, logger *zap.Logger) *Controller {
	return &Controller{handle: handle, logger: logger}
}

type domainDisksXML struct {
	Devices struct {
		Disks []struct {
			Type   string `xml:"type,attr"`
			Device string `xml:"device,attr"`
			Source struct {
				File string `xml:"file,attr"`
			} `xml:"source"`
			Target struct {
				Dev string `xml:"dev,attr"`
			} `xml:"target"`
		} `xml:"disk"`
	} `xml:"devices"`
}

func qualifyingDisks(domXML string) ([]struct{ Dev, File string }, error) {
	var parsed domainDisksXML
	if err := xml.Unmarshal([]byte(domXML), &parsed); err != nil {
		return nil, err
	}
	var out []struct{ Dev, File string }
	for _, d := range parsed.Devices.Disks {
		if d.Type == "file" && d.Device == "disk" && d.Source.File != "" && d.Target.Dev != "" {
			out = append(out, struct{ Dev, File string }{Dev: d.Target.Dev, File: d.Source.File})
		}
	}
	return out, nil
}

// Create takes an external disk snapshot named name. If the domain is
// running, it attempts a guest-agent filesystem freeze first and always
// attempts a thaw afterwards, even if the snapshot call itself fails. A
// name already in use by an existing snapshot is rejected up front.
func (c *Controller) Create(name string) (*Descriptor, error) {
	if existing, err := c.handle.Raw().SnapshotLookupByName(name, 0); err == nil {
		existing.Free()
		return nil, lpemerr.New("snapshot.Create", lpemerr.SnapshotOperation,
			fmt.Errorf("snapshot %q already exists for domain %s", name, c.handle.Name()))
	}

	domXML, err := c.handle.XML()
	if err != nil {
		return nil, err
	}
	disks, err := qualifyingDisks(domXML)
	if err != nil {
		return nil, lpemerr.New("snapshot.Create", lpemerr.Internal, err)
	}
	if len(disks) == 0 {
		return nil, lpemerr.New("snapshot.Create", lpemerr.SnapshotOperation,
			fmt.Errorf("domain %s has no qualifying disks to snapshot", c.handle.Name()))
	}

	state, err := c.handle.State()
	if err != nil {
		return nil, err
	}

	var froze bool
	var attemptedFreeze bool
	var agent *guestagent.Agent
	if state == libvirt.DOMAIN_RUNNING {
		agent = guestagent.New(c.handle.Raw(), c.logger)
		attemptedFreeze = true
		if ok, ferr := agent.Freeze(); ferr != nil {
			if c.logger != nil {
				c.logger.Warn("guest agent freeze failed, continuing without it",
					zap.String("domain", c.handle.Name()), zap.Error(ferr))
			}
		} else {
			froze = ok
		}
	}

	defer func() {
		if !froze || agent == nil {
			return
		}
		if _, terr := agent.Thaw(); terr != nil && c.logger != nil {
			c.logger.Error("guest agent thaw failed after snapshot; filesystem may remain frozen",
				zap.String("domain", c.handle.Name()), zap.Error(terr))
		}
	}()

	xmlDoc, diskFiles := buildSnapshotXML(name, disks, c.handle.Name())

	flags := libvirt.DOMAIN_SNAPSHOT_CREATE_DISK_ONLY | libvirt.DOMAIN_SNAPSHOT_CREATE_ATOMIC
	if attemptedFreeze && !froze {
		flags |= libvirt.DOMAIN_SNAPSHOT_CREATE_QUIESCE
	}
	snap, err := c.handle.Raw().CreateSnapshot(xmlDoc, flags)
	if err != nil {
		return nil, lpemerr.New("snapshot.Create", lpemerr.SnapshotOperation, err)
	}
	defer snap.Free()

	return &Descriptor{Name: name, DomainName: c.handle.Name(), DiskFiles: diskFiles, External: true}, nil
}

func buildSnapshotXML(name string, disks []struct{ Dev, File string }, domainName string) (string, []string) {
	type diskXML struct {
		Name     string `xml:"name,attr"`
		Snapshot string `xml:"snapshot,attr"`
		Source   struct {
			File string `xml:"file,attr"`
		} `xml:"source"`
	}
	type snapshotXML struct {
		XMLName xml.Name  `xml:"domainsnapshot"`
		Name    string    `xml:"name"`
		Disks   []diskXML `xml:"disks>disk"`
	}

	doc := snapshotXML{Name: name}
	var files []string
	for _, d := range disks {
		// Overlays live alongside the base disk they shadow, never in a
		// separate directory: <domain>-<target>-<snapshot>.qcow2.
		overlay := filepath.Join(filepath.Dir(d.File), fmt.Sprintf("%s-%s-%s.qcow2", domainName, d.Dev, name))
		dx := diskXML{Name: d.Dev, Snapshot: "external"}
		dx.Source.File = overlay
		doc.Disks = append(doc.Disks, dx)
		files = append(files, overlay)
	}

	out, _ := xml.Marshal(doc)
	return string(out), files
}

// Revert reverts the domain to the named snapshot. If the domain is
// active, it is shut down first (graceful, escalating to forced) since
// reverting a disk-only external snapshot while the guest is running
// would leave the disk chain inconsistent.
func (c *Controller) Revert(name string) error {
	snap, err := c.handle.Raw().SnapshotLookupByName(name, 0)
	if err != nil {
		return lpemerr.New("snapshot.Revert", lpemerr.SnapshotOperation, fmt.Errorf("snapshot %q not found: %w", name, err))
	}
	defer snap.Free()

	state, err := c.handle.State()
	if err != nil {
		return err
	}
	if state == libvirt.DOMAIN_RUNNING {
		if err := c.handle.Shutdown(false); err != nil {
			return err
		}
		state, err = c.handle.State()
		if err != nil {
			return err
		}
		if state == libvirt.DOMAIN_RUNNING {
			if err := c.handle.Shutdown(true); err != nil {
				return err
			}
		}
	}

	if err := snap.RevertToSnapshot(libvirt.DOMAIN_SNAPSHOT_REVERT_FORCE); err != nil {
		return lpemerr.New("snapshot.Revert", lpemerr.SnapshotOperation, err)
	}

	if state, err := c.handle.State(); err == nil && state == libvirt.DOMAIN_RUNNING {
		if c.logger != nil {
			c.logger.Warn("domain running after snapshot revert, expected inactive",
				zap.String("domain", c.handle.Name()), zap.String("snapshot", name))
		}
	}
	return nil
}

// Delete removes the snapshot, merging its overlay back into the base
// disk (block-commit) by default. A snapshot still visible immediately
// after delete is logged as a warning rather than an error, since the
// merge may complete asynchronously.
func (c *Controller) Delete(name string) error {
	snap, err := c.handle.Raw().SnapshotLookupByName(name, 0)
	if err != nil {
		return lpemerr.New("snapshot.Delete", lpemerr.SnapshotOperation, fmt.Errorf("snapshot %q not found: %w", name, err))
	}
	defer snap.Free()

	if err := snap.Delete(0); err != nil {
		return lpemerr.New("snapshot.Delete", lpemerr.SnapshotOperation, err)
	}

	if still, lookupErr := c.handle.Raw().SnapshotLookupByName(name, 0); lookupErr == nil {
		still.Free()
		if c.logger != nil {
			c.logger.Warn("snapshot still present immediately after delete; merge may be asynchronous",
				zap.String("domain", c.handle.Name()), zap.String("snapshot", name))
		}
	}
	return nil
}

type snapshotDetailXML struct {
	Description  string `xml:"description"`
	State        string `xml:"state"`
	CreationTime string `xml:"creationTime"`
	Memory       struct {
		Snapshot string `xml:"snapshot,attr"`
	} `xml:"memory"`
	Disks struct {
		Disk []struct {
			Snapshot string `xml:"snapshot,attr"`
		} `xml:"disk"`
	} `xml:"disks"`
}

// List describes every snapshot currently defined for the domain.
// Snapshots that disappear mid-scan (e.g. deleted concurrently) are
// reported with Disappeared set rather than failing the whole call.
func (c *Controller) List() ([]Descriptor, error) {
	snaps, err := c.handle.Raw().ListAllSnapshots(0)
	if err != nil {
		return nil, lpemerr.New("snapshot.List", lpemerr.SnapshotOperation, err)
	}
	out := make([]Descriptor, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, describeSnapshot(&s, c.handle.Name()))
		s.Free()
	}
	return out, nil
}

func describeSnapshot(s *libvirt.DomainSnapshot, domainName string) Descriptor {
	name, err := s.GetName()
	if err != nil {
		return Descriptor{DomainName: domainName, Disappeared: true}
	}

	xmlDesc, err := s.GetXMLDesc(0)
	if err != nil {
		return Descriptor{Name: name, DomainName: domainName, Disappeared: true}
	}

	var detail snapshotDetailXML
	if err := xml.Unmarshal([]byte(xmlDesc), &detail); err != nil {
		return Descriptor{Name: name, DomainName: domainName, Disappeared: true}
	}

	external := false
	for _, d := range detail.Disks.Disk {
		if d.Snapshot == "external" {
			external = true
			break
		}
	}

	var createdAt time.Time
	if secs, err := strconv.ParseInt(detail.CreationTime, 10, 64); err == nil {
		createdAt = time.Unix(secs, 0)
	}

	return Descriptor{
		Name:        name,
		DomainName:  domainName,
		CreatedAt:   createdAt,
		State:       detail.State,
		External:    external,
		HasMemory:   detail.Memory.Snapshot != "" && detail.Memory.Snapshot != "no",
		Description: detail.Description,
	}
}
