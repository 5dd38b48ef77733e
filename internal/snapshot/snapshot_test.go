package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDomainXML = `
<domain type='kvm'>
  <name>practice-vm-1</name>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/libvirt/images/practice-vm-1.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <source file='/var/lib/libvirt/images/seed.iso'/>
      <target dev='sda' bus='sata'/>
    </disk>
  </devices>
</domain>
`

func TestQualifyingDisksSkipsCDROM(t *testing.T) {
	disks, err := qualifyingDisks(sampleDomainXML)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, "vda", disks[0].Dev)
	assert.Equal(t, "/var/lib/libvirt/images/practice-vm-1.qcow2", disks[0].File)
}

func TestBuildSnapshotXMLNamesOverlayPerDisk(t *testing.T) {
	disks, err := qualifyingDisks(sampleDomainXML)
	require.NoError(t, err)

	xmlDoc, files := buildSnapshotXML("practice_external_snapshot", disks, "practice-vm-1")
	require.Len(t, files, 1)
	assert.Equal(t, "/var/lib/libvirt/images/practice-vm-1-vda-practice_external_snapshot.qcow2", files[0])
	assert.Contains(t, xmlDoc, "snapshot=\"external\"")
	assert.Contains(t, xmlDoc, "name=\"vda\"")
}
