package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveMACIsDeterministic(t *testing.T) {
	a := deriveMAC("practice-vm-1")
	b := deriveMAC("practice-vm-1")
	assert.Equal(t, a, b)
}

func TestDeriveMACUsesQEMUPrefix(t *testing.T) {
	mac := deriveMAC("practice-vm-1")
	assert.Regexp(t, `^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, mac)
}

func TestDeriveMACDiffersByName(t *testing.T) {
	assert.NotEqual(t, deriveMAC("vm-a"), deriveMAC("vm-b"))
}
