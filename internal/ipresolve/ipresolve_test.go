package ipresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqualMACCaseInsensitive(t *testing.T) {
	assert.True(t, equalMAC("52:54:00:AB:CD:EF", "52:54:00:ab:cd:ef"))
}

func TestEqualMACMismatch(t *testing.T) {
	assert.False(t, equalMAC("52:54:00:ab:cd:ef", "52:54:00:ab:cd:ff"))
}

func TestEqualMACDifferentLength(t *testing.T) {
	assert.False(t, equalMAC("52:54:00:ab:cd:ef", "52:54:00:ab:cd"))
}
