package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "****", MaskToken("abcd"), "short tokens are fully masked")
	assert.Equal(t, "********", MaskToken("12345678"))

	masked := MaskToken("sk-1234567890abcdef")
	assert.Equal(t, "sk-1****cdef", masked)
	assert.NotContains(t, masked, "567890ab")
}

func TestNewLoggerLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		l, err := NewLogger(lvl)
		assert.NoError(t, err, lvl)
		assert.NotNil(t, l)
	}
	// Unknown levels fall back to info rather than failing startup.
	l, err := NewLogger("verbose")
	assert.NoError(t, err)
	assert.NotNil(t, l)
}

func TestNewNopDiscards(t *testing.T) {
	l := NewNop()
	l.Info("discarded", String("k", strings.Repeat("v", 10)))
	l.Error("also discarded", Error(nil))
}
