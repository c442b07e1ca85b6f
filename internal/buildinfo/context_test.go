package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextAccessors(t *testing.T) {
	tests := []struct {
		name    string
		ctx     *Context
		version string
		date    string
	}{
		{"nil context", nil, UnknownValue, UnknownValue},
		{"empty values", &Context{}, UnknownValue, UnknownValue},
		{"set values", NewContext("1.2.0", "2026-10-01", "abc123"), "1.2.0", "2026-10-01"},
		{"pre-release", NewContext("1.3.0-beta.1", "", "abc123"), "1.3.0-beta.1", UnknownValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.version, tt.ctx.GetVersion())
			assert.Equal(t, tt.date, tt.ctx.GetBuildDate())
		})
	}
}

func TestRelease(t *testing.T) {
	assert.Equal(t, "pcmstream@1.2.0", NewContext("1.2.0", "", "x").Release())
	assert.Equal(t, "pcmstream@unknown", (*Context)(nil).Release())
}

func TestCommitFallback(t *testing.T) {
	assert.Equal(t, "abc123", NewContext("", "", "abc123").GetCommit())
	// test binaries carry no VCS stamp
	assert.NotEmpty(t, NewContext("", "", "").GetCommit())
}
