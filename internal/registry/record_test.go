package registry

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sandboxIDPattern = regexp.MustCompile(`^sbx-[0-9a-f]{12}$`)

func TestNewIDFormat(t *testing.T) {
	id, err := NewID()
	require.NoError(t, err)
	assert.Regexp(t, sandboxIDPattern, id)
}

func TestNewRecordDefaults(t *testing.T) {
	rec, err := NewRecord("user-1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCreating, rec.Status)
	assert.Equal(t, DefaultTTLSeconds, rec.TTLSeconds)
	assert.Equal(t, DefaultHotPath, rec.HotPath)
	assert.Equal(t, DefaultColdPath, rec.ColdPath)
	assert.True(t, rec.ExpiresAt.After(rec.CreatedAt))
}

func TestNewRecordExplicitTTL(t *testing.T) {
	rec, err := NewRecord("user-1", 60, map[string]any{"template": "python"})
	require.NoError(t, err)
	assert.Equal(t, 60, rec.TTLSeconds)
	assert.Equal(t, "python", rec.Config["template"])
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCreating.Terminal())
}

func TestRecordCloneIsIndependent(t *testing.T) {
	containerID := "abc"
	reason := StopReasonUserRequested
	port := 2222
	rec := &Record{
		SandboxID:   "sbx-1",
		ContainerID: &containerID,
		StopReason:  &reason,
		SSHPort:     &port,
		Config:      map[string]any{"k": "v"},
	}

	clone := rec.Clone()
	*clone.ContainerID = "mutated"
	clone.Config["k"] = "mutated"

	assert.Equal(t, "abc", *rec.ContainerID)
	assert.Equal(t, "v", rec.Config["k"])
}

func TestRecordCloneNil(t *testing.T) {
	var rec *Record
	assert.Nil(t, rec.Clone())
}
