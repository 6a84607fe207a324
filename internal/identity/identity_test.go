package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetNodeIDUpdatesReader(t *testing.T) {
	id := New("N", "203.0.113.5", "abc123")
	assert.Equal(t, "N", id.NodeID())
	id.SetNodeID("N2")
	assert.Equal(t, "N2", id.NodeID())
}

func TestReconcilingFlag(t *testing.T) {
	id := New("N", "", "")
	assert.False(t, id.IsReconciling())
	id.SetReconciling(true)
	assert.True(t, id.IsReconciling())
}
