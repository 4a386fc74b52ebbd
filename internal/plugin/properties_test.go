package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPropertyTree_Find(t *testing.T) {
	tree := PropertyTree{Nodes: []PropertyNode{
		{Key: "device_id", Label: "Device", Kind: NodeList},
		{Key: "speaker_layout", Label: "Speaker Layout", Kind: NodeEnum},
	}}

	node, ok := tree.Find("speaker_layout")
	assert.True(t, ok)
	assert.Equal(t, "Speaker Layout", node.Label)

	_, ok = tree.Find("nonexistent")
	assert.False(t, ok)
}
