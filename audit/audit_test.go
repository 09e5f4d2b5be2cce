// +build unit

package audit

import (
	"crypto/sha256"
	"hash"
	"testing"

	uuid "github.com/kthomas/go.uuid"
	"github.com/providenetwork/merkletree"
	"github.com/provideplatform/proofmarket/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventFactory(event string) *Event {
	id, _ := uuid.NewV4()
	requestID, _ := uuid.NewV4()

	evt := &Event{
		RequestID: &requestID,
		Event:     common.StringOrNil(event),
	}
	evt.ID = id
	return evt
}

func TestLeafValueDeterministic(t *testing.T) {
	evt := eventFactory("request.matched")
	assert.Equal(t, leafValue(evt), leafValue(evt))
}

func TestLeafValueDistinctPerEvent(t *testing.T) {
	assert.NotEqual(t, leafValue(eventFactory("request.matched")), leafValue(eventFactory("request.matched")))
}

func TestEventContentEquality(t *testing.T) {
	evt := eventFactory("request.completed")
	other := eventFactory("request.completed")

	a := &eventContent{value: leafValue(evt)}
	b := &eventContent{value: leafValue(evt)}
	c := &eventContent{value: leafValue(other)}

	equal, err := a.Equals(b)
	require.NoError(t, err)
	assert.True(t, equal)

	equal, err = a.Equals(c)
	require.NoError(t, err)
	assert.False(t, equal)
}

func TestRootChangesPerAppendedLeaf(t *testing.T) {
	leaves := []merkletree.Content{
		&eventContent{value: leafValue(eventFactory("request.matched"))},
	}

	tree, err := merkletree.NewTreeWithHashStrategy(leaves, func() hash.Hash {
		return sha256.New()
	})
	require.NoError(t, err)
	root := make([]byte, len(tree.MerkleRoot()))
	copy(root, tree.MerkleRoot())

	leaves = append(leaves, &eventContent{value: leafValue(eventFactory("request.completed"))})
	require.NoError(t, tree.RebuildTreeWith(leaves))

	assert.NotEqual(t, root, tree.MerkleRoot())
}
