package zenflake

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionIdOfGeneratedKey(t *testing.T) {
	// given
	nodeId := int64(4)
	node, err := snowflake.NewNode(nodeId)
	require.NoError(t, err)

	// when
	id := node.Generate().Int64()

	// then
	assert.Equal(t, uint32(nodeId), GetPartitionId(id))
	assert.Equal(t, nodeId, (id&GetPartitionMask())>>int64(nodeShift))
}

func TestSamePartition(t *testing.T) {
	first, err := snowflake.NewNode(1)
	require.NoError(t, err)
	second, err := snowflake.NewNode(MaxPartitionId())
	require.NoError(t, err)

	a, b := first.Generate().Int64(), first.Generate().Int64()
	c := second.Generate().Int64()

	assert.True(t, SamePartition(a, b))
	assert.False(t, SamePartition(a, c))
	assert.Equal(t, uint32(1023), GetPartitionId(c))
}
