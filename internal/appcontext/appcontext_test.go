package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionKey(t *testing.T) {
	ctx := WithExecutionKey(context.Background(), 42)

	key, found := GetExecutionKey(ctx)
	assert.True(t, found)
	assert.Equal(t, int64(42), key)

	key, found = GetExecutionKey(context.Background())
	assert.False(t, found)
	assert.Equal(t, int64(0), key)
}

func TestBatchId(t *testing.T) {
	ctx := WithBatchId(context.Background(), "batch-1")

	id, found := GetBatchId(ctx)
	assert.True(t, found)
	assert.Equal(t, "batch-1", id)

	_, found = GetBatchId(context.Background())
	assert.False(t, found)
}
