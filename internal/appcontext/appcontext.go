package appcontext

import (
	"context"
)

type EXECUTION_CONTEXT string

var (
	ExecutionKey EXECUTION_CONTEXT = "executionKey"
	BatchId      EXECUTION_CONTEXT = "batchId"
)

func WithExecutionKey(ctx context.Context, executionKey int64) context.Context {
	return context.WithValue(ctx, ExecutionKey, executionKey)
}

func GetExecutionKey(ctx context.Context) (int64, bool) {
	executionContextKey, ok := ctx.Value(ExecutionKey).(int64)
	return executionContextKey, ok
}

func WithBatchId(ctx context.Context, batchId string) context.Context {
	return context.WithValue(ctx, BatchId, batchId)
}

func GetBatchId(ctx context.Context) (string, bool) {
	batchId, ok := ctx.Value(BatchId).(string)
	return batchId, ok
}
