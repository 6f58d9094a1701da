package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// createJob registers the job backing a wait state or an asynchronous continuation of e
func (ic *instanceContext) createJob(e *runtime.Execution, act *bpmn20.Activity, jobType runtime.JobType) runtime.Job {
	now := ic.engine.clock.Now()
	job := runtime.Job{
		Key:                ic.newKey(),
		ProcessInstanceKey: ic.instance.Key,
		ElementId:          act.Id,
		ExecutionKey:       e.Key,
		ActivityInstanceId: e.ActivityInstanceId,
		Type:               jobType,
		TaskType:           act.TaskType,
		State:              runtime.ActivityStateActive,
		CreatedAt:          now,
		DueAt:              ic.engine.config.jobDueDate(now),
	}
	ic.instance.UpdateJob(job)
	ic.batch.AddPostFlushAction(func() {
		ic.engine.metrics.JobsCreated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(jobType))))
	})
	return job
}

// terminateJobs ends the active jobs of e, used when e is cancelled
func (ic *instanceContext) terminateJobs(e *runtime.Execution) {
	for _, job := range ic.instance.ActiveJobs() {
		if job.ExecutionKey == e.Key {
			job.State = runtime.ActivityStateTerminated
			ic.instance.UpdateJob(job)
		}
	}
}

// loadJob finds the job and locks the instance owning it. The returned job is the copy of the working
// instance and is guaranteed to be active.
func (engine *Engine) loadJob(ctx context.Context, batch *EngineBatch, jobKey int64, jobType runtime.JobType) (*instanceContext, runtime.Job, error) {
	found, err := engine.persistence.FindJobByKey(ctx, jobKey)
	if err != nil {
		return nil, runtime.Job{}, errors.Join(newEngineErrorf("failed to find job with key: %d", jobKey), err)
	}
	ic, err := batch.loadInstance(ctx, found.ProcessInstanceKey)
	if err != nil {
		return nil, runtime.Job{}, err
	}
	job, ok := ic.instance.FindJob(jobKey)
	if !ok || job.State != runtime.ActivityStateActive {
		return nil, runtime.Job{}, newEngineErrorf("job %d is not active", jobKey)
	}
	if job.Type != jobType {
		return nil, runtime.Job{}, newEngineErrorf("job %d is of type %s, expected %s", jobKey, job.Type, jobType)
	}
	if !ic.instance.IsActive() {
		return nil, runtime.Job{}, newEngineErrorf("process instance %d is not active", ic.instance.Key)
	}
	if _, ok := ic.tree().Get(job.ExecutionKey); !ok {
		panic(fmt.Sprintf("[invariant check] active job %d references missing execution %d", job.Key, job.ExecutionKey))
	}
	return ic, job, nil
}

func (engine *Engine) startJobSpan(ctx context.Context, name string, jobKey int64) (context.Context, trace.Span) {
	return engine.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("key", jobKey),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CompleteJob completes the wait state backed by the job. Variables are written like the job worker would:
// into the activity scope when the activity declares output mappings, otherwise where they are defined.
func (engine *Engine) CompleteJob(ctx context.Context, jobKey int64, variables map[string]any) (retErr error) {
	ctx, span := engine.startJobSpan(ctx, "job:complete", jobKey)
	defer func() {
		endSpan(span, retErr)
	}()

	batch := engine.newEngineBatch(false, false)
	defer batch.Release()
	ic, job, err := engine.loadJob(ctx, batch, jobKey, runtime.JobTypeTask)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, job.ProcessInstanceKey),
		attribute.String(otelPkg.AttributeElementId, job.ElementId),
	)
	ctx = appcontext.WithExecutionKey(ctx, job.ExecutionKey)

	e := ic.tree().MustGet(job.ExecutionKey)
	act := ic.activityOf(e)
	vh := runtime.NewVariableHolder(ic.tree(), e)
	if len(act.OutputMappings) > 0 {
		vh.SetLocalVariables(variables)
	} else {
		for k, v := range variables {
			vh.SetVariable(k, v)
		}
	}
	job.State = runtime.ActivityStateCompleted
	ic.instance.UpdateJob(job)
	batch.AddPostFlushAction(func() {
		engine.metrics.JobsCompleted.Add(ctx, 1)
	})

	ic.enqueue(leaveActivityCommand{executionKey: e.Key})
	if err := ic.drain(ctx); err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobKey, err)
	}
	return batch.Flush(ctx)
}

// ExecuteAsyncContinuation moves the transition instance backed by the job into its activity
func (engine *Engine) ExecuteAsyncContinuation(ctx context.Context, jobKey int64) (retErr error) {
	ctx, span := engine.startJobSpan(ctx, "job:async-continuation", jobKey)
	defer func() {
		endSpan(span, retErr)
	}()

	batch := engine.newEngineBatch(false, false)
	defer batch.Release()
	ic, job, err := engine.loadJob(ctx, batch, jobKey, runtime.JobTypeAsyncContinuation)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, job.ProcessInstanceKey),
		attribute.String(otelPkg.AttributeElementId, job.ElementId),
	)
	ctx = appcontext.WithExecutionKey(ctx, job.ExecutionKey)

	e := ic.tree().MustGet(job.ExecutionKey)
	job.State = runtime.ActivityStateCompleted
	ic.instance.UpdateJob(job)
	if err := ic.arriveAt(e, ic.mustActivity(e.ActivityId), false); err != nil {
		return err
	}
	if err := ic.drain(ctx); err != nil {
		return fmt.Errorf("failed to continue job %d: %w", jobKey, err)
	}
	return batch.Flush(ctx)
}
