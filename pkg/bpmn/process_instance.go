package bpmn

import (
	"context"
	"fmt"
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// newInstance creates an active instance with an empty root scope holding a copy of variables
func (b *EngineBatch) newInstance(ctx context.Context, definition *runtime.ProcessDefinition, graph *bpmn20.ProcessGraph, variables map[string]any) *instanceContext {
	key := b.engine.generateKey()
	tree := runtime.NewExecutionTree(key)
	maps.Copy(tree.Root().Variables, variables)
	instance := &runtime.ProcessInstance{
		Key:                    key,
		Definition:             definition,
		State:                  runtime.ActivityStateActive,
		CreatedAt:              b.engine.clock.Now(),
		Tree:                   tree,
		RootProcessInstanceKey: key,
	}
	b.lockRoot(key)
	ic := newInstanceContext(b, instance, graph)
	b.add(ic)
	b.AddPostFlushAction(func() {
		attrs := metric.WithAttributes(attribute.String(otelPkg.AttributeProcessId, graph.ProcessId))
		b.engine.metrics.ProcessesStarted.Add(ctx, 1, attrs)
		b.engine.metrics.ProcessesRunning.Add(ctx, 1, attrs)
	})
	return ic
}

// startAtInitial places the first token on the none start event of the process
func (ic *instanceContext) startAtInitial() error {
	initial := ic.graph.Root.InitialActivity
	if initial == nil {
		return newEngineErrorf("process %s has no none start event", ic.graph.ProcessId)
	}
	ic.startActivityId = initial.Id
	ic.initialVariables = maps.Clone(ic.tree().Root().Variables)
	n := ic.tree().NewExecution(ic.tree().Root(), ic.newKey())
	return ic.arriveAt(n, initial, true)
}

// CreateInstanceByKey starts the process definition at its none start event
func (engine *Engine) CreateInstanceByKey(ctx context.Context, definitionKey int64, variables map[string]any) (*runtime.ProcessInstance, error) {
	return engine.StartProcessInstance(ctx, InstantiationCommand{ProcessDefinitionKey: definitionKey, Variables: variables})
}

// CreateInstanceById starts the latest version of the process at its none start event
func (engine *Engine) CreateInstanceById(ctx context.Context, processId string, variables map[string]any) (*runtime.ProcessInstance, error) {
	return engine.StartProcessInstance(ctx, InstantiationCommand{BpmnProcessId: processId, Variables: variables})
}

// DeleteProcessInstance cancels every execution of the instance and terminates it
func (engine *Engine) DeleteProcessInstance(ctx context.Context, processInstanceKey int64, reason string) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, "instance:delete", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
	))
	defer func() {
		endSpan(span, retErr)
	}()

	batch := engine.newEngineBatch(false, false)
	defer batch.Release()
	ic, err := batch.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if !ic.instance.IsActive() {
		return newStateError("Process instance %d is not active", processInstanceKey)
	}
	if err := ic.cancelAll(ctx); err != nil {
		return fmt.Errorf("failed to cancel process instance %d: %w", processInstanceKey, err)
	}
	ic.deleteReason = reason
	if err := ic.completeInstance(ctx, runtime.ActivityStateTerminated); err != nil {
		return err
	}
	return batch.Flush(ctx)
}

// SetVariables writes variables into the process instance scope. Non local variables that are defined in the
// root already are overwritten, which for the root scope is the same as a local write.
func (engine *Engine) SetVariables(ctx context.Context, processInstanceKey int64, variables map[string]any, local bool) error {
	batch := engine.newEngineBatch(false, false)
	defer batch.Release()
	ic, err := batch.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if !ic.instance.IsActive() {
		return newStateError("Process instance %d is not active", processInstanceKey)
	}
	vh := runtime.NewVariableHolder(ic.tree(), ic.tree().Root())
	if local {
		vh.SetLocalVariables(variables)
	} else {
		for k, v := range variables {
			vh.SetVariable(k, v)
		}
	}
	return batch.Flush(ctx)
}
