package bpmn

import (
	"context"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// startCalledInstance starts the latest version of the called process with the variables visible at the
// call activity. The child runs inside the same batch and shares the root lock of its caller.
func (ic *instanceContext) startCalledInstance(ctx context.Context, e *runtime.Execution, act *bpmn20.Activity) error {
	definition, graph, err := ic.engine.loadLatestDefinition(ctx, act.CalledProcessId)
	if err != nil {
		return err
	}
	variables := runtime.NewVariableHolder(ic.tree(), e).Variables()
	child := ic.batch.newInstance(ctx, definition, graph, variables)
	child.instance.ParentProcessInstanceKey = ic.instance.Key
	child.instance.ParentExecutionKey = e.Key
	child.instance.RootProcessInstanceKey = ic.instance.RootProcessInstanceKey
	e.SubProcessInstanceKey = child.instance.Key
	ic.engine.logger.Debug("call activity started process instance", "callActivity", act.Id, "processInstanceKey", child.instance.Key)

	if err := child.startAtInitial(); err != nil {
		return err
	}
	return child.drain(ctx)
}

// callActivityCompleted copies the result of the called instance and leaves the call activity. With output
// mappings the child variables are only visible to the mappings.
func (ic *instanceContext) callActivityCompleted(e *runtime.Execution, variables map[string]any) error {
	act := ic.activityOf(e)
	e.SubProcessInstanceKey = 0
	vh := runtime.NewVariableHolder(ic.tree(), e)
	switch {
	case len(act.OutputMappings) > 0:
		vh.SetLocalVariables(variables)
	case act.PropagateAllChildVariables:
		for k, v := range variables {
			vh.SetVariable(k, v)
		}
	}
	ic.enqueue(leaveActivityCommand{executionKey: e.Key})
	return nil
}

// terminateCalledInstance cancels the instance a call activity waits for, its own called instances included
func (ic *instanceContext) terminateCalledInstance(ctx context.Context, processInstanceKey int64) error {
	child, err := ic.batch.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if !child.instance.IsActive() {
		return nil
	}
	if err := child.cancelAll(ctx); err != nil {
		return err
	}
	return child.completeInstance(ctx, runtime.ActivityStateTerminated)
}
