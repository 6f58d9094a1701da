package bpmn

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

func (ic *instanceContext) applyInstruction(ctx context.Context, ci compiledInstruction) error {
	tree := ic.tree()
	switch i := ci.instruction.(type) {
	case StartBeforeActivity:
		return ic.startBefore(ctx, ci.activity, i.AncestorActivityInstanceId, i.Variables)
	case StartAfterActivity:
		return ic.startFlow(ctx, ci.flow, i.AncestorActivityInstanceId, i.Variables)
	case StartTransition:
		return ic.startFlow(ctx, ci.flow, i.AncestorActivityInstanceId, i.Variables)
	case CancelActivityInstance:
		e := tree.FindByActivityInstanceId(i.ActivityInstanceId)
		if e == nil {
			return newValidationError("Activity instance '%s' does not exist", i.ActivityInstanceId)
		}
		if e.Key == tree.RootKey {
			return ic.cancelAll(ctx)
		}
		return ic.cancelActivityExecution(ctx, e, true)
	case CancelTransitionInstance:
		key, err := strconv.ParseInt(i.TransitionInstanceId, 10, 64)
		if err != nil {
			return newValidationError("Transition instance '%s' does not exist", i.TransitionInstanceId)
		}
		e, ok := tree.Get(key)
		if !ok || !e.IsTransition() {
			return newValidationError("Transition instance '%s' does not exist", i.TransitionInstanceId)
		}
		return ic.cancelActivityExecution(ctx, e, true)
	case CancelAllForActivity:
		return ic.cancelAllForActivity(ctx, ci.activity, i.DrainChildrenFirst)
	default:
		panic(fmt.Sprintf("[invariant check] unsupported instruction %T", ci.instruction))
	}
}

// startBefore instantiates target together with every enclosing scope that has no instance yet
func (ic *instanceContext) startBefore(ctx context.Context, target *bpmn20.Activity, ancestorId string, variables []VariableAssignment) error {
	parent, err := ic.prepareScopes(ctx, target.FlowScope, target, target.Id, ancestorId)
	if err != nil {
		return err
	}
	switch {
	case parent.IsMultiInstanceBody():
		iteration := ic.addIteration(parent, ic.mustActivity(parent.ActivityId))
		ic.setInstructionVariables(iteration, variables)
		ic.enqueue(enterActivityCommand{executionKey: iteration.Key})
	case target.AsyncBefore || target.Type == bpmn20.ElementTypeParallelGateway:
		// an asynchronous body waits for its job and then runs all of its iterations
		n := ic.newBranch(parent)
		ic.setInstructionVariables(n, variables)
		return ic.arriveAt(n, target, true)
	case target.IsMultiInstanceBody():
		body := ic.attach(parent, target)
		if err := ic.startScope(body, target); err != nil {
			return err
		}
		iteration := ic.addIteration(body, target)
		ic.setInstructionVariables(body, variables)
		ic.enqueue(enterActivityCommand{executionKey: iteration.Key})
	default:
		e := ic.attach(parent, target)
		ic.setInstructionVariables(e, variables)
		ic.enqueue(enterActivityCommand{executionKey: e.Key})
	}
	return nil
}

// startFlow takes the sequence flow from a new execution in the flow scope of its source
func (ic *instanceContext) startFlow(ctx context.Context, flow *bpmn20.SequenceFlow, ancestorId string, variables []VariableAssignment) error {
	parent, err := ic.prepareScopes(ctx, flow.Source.FlowScope, nil, flow.Id, ancestorId)
	if err != nil {
		return err
	}
	n := ic.newBranch(parent)
	ic.setInstructionVariables(n, variables)
	ic.enqueue(takeFlowCommand{executionKey: n.Key, flow: flow})
	return nil
}

// prepareScopes finds or creates the execution of flowScope the new element is attached to. Missing scopes
// are created outermost first and started without running their behavior. The start behavior of the
// outermost created element (a missing scope or target) is applied to the execution it is attached to.
func (ic *instanceContext) prepareScopes(ctx context.Context, flowScope, target *bpmn20.Activity, elementId, ancestorId string) (*runtime.Execution, error) {
	scopeExecution, missing, err := ic.resolveScopeExecution(flowScope, elementId, ancestorId)
	if err != nil {
		return nil, err
	}
	if scopeExecution.IsMultiInstanceBody() && len(scopeExecution.Children) > 0 {
		if body := ic.mustActivity(scopeExecution.ActivityId); body.IsSequentialMultiInstanceBody() {
			return nil, newValidationError("Concurrent instantiation not possible for activities in scope %s", body.Id)
		}
	}
	top := target
	if len(missing) > 0 {
		top = missing[0]
	}
	if top != nil {
		switch top.StartBehavior {
		case bpmn20.StartBehaviorCancelEventScope:
			if err := ic.cancelBranches(ctx, scopeExecution, top.EventScope); err != nil {
				return nil, err
			}
		case bpmn20.StartBehaviorInterruptEventScope:
			if err := ic.cancelBranches(ctx, scopeExecution, nil); err != nil {
				return nil, err
			}
		}
	}
	parent := scopeExecution
	for _, scope := range missing {
		var e *runtime.Execution
		if parent.IsMultiInstanceBody() {
			e = ic.addIteration(parent, ic.mustActivity(parent.ActivityId))
		} else {
			e = ic.attach(parent, scope)
		}
		if err := ic.startScope(e, scope); err != nil {
			return nil, err
		}
		parent = e
	}
	return parent, nil
}

// resolveScopeExecution walks from flowScope outwards until a scope with exactly one instance is found. The
// scopes passed on the way are returned outermost first, they have to be created.
func (ic *instanceContext) resolveScopeExecution(flowScope *bpmn20.Activity, elementId, ancestorId string) (*runtime.Execution, []*bpmn20.Activity, error) {
	var ancestor *runtime.Execution
	if ancestorId != "" {
		ancestor = ic.tree().FindByActivityInstanceId(ancestorId)
		if ancestor == nil {
			return nil, nil, newValidationError("Ancestor activity instance '%s' does not exist", ancestorId)
		}
		ancestorActivity := ic.activityOf(ancestor)
		if ancestorActivity != flowScope && !ancestorActivity.IsAncestorOf(flowScope) {
			return nil, nil, newValidationError("Scope execution for '%s' cannot be found in parent hierarchy of flow element '%s'", ancestorId, elementId)
		}
	}
	var missing []*bpmn20.Activity
	for scope := flowScope; scope != nil; scope = scope.FlowScope {
		candidates := ic.scopeExecutionsOf(scope, ancestor)
		switch {
		case len(candidates) == 1:
			return candidates[0], missing, nil
		case len(candidates) > 1:
			return nil, nil, newValidationError("Ancestor activity execution is ambiguous for activity %s", scope.Id)
		}
		missing = append([]*bpmn20.Activity{scope}, missing...)
	}
	panic("[invariant check] the process scope has no execution")
}

// scopeExecutionsOf lists the active instances of the scope activity, restricted to the subtree of ancestor
func (ic *instanceContext) scopeExecutionsOf(scope *bpmn20.Activity, ancestor *runtime.Execution) []*runtime.Execution {
	tree := ic.tree()
	if scope.IsProcess() {
		return []*runtime.Execution{tree.Root()}
	}
	var res []*runtime.Execution
	tree.Walk(func(e *runtime.Execution) bool {
		if e.ActivityId == scope.Id && e.ActivityInstanceId != "" && e.IsScope &&
			(ancestor == nil || e.Key == ancestor.Key || tree.IsAncestor(ancestor, e)) {
			res = append(res, e)
		}
		return true
	})
	return res
}

// attach creates the execution of act as a new branch below parent
func (ic *instanceContext) attach(parent *runtime.Execution, act *bpmn20.Activity) *runtime.Execution {
	tree := ic.tree()
	concurrent := tree.PrepareBranch(parent, false, ic.newKey)
	e := tree.AttachActivity(parent, act.Id, act.IsScope, concurrent, ic.newKey)
	if act.IsMultiInstanceBody() {
		initMultiInstanceBody(e, 0)
		if out := act.MultiInstance.OutputCollection; out != "" {
			e.Variables[out] = []any{}
		}
	}
	return e
}

// newBranch creates a plain execution below parent
func (ic *instanceContext) newBranch(parent *runtime.Execution) *runtime.Execution {
	tree := ic.tree()
	concurrent := tree.PrepareBranch(parent, false, ic.newKey)
	n := tree.NewExecution(parent, ic.newKey())
	n.IsConcurrent = concurrent
	return n
}

func (ic *instanceContext) setInstructionVariables(e *runtime.Execution, variables []VariableAssignment) {
	vh := runtime.NewVariableHolder(ic.tree(), e)
	for _, v := range variables {
		if v.Local {
			vh.SetLocalVariable(v.Name, v.Value)
		} else {
			vh.SetVariable(v.Name, v.Value)
		}
	}
}
