package bpmn

import (
	"context"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model/extensions"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// cancelSubtree ends the activity instances of e and below it, children first. Jobs are terminated and called
// instances are cancelled. End listeners run on e when notifySelf is set and on descendants when
// notifyDescendants is set. Output mappings never run. The tree itself is left untouched.
func (ic *instanceContext) cancelSubtree(ctx context.Context, e *runtime.Execution, notifySelf, notifyDescendants bool) error {
	for _, child := range ic.tree().ChildrenOf(e) {
		if err := ic.cancelSubtree(ctx, child, notifyDescendants, notifyDescendants); err != nil {
			return err
		}
	}
	ic.terminateJobs(e)
	if e.SubProcessInstanceKey != 0 {
		if err := ic.terminateCalledInstance(ctx, e.SubProcessInstanceKey); err != nil {
			return err
		}
		e.SubProcessInstanceKey = 0
	}
	if e.ActivityInstanceId == "" || e.Key == ic.tree().RootKey {
		return nil
	}
	e.IsActive = false
	e.IsEnded = true
	if !notifySelf {
		return nil
	}
	return ic.notifyActivity(e, ic.mustActivity(e.ActivityId), extensions.ListenerEventEnd)
}

// cancelActivityExecution cancels the activity instance or transition instance held by e and removes its
// branch. Scopes left without any branch are cancelled too, up to the root. Without notifyDescendants the
// nested instances end silently and only e itself is notified.
func (ic *instanceContext) cancelActivityExecution(ctx context.Context, e *runtime.Execution, notifyDescendants bool) error {
	if err := ic.cancelSubtree(ctx, e, true, notifyDescendants); err != nil {
		return err
	}
	return ic.removeCancelled(ctx, e)
}

func (ic *instanceContext) removeCancelled(ctx context.Context, e *runtime.Execution) error {
	tree := ic.tree()
	scope := tree.ParentScopeExecution(e)
	if scope.IsMultiInstanceBody() {
		scope.Variables[varNrOfActiveInstances] = counter(scope, varNrOfActiveInstances) - 1
	}
	tree.Remove(tree.BranchOf(scope, e))
	return ic.propagateCancellation(ctx, scope)
}

func (ic *instanceContext) propagateCancellation(ctx context.Context, scope *runtime.Execution) error {
	tree := ic.tree()
	if len(scope.Children) > 0 {
		tree.Collapse(scope)
		return nil
	}
	if scope.Key == tree.RootKey {
		return nil
	}
	// the scope has nothing left to do, it ends as cancelled
	if err := ic.cancelSubtree(ctx, scope, true, true); err != nil {
		return err
	}
	return ic.removeCancelled(ctx, scope)
}

// cancelBranches cancels the branches below scope that hold an instance of eventScope (every branch when
// eventScope is nil). The scope itself stays, it is never a multi instance body since boundary events and
// event sub processes cannot carry loop characteristics.
func (ic *instanceContext) cancelBranches(ctx context.Context, scope *runtime.Execution, eventScope *bpmn20.Activity) error {
	tree := ic.tree()
	for _, branch := range tree.ChildrenOf(scope) {
		target := branch
		if branch.IsConcurrentGroup() && len(branch.Children) == 1 {
			target = tree.MustGet(branch.Children[0])
		}
		if eventScope != nil && (target.ActivityId != eventScope.Id || target.ActivityInstanceId == "") {
			continue
		}
		if err := ic.cancelSubtree(ctx, target, true, true); err != nil {
			return err
		}
		tree.Remove(branch)
	}
	tree.Collapse(scope)
	return nil
}

// cancelAll ends every execution below the root
func (ic *instanceContext) cancelAll(ctx context.Context) error {
	root := ic.tree().Root()
	for _, child := range ic.tree().ChildrenOf(root) {
		if err := ic.cancelSubtree(ctx, child, true, true); err != nil {
			return err
		}
		ic.tree().Remove(child)
	}
	return nil
}

// cancelAllForActivity cancels every activity instance and transition instance of the activity in tree order
func (ic *instanceContext) cancelAllForActivity(ctx context.Context, act *bpmn20.Activity, drainChildrenFirst bool) error {
	tree := ic.tree()
	targets := append(tree.FindByActivity(act.Id), tree.FindTransitions(act.Id)...)
	for _, target := range targets {
		// an earlier cancellation may have removed it with its scope
		if _, ok := tree.Get(target.Key); !ok {
			continue
		}
		if err := ic.cancelActivityExecution(ctx, target, drainChildrenFirst); err != nil {
			return err
		}
	}
	return nil
}
