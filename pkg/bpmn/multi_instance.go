// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"fmt"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

const (
	varNrOfInstances          = "nrOfInstances"
	varNrOfActiveInstances    = "nrOfActiveInstances"
	varNrOfCompletedInstances = "nrOfCompletedInstances"
	varLoopCounter            = "loopCounter"
)

// initMultiInstanceBody sets the body counters, the iterations are added afterwards
func initMultiInstanceBody(body *runtime.Execution, nrOfInstances int) {
	if body.Variables == nil {
		body.Variables = map[string]any{}
	}
	body.Variables[varNrOfInstances] = nrOfInstances
	body.Variables[varNrOfActiveInstances] = 0
	body.Variables[varNrOfCompletedInstances] = 0
}

func counter(e *runtime.Execution, name string) int {
	v, err := toInt(e.Variables[name])
	if err != nil {
		panic(fmt.Sprintf("[invariant check] multi instance counter %s of execution %d: %v", name, e.Key, err))
	}
	return v
}

// inputCollection evaluates the collection the iterations run over, nil when the body uses a cardinality
func (ic *instanceContext) inputCollection(bodyExecution *runtime.Execution, body *bpmn20.Activity) ([]any, error) {
	mi := body.MultiInstance
	if mi.InputCollection == "" {
		return nil, nil
	}
	variables := runtime.NewVariableHolder(ic.tree(), bodyExecution).Variables()
	value, err := ic.engine.evaluateExpression(mi.InputCollection, variables)
	if err != nil {
		return nil, ic.userCodeError(body, "input collection", err)
	}
	collection, err := toSlice(value)
	if err != nil {
		return nil, ic.userCodeError(body, "input collection", err)
	}
	return collection, nil
}

func (ic *instanceContext) loopCardinality(bodyExecution *runtime.Execution, body *bpmn20.Activity) (int, error) {
	variables := runtime.NewVariableHolder(ic.tree(), bodyExecution).Variables()
	value, err := ic.engine.evaluateExpression(body.MultiInstance.LoopCardinality, variables)
	if err != nil {
		return 0, ic.userCodeError(body, "loop cardinality", err)
	}
	n, err := toInt(value)
	if err != nil {
		return 0, ic.userCodeError(body, "loop cardinality", err)
	}
	if n < 0 {
		return 0, ic.userCodeError(body, "loop cardinality", fmt.Errorf("negative cardinality %d", n))
	}
	return n, nil
}

// startMultiInstance runs the body behavior: a parallel body creates all iterations at once, a sequential
// body only the first one
func (ic *instanceContext) startMultiInstance(bodyExecution *runtime.Execution, body *bpmn20.Activity) error {
	mi := body.MultiInstance
	collection, err := ic.inputCollection(bodyExecution, body)
	if err != nil {
		return err
	}
	n := len(collection)
	if mi.InputCollection == "" {
		if n, err = ic.loopCardinality(bodyExecution, body); err != nil {
			return err
		}
	}
	initMultiInstanceBody(bodyExecution, n)
	if mi.OutputCollection != "" {
		bodyExecution.Variables[mi.OutputCollection] = make([]any, n)
	}
	if n == 0 {
		ic.enqueue(leaveActivityCommand{executionKey: bodyExecution.Key})
		return nil
	}
	if mi.Sequential {
		ic.createIteration(bodyExecution, body, 0, collection)
		return nil
	}
	for i := 0; i < n; i++ {
		ic.createIteration(bodyExecution, body, i, collection)
	}
	return nil
}

// createIteration adds the iteration loopCounter below the body and schedules its start
func (ic *instanceContext) createIteration(bodyExecution *runtime.Execution, body *bpmn20.Activity, loopCounter int, collection []any) {
	tree := ic.tree()
	concurrent := tree.PrepareBranch(bodyExecution, body.IsParallelMultiInstanceBody(), ic.newKey)
	iteration := tree.AttachActivity(bodyExecution, body.InnerActivity.Id, true, concurrent, ic.newKey)
	iteration.Variables[varLoopCounter] = loopCounter
	if mi := body.MultiInstance; mi.InputElement != "" && loopCounter < len(collection) {
		iteration.Variables[mi.InputElement] = collection[loopCounter]
	}
	bodyExecution.Variables[varNrOfActiveInstances] = counter(bodyExecution, varNrOfActiveInstances) + 1
	ic.enqueue(enterActivityCommand{executionKey: iteration.Key})
}

// addIteration attaches one more iteration to a body outside of the normal loop. The iteration gets the
// next loop counter and the body counts it as an additional instance.
func (ic *instanceContext) addIteration(bodyExecution *runtime.Execution, body *bpmn20.Activity) *runtime.Execution {
	tree := ic.tree()
	concurrent := tree.PrepareBranch(bodyExecution, body.IsParallelMultiInstanceBody(), ic.newKey)
	iteration := tree.AttachActivity(bodyExecution, body.InnerActivity.Id, true, concurrent, ic.newKey)
	nrOfInstances := counter(bodyExecution, varNrOfInstances)
	iteration.Variables[varLoopCounter] = nrOfInstances
	bodyExecution.Variables[varNrOfInstances] = nrOfInstances + 1
	bodyExecution.Variables[varNrOfActiveInstances] = counter(bodyExecution, varNrOfActiveInstances) + 1
	return iteration
}

// completeIteration collects the output element, updates the counters and continues the loop or
// completes the body
func (ic *instanceContext) completeIteration(ctx context.Context, iteration *runtime.Execution, inner *bpmn20.Activity) error {
	tree := ic.tree()
	body := inner.Body
	mi := body.MultiInstance
	bodyExecution := tree.ParentScopeExecution(iteration)
	loopCounter := counter(iteration, varLoopCounter)

	if mi.OutputCollection != "" && mi.OutputElement != "" {
		value, err := ic.engine.evaluateExpression(mi.OutputElement, runtime.NewVariableHolder(tree, iteration).Variables())
		if err != nil {
			return ic.userCodeError(body, "output element", err)
		}
		current, _ := toSlice(bodyExecution.Variables[mi.OutputCollection])
		// the stored instance may share the slice
		collection := slices.Clone(current)
		for len(collection) <= loopCounter {
			collection = append(collection, nil)
		}
		collection[loopCounter] = value
		bodyExecution.Variables[mi.OutputCollection] = collection
	}
	bodyExecution.Variables[varNrOfCompletedInstances] = counter(bodyExecution, varNrOfCompletedInstances) + 1
	bodyExecution.Variables[varNrOfActiveInstances] = counter(bodyExecution, varNrOfActiveInstances) - 1
	tree.Remove(tree.BranchOf(bodyExecution, iteration))

	done := false
	if mi.CompletionCondition != "" {
		var err error
		done, err = ic.engine.evaluateCondition(mi.CompletionCondition, runtime.NewVariableHolder(tree, bodyExecution).Variables())
		if err != nil {
			return ic.userCodeError(body, "completion condition", err)
		}
	}

	if mi.Sequential {
		if !done && loopCounter+1 < counter(bodyExecution, varNrOfInstances) {
			collection, err := ic.inputCollection(bodyExecution, body)
			if err != nil {
				return err
			}
			ic.createIteration(bodyExecution, body, loopCounter+1, collection)
			return nil
		}
		ic.enqueue(leaveActivityCommand{executionKey: bodyExecution.Key})
		return nil
	}

	if done {
		for _, remaining := range tree.ChildrenOf(bodyExecution) {
			if err := ic.cancelSubtree(ctx, remaining, true, true); err != nil {
				return err
			}
			tree.Remove(remaining)
		}
		bodyExecution.Variables[varNrOfActiveInstances] = 0
	}
	if len(bodyExecution.Children) > 0 {
		return nil
	}
	ic.enqueue(leaveActivityCommand{executionKey: bodyExecution.Key})
	return nil
}
