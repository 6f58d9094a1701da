// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// selectOutgoing picks the sequence flows a token leaving act follows
func (ic *instanceContext) selectOutgoing(e *runtime.Execution, act *bpmn20.Activity) ([]*bpmn20.SequenceFlow, error) {
	if len(act.Outgoing) == 0 {
		return nil, nil
	}
	variables := runtime.NewVariableHolder(ic.tree(), e).Variables()
	switch act.Type {
	case bpmn20.ElementTypeExclusiveGateway:
		return ic.exclusivelyFilterByConditionExpression(act, variables)
	case bpmn20.ElementTypeParallelGateway:
		return act.Outgoing, nil
	}
	return ic.filterConditionalFlows(act, variables)
}

// exclusivelyFilterByConditionExpression
// [From BPMN 2.0 Specification, chapter 10.5.2 Exclusive Gateway]
// A diverging Exclusive Gateway (Decision) is used to create alternative paths within a Process flow.
// For a given instance of the Process, only one of the paths can be taken.
// A default path can optionally be identified, to be taken in the event that none of the conditional Expressions evaluate
// to true. If a default path is not specified and the Process is executed such that none of the conditional Expressions
// evaluates to true, a runtime exception occurs.
// A converging Exclusive Gateway is used to merge alternative paths. Each incoming Sequence Flow token is routed
// to the outgoing Sequence Flow without synchronization.
func (ic *instanceContext) exclusivelyFilterByConditionExpression(gateway *bpmn20.Activity, variableContext map[string]any) ([]*bpmn20.SequenceFlow, error) {
	flowIds := strings.Builder{}
	for _, flow := range gateway.Outgoing {
		if flow == gateway.DefaultFlow {
			continue
		}
		if flow.ConditionExpression == "" {
			if len(gateway.Outgoing) == 1 {
				return []*bpmn20.SequenceFlow{flow}, nil
			}
			continue
		}
		flowIds.WriteString(fmt.Sprintf("[id='%s',name='%s']", flow.Id, flow.Name))
		out, err := ic.engine.evaluateCondition(flow.ConditionExpression, variableContext)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating expression in flow element id='%s' name='%s'", flow.Id, flow.Name),
				Err: err,
			}
		}
		if out {
			return []*bpmn20.SequenceFlow{flow}, nil
		}
	}
	if gateway.DefaultFlow == nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("No default flow, nor matching expressions found, for flow elements: %s", flowIds.String()),
		}
	}
	return []*bpmn20.SequenceFlow{gateway.DefaultFlow}, nil
}

// filterConditionalFlows handles the outgoing flows of activities and events. Every unconditional flow is
// taken, conditional flows only when their condition holds.
func (ic *instanceContext) filterConditionalFlows(act *bpmn20.Activity, variableContext map[string]any) ([]*bpmn20.SequenceFlow, error) {
	var ret []*bpmn20.SequenceFlow
	for _, flow := range act.Outgoing {
		if flow == act.DefaultFlow {
			continue
		}
		out, err := ic.engine.evaluateCondition(flow.ConditionExpression, variableContext)
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: fmt.Sprintf("Error evaluating expression in flow element id='%s' name='%s'", flow.Id, flow.Name),
				Err: err,
			}
		}
		if out {
			ret = append(ret, flow)
		}
	}
	if len(ret) == 0 && act.DefaultFlow != nil {
		ret = append(ret, act.DefaultFlow)
	}
	return ret, nil
}
