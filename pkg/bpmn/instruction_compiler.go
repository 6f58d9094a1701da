package bpmn

import (
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
)

// compiledInstruction is an instruction with its graph references resolved
type compiledInstruction struct {
	instruction Instruction
	// activity is the target of startBefore and cancelAll
	activity *bpmn20.Activity
	// flow is the transition taken by startAfter and startTransition
	flow *bpmn20.SequenceFlow
}

// compileInstructions resolves element ids against the graph. Everything that can be checked without looking
// at the execution tree is checked here, activity instance ids are resolved when the instruction runs.
func compileInstructions(graph *bpmn20.ProcessGraph, instructions []Instruction) ([]compiledInstruction, error) {
	compiled := make([]compiledInstruction, 0, len(instructions))
	for _, instruction := range instructions {
		ci, err := compileInstruction(graph, instruction)
		if err != nil {
			return nil, describeFailure(instruction, err)
		}
		compiled = append(compiled, ci)
	}
	return compiled, nil
}

func compileInstruction(graph *bpmn20.ProcessGraph, instruction Instruction) (compiledInstruction, error) {
	ci := compiledInstruction{instruction: instruction}
	switch i := instruction.(type) {
	case StartBeforeActivity:
		act, err := findActivity(graph, i.ActivityId)
		if err != nil {
			return ci, err
		}
		ci.activity = act
	case StartAfterActivity:
		act, err := findActivity(graph, i.ActivityId)
		if err != nil {
			return ci, err
		}
		// the flows of a multi instance activity leave its body
		if act.Body != nil {
			act = act.Body
		}
		switch len(act.Outgoing) {
		case 0:
			return ci, newValidationError("activity has no outgoing sequence flow to take")
		case 1:
			ci.flow = act.Outgoing[0]
		default:
			return ci, newValidationError("activity has more than one outgoing sequence flow")
		}
	case StartTransition:
		flow, ok := graph.SequenceFlow(i.TransitionId)
		if !ok {
			return ci, newValidationError("Element '%s' does not exist in process '%s'", i.TransitionId, graph.ProcessId)
		}
		ci.flow = flow
	case CancelAllForActivity:
		act, err := findActivity(graph, i.ActivityId)
		if err != nil {
			return ci, err
		}
		ci.activity = act
	case CancelActivityInstance, CancelTransitionInstance:
	default:
		panic(fmt.Sprintf("[invariant check] unsupported instruction %T", instruction))
	}
	return ci, nil
}

func findActivity(graph *bpmn20.ProcessGraph, activityId string) (*bpmn20.Activity, error) {
	act, ok := graph.Activity(activityId)
	if !ok {
		return nil, newValidationError("Element '%s' does not exist in process '%s'", activityId, graph.ProcessId)
	}
	return act, nil
}
