package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"gopkg.in/yaml.v3"
)

// Plan is the YAML file the CLI applies after deployment. Start entries create instances, batches then modify,
// restart or migrate the instances they select.
type Plan struct {
	Start   []StartSpec `yaml:"start"`
	Batches []BatchSpec `yaml:"batches"`
}

type StartSpec struct {
	ProcessId   string         `yaml:"processId"`
	Count       int            `yaml:"count"`
	BusinessKey string         `yaml:"businessKey"`
	Variables   map[string]any `yaml:"variables"`
	// Instructions start the instance at the given activities instead of the start event
	Instructions []InstructionSpec `yaml:"instructions"`
}

type BatchSpec struct {
	Type                string            `yaml:"type"`
	ProcessId           string            `yaml:"processId"`
	ActivityIds         []string          `yaml:"activityIds"`
	ProcessInstanceKeys []int64           `yaml:"processInstanceKeys"`
	Instructions        []InstructionSpec `yaml:"instructions"`
	SkipCustomListeners bool              `yaml:"skipCustomListeners"`
	SkipIoMappings      bool              `yaml:"skipIoMappings"`
	Annotation          string            `yaml:"annotation"`

	// restart
	BusinessKey        string `yaml:"businessKey"`
	InitialVariables   bool   `yaml:"initialVariables"`
	WithoutBusinessKey bool   `yaml:"withoutBusinessKey"`

	// migration, ProcessId names the source process
	TargetProcessId    string                      `yaml:"targetProcessId"`
	Mappings           []bpmn.MigrationInstruction `yaml:"mappings"`
	MapEqualActivities bool                        `yaml:"mapEqualActivities"`
}

// InstructionSpec sets exactly one of the instruction fields
type InstructionSpec struct {
	StartBefore              string         `yaml:"startBefore"`
	StartAfter               string         `yaml:"startAfter"`
	StartTransition          string         `yaml:"startTransition"`
	CancelActivityInstance   string         `yaml:"cancelActivityInstance"`
	CancelTransitionInstance string         `yaml:"cancelTransitionInstance"`
	CancelAll                string         `yaml:"cancelAll"`
	DrainChildrenFirst       bool           `yaml:"drainChildrenFirst"`
	Ancestor                 string         `yaml:"ancestor"`
	Variables                map[string]any `yaml:"variables"`
	LocalVariables           map[string]any `yaml:"localVariables"`
}

func ReadPlan(fileName string) (Plan, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to read plan: %w", err)
	}
	return ParsePlan(data)
}

func ParsePlan(data []byte) (Plan, error) {
	var plan Plan
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&plan); err != nil {
		return Plan{}, fmt.Errorf("failed to parse plan: %w", err)
	}
	for i, b := range plan.Batches {
		switch b.Type {
		case "modification", "restart", "migration":
		default:
			return Plan{}, fmt.Errorf("batch %d: unknown type '%s'", i, b.Type)
		}
		if b.ProcessId == "" {
			return Plan{}, fmt.Errorf("batch %d: processId is required", i)
		}
		if b.Type == "migration" && b.TargetProcessId == "" {
			return Plan{}, fmt.Errorf("batch %d: targetProcessId is required", i)
		}
	}
	return plan, nil
}

func instructions(entries []InstructionSpec) ([]bpmn.Instruction, error) {
	res := make([]bpmn.Instruction, 0, len(entries))
	for i, entry := range entries {
		instruction, err := entry.instruction()
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		res = append(res, instruction)
	}
	return res, nil
}

func (s InstructionSpec) instruction() (bpmn.Instruction, error) {
	var res []bpmn.Instruction
	if s.StartBefore != "" {
		res = append(res, bpmn.StartBeforeActivity{ActivityId: s.StartBefore, AncestorActivityInstanceId: s.Ancestor, Variables: s.assignments()})
	}
	if s.StartAfter != "" {
		res = append(res, bpmn.StartAfterActivity{ActivityId: s.StartAfter, AncestorActivityInstanceId: s.Ancestor, Variables: s.assignments()})
	}
	if s.StartTransition != "" {
		res = append(res, bpmn.StartTransition{TransitionId: s.StartTransition, AncestorActivityInstanceId: s.Ancestor, Variables: s.assignments()})
	}
	if s.CancelActivityInstance != "" {
		res = append(res, bpmn.CancelActivityInstance{ActivityInstanceId: s.CancelActivityInstance})
	}
	if s.CancelTransitionInstance != "" {
		res = append(res, bpmn.CancelTransitionInstance{TransitionInstanceId: s.CancelTransitionInstance})
	}
	if s.CancelAll != "" {
		res = append(res, bpmn.CancelAllForActivity{ActivityId: s.CancelAll, DrainChildrenFirst: s.DrainChildrenFirst})
	}
	switch {
	case len(res) == 0:
		return nil, errors.New("no instruction set")
	case len(res) > 1:
		return nil, errors.New("more than one instruction set")
	}
	return res[0], nil
}

// assignments returns the variables sorted by name so repeated runs set them in the same order
func (s InstructionSpec) assignments() []bpmn.VariableAssignment {
	var res []bpmn.VariableAssignment
	for _, local := range []bool{false, true} {
		vars := s.Variables
		if local {
			vars = s.LocalVariables
		}
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			res = append(res, bpmn.VariableAssignment{Name: name, Value: vars[name], Local: local})
		}
	}
	return res
}
