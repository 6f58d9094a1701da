package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instruction is one step of a modification. The set of instructions is closed, see the types below.
type Instruction interface {
	// Describe returns the human readable form used in error messages
	Describe() string
	kind() string
}

// VariableAssignment is a variable set while a start instruction creates its target. Local assignments go to
// the created execution, the others are written where the variable is defined.
type VariableAssignment struct {
	Name  string `yaml:"name"`
	Value any    `yaml:"value"`
	Local bool   `yaml:"local"`
}

type StartBeforeActivity struct {
	ActivityId                 string
	AncestorActivityInstanceId string
	Variables                  []VariableAssignment
}

type StartAfterActivity struct {
	ActivityId                 string
	AncestorActivityInstanceId string
	Variables                  []VariableAssignment
}

type StartTransition struct {
	TransitionId               string
	AncestorActivityInstanceId string
	Variables                  []VariableAssignment
}

type CancelActivityInstance struct {
	ActivityInstanceId string
}

type CancelTransitionInstance struct {
	TransitionInstanceId string
}

type CancelAllForActivity struct {
	ActivityId string
	// DrainChildrenFirst runs end listeners of the nested activity instances as well
	DrainChildrenFirst bool
}

func (i StartBeforeActivity) Describe() string {
	return fmt.Sprintf("Start before activity '%s'", i.ActivityId)
}

func (i StartAfterActivity) Describe() string {
	return fmt.Sprintf("Start after activity '%s'", i.ActivityId)
}

func (i StartTransition) Describe() string {
	return fmt.Sprintf("Start transition '%s'", i.TransitionId)
}

func (i CancelActivityInstance) Describe() string {
	return fmt.Sprintf("Cancel activity instance '%s'", i.ActivityInstanceId)
}

func (i CancelTransitionInstance) Describe() string {
	return fmt.Sprintf("Cancel transition instance '%s'", i.TransitionInstanceId)
}

func (i CancelAllForActivity) Describe() string {
	return fmt.Sprintf("Cancel all of activity '%s'", i.ActivityId)
}

func (StartBeforeActivity) kind() string      { return "startBeforeActivity" }
func (StartAfterActivity) kind() string       { return "startAfterActivity" }
func (StartTransition) kind() string          { return "startTransition" }
func (CancelActivityInstance) kind() string   { return "cancelActivityInstance" }
func (CancelTransitionInstance) kind() string { return "cancelTransitionInstance" }
func (CancelAllForActivity) kind() string     { return "cancelAllForActivity" }

// isStartInstruction reports whether the instruction creates executions
func isStartInstruction(i Instruction) bool {
	switch i.(type) {
	case StartBeforeActivity, StartAfterActivity, StartTransition:
		return true
	}
	return false
}

// withVariable attaches the assignment to a start instruction
func withVariable(i Instruction, v VariableAssignment) (Instruction, bool) {
	switch s := i.(type) {
	case StartBeforeActivity:
		s.Variables = append(s.Variables, v)
		return s, true
	case StartAfterActivity:
		s.Variables = append(s.Variables, v)
		return s, true
	case StartTransition:
		s.Variables = append(s.Variables, v)
		return s, true
	}
	return i, false
}

func withAncestor(i Instruction, ancestorActivityInstanceId string) Instruction {
	switch s := i.(type) {
	case StartBeforeActivity:
		s.AncestorActivityInstanceId = ancestorActivityInstanceId
		return s
	case StartAfterActivity:
		s.AncestorActivityInstanceId = ancestorActivityInstanceId
		return s
	case StartTransition:
		s.AncestorActivityInstanceId = ancestorActivityInstanceId
		return s
	}
	return i
}

// InstructionOption customizes a start instruction
type InstructionOption func(Instruction) Instruction

// WithAncestor restricts the instantiation to the subtree of the given activity instance
func WithAncestor(activityInstanceId string) InstructionOption {
	return func(i Instruction) Instruction {
		return withAncestor(i, activityInstanceId)
	}
}

// WithVariable sets a variable while the start instruction creates its target
func WithVariable(name string, value any) InstructionOption {
	return func(i Instruction) Instruction {
		res, _ := withVariable(i, VariableAssignment{Name: name, Value: value})
		return res
	}
}

// WithLocalVariable sets a variable on the execution the start instruction creates
func WithLocalVariable(name string, value any) InstructionOption {
	return func(i Instruction) Instruction {
		res, _ := withVariable(i, VariableAssignment{Name: name, Value: value, Local: true})
		return res
	}
}

func applyOptions(i Instruction, options []InstructionOption) Instruction {
	for _, option := range options {
		i = option(i)
	}
	return i
}

// ModificationCommand modifies the activity instances of one process instance. Instructions run in order on a
// private copy of the instance, nothing is stored unless all of them succeed.
type ModificationCommand struct {
	ProcessInstanceKey  int64
	Instructions        []Instruction
	SkipCustomListeners bool
	SkipIoMappings      bool
	// Annotation is logged with the command
	Annotation string
}

// ProcessInstanceModificationBuilder collects instructions for one instance
type ProcessInstanceModificationBuilder struct {
	engine  *Engine
	command ModificationCommand
	err     error
}

func (engine *Engine) CreateProcessInstanceModification(processInstanceKey int64) *ProcessInstanceModificationBuilder {
	return &ProcessInstanceModificationBuilder{
		engine:  engine,
		command: ModificationCommand{ProcessInstanceKey: processInstanceKey},
	}
}

func (b *ProcessInstanceModificationBuilder) add(i Instruction) *ProcessInstanceModificationBuilder {
	b.command.Instructions = append(b.command.Instructions, i)
	return b
}

func (b *ProcessInstanceModificationBuilder) StartBeforeActivity(activityId string, options ...InstructionOption) *ProcessInstanceModificationBuilder {
	return b.add(applyOptions(StartBeforeActivity{ActivityId: activityId}, options))
}

func (b *ProcessInstanceModificationBuilder) StartAfterActivity(activityId string, options ...InstructionOption) *ProcessInstanceModificationBuilder {
	return b.add(applyOptions(StartAfterActivity{ActivityId: activityId}, options))
}

func (b *ProcessInstanceModificationBuilder) StartTransition(transitionId string, options ...InstructionOption) *ProcessInstanceModificationBuilder {
	return b.add(applyOptions(StartTransition{TransitionId: transitionId}, options))
}

func (b *ProcessInstanceModificationBuilder) CancelActivityInstance(activityInstanceId string) *ProcessInstanceModificationBuilder {
	return b.add(CancelActivityInstance{ActivityInstanceId: activityInstanceId})
}

func (b *ProcessInstanceModificationBuilder) CancelTransitionInstance(transitionInstanceId string) *ProcessInstanceModificationBuilder {
	return b.add(CancelTransitionInstance{TransitionInstanceId: transitionInstanceId})
}

func (b *ProcessInstanceModificationBuilder) CancelAllForActivity(activityId string, drainChildrenFirst bool) *ProcessInstanceModificationBuilder {
	return b.add(CancelAllForActivity{ActivityId: activityId, DrainChildrenFirst: drainChildrenFirst})
}

// SetVariable attaches a variable to the preceding start instruction
func (b *ProcessInstanceModificationBuilder) SetVariable(name string, value any) *ProcessInstanceModificationBuilder {
	return b.setVariable(VariableAssignment{Name: name, Value: value})
}

// SetVariableLocal attaches a local variable to the preceding start instruction
func (b *ProcessInstanceModificationBuilder) SetVariableLocal(name string, value any) *ProcessInstanceModificationBuilder {
	return b.setVariable(VariableAssignment{Name: name, Value: value, Local: true})
}

func (b *ProcessInstanceModificationBuilder) setVariable(v VariableAssignment) *ProcessInstanceModificationBuilder {
	last := len(b.command.Instructions) - 1
	if last < 0 {
		b.err = errors.Join(b.err, newValidationError("Variable '%s' can only be set on a start instruction", v.Name))
		return b
	}
	updated, ok := withVariable(b.command.Instructions[last], v)
	if !ok {
		b.err = errors.Join(b.err, newValidationError("Variable '%s' can only be set on a start instruction", v.Name))
		return b
	}
	b.command.Instructions[last] = updated
	return b
}

func (b *ProcessInstanceModificationBuilder) SkipCustomListeners() *ProcessInstanceModificationBuilder {
	b.command.SkipCustomListeners = true
	return b
}

func (b *ProcessInstanceModificationBuilder) SkipIoMappings() *ProcessInstanceModificationBuilder {
	b.command.SkipIoMappings = true
	return b
}

func (b *ProcessInstanceModificationBuilder) Annotation(annotation string) *ProcessInstanceModificationBuilder {
	b.command.Annotation = annotation
	return b
}

// Command returns the collected command, e.g. to submit it through a batch
func (b *ProcessInstanceModificationBuilder) Command() (ModificationCommand, error) {
	return b.command, b.err
}

func (b *ProcessInstanceModificationBuilder) Execute(ctx context.Context) error {
	if b.err != nil {
		return b.err
	}
	return b.engine.ExecuteModification(ctx, b.command)
}

// ExecuteModification applies the instructions strictly in order. The first failing instruction aborts the
// command and the stored instance stays untouched.
func (engine *Engine) ExecuteModification(ctx context.Context, cmd ModificationCommand) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, "instance:modify", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, cmd.ProcessInstanceKey),
		attribute.Int(otelPkg.AttributeInstructionCount, len(cmd.Instructions)),
	))
	defer func() {
		if retErr != nil {
			engine.metrics.ModificationsFailed.Add(ctx, 1)
		}
		endSpan(span, retErr)
	}()

	batch := engine.newEngineBatch(cmd.SkipCustomListeners, cmd.SkipIoMappings)
	defer batch.Release()
	ic, err := batch.loadInstance(ctx, cmd.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if !ic.instance.IsActive() {
		return newStateError("Process instance %d is not active", cmd.ProcessInstanceKey)
	}
	span.SetAttributes(attribute.String(otelPkg.AttributeProcessId, ic.graph.ProcessId))
	compiled, err := compileInstructions(ic.graph, cmd.Instructions)
	if err != nil {
		return err
	}
	engine.logger.Debug("modifying process instance", "processInstanceKey", cmd.ProcessInstanceKey, "instructions", len(compiled), "annotation", cmd.Annotation)

	if err := ic.applyInstructions(ctx, compiled); err != nil {
		return err
	}
	for _, ci := range compiled {
		kind := ci.instruction.kind()
		batch.AddPostFlushAction(func() {
			engine.metrics.InstructionsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String(otelPkg.AttributeInstructionKind, kind)))
		})
	}
	batch.AddPostFlushAction(func() {
		engine.metrics.ModificationsExecuted.Add(ctx, 1)
	})
	return batch.Flush(ctx)
}

// applyInstructions runs compiled instructions with root completion deferred to the end. An instance left
// without any execution completes.
func (ic *instanceContext) applyInstructions(ctx context.Context, compiled []compiledInstruction) error {
	ic.deferRootCompletion = true
	for _, ci := range compiled {
		if err := ic.applyInstruction(ctx, ci); err != nil {
			return describeFailure(ci.instruction, err)
		}
		if err := ic.drain(ctx); err != nil {
			return describeFailure(ci.instruction, err)
		}
	}
	ic.deferRootCompletion = false
	if ic.instance.IsActive() && len(ic.tree().Root().Children) == 0 {
		return ic.completeInstance(ctx, runtime.ActivityStateCompleted)
	}
	return nil
}

// describeFailure binds err to the instruction it happened in
func describeFailure(i Instruction, err error) error {
	var modErr *ModificationError
	if errors.As(err, &modErr) && modErr.Instruction == "" {
		bound := *modErr
		bound.Instruction = i.Describe()
		return &bound
	}
	if modErr != nil {
		return err
	}
	kind := ListenerError
	var engineErr *BpmnEngineError
	if errors.As(err, &engineErr) {
		kind = StateError
	}
	return &ModificationError{Kind: kind, Instruction: i.Describe(), Msg: "instruction failed", Err: err}
}
