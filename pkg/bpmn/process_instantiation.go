package bpmn

import (
	"context"
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstantiationCommand starts a process instance. Without instructions the instance starts at the none
// start event, otherwise the start instructions run on an empty instance instead.
type InstantiationCommand struct {
	// ProcessDefinitionKey wins over BpmnProcessId which selects the latest version
	ProcessDefinitionKey int64
	BpmnProcessId        string
	BusinessKey          string
	Variables            map[string]any
	Instructions         []Instruction
	SkipCustomListeners  bool
	SkipIoMappings       bool
}

// StartProcessInstance runs the command and returns the created instance as stored
func (engine *Engine) StartProcessInstance(ctx context.Context, cmd InstantiationCommand) (_ *runtime.ProcessInstance, retErr error) {
	ctx, span := engine.tracer.Start(ctx, "instance:start", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, cmd.ProcessDefinitionKey),
		attribute.Int(otelPkg.AttributeInstructionCount, len(cmd.Instructions)),
	))
	defer func() {
		endSpan(span, retErr)
	}()

	var (
		definition *runtime.ProcessDefinition
		graph      *bpmn20.ProcessGraph
		err        error
	)
	if cmd.ProcessDefinitionKey != 0 {
		definition, graph, err = engine.loadDefinition(ctx, cmd.ProcessDefinitionKey)
	} else {
		definition, graph, err = engine.loadLatestDefinition(ctx, cmd.BpmnProcessId)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(otelPkg.AttributeProcessId, graph.ProcessId))

	compiled, err := compileInstructions(graph, cmd.Instructions)
	if err != nil {
		return nil, err
	}
	for _, ci := range compiled {
		if !isStartInstruction(ci.instruction) {
			return nil, describeFailure(ci.instruction, newValidationError("only start instructions are allowed when starting a process instance"))
		}
	}

	batch := engine.newEngineBatch(cmd.SkipCustomListeners, cmd.SkipIoMappings)
	defer batch.Release()
	ic := batch.newInstance(ctx, definition, graph, cmd.Variables)
	ic.instance.BusinessKey = cmd.BusinessKey
	span.SetAttributes(attribute.Int64(otelPkg.AttributeProcessInstanceKey, ic.instance.Key))

	if len(compiled) == 0 {
		if err := ic.startAtInitial(); err != nil {
			return nil, err
		}
		if err := ic.drain(ctx); err != nil {
			return nil, err
		}
	} else {
		if len(compiled) == 1 {
			ic.startActivityId = startActivityOf(compiled[0])
			ic.initialVariables = maps.Clone(cmd.Variables)
		}
		if err := ic.applyInstructions(ctx, compiled); err != nil {
			return nil, err
		}
	}
	if err := batch.Flush(ctx); err != nil {
		return nil, err
	}
	engine.logger.Debug("process instance started", "processId", graph.ProcessId, "processInstanceKey", ic.instance.Key)
	return ic.instance, nil
}

func startActivityOf(ci compiledInstruction) string {
	if ci.activity != nil {
		return ci.activity.Id
	}
	return ci.flow.Target.Id
}

// ProcessInstantiationBuilder starts an instance, optionally at arbitrary activities
type ProcessInstantiationBuilder struct {
	engine  *Engine
	command InstantiationCommand
	err     error
}

func (engine *Engine) CreateProcessInstanceByKey(definitionKey int64) *ProcessInstantiationBuilder {
	return &ProcessInstantiationBuilder{
		engine:  engine,
		command: InstantiationCommand{ProcessDefinitionKey: definitionKey, Variables: map[string]any{}},
	}
}

func (engine *Engine) CreateProcessInstanceById(processId string) *ProcessInstantiationBuilder {
	return &ProcessInstantiationBuilder{
		engine:  engine,
		command: InstantiationCommand{BpmnProcessId: processId, Variables: map[string]any{}},
	}
}

func (b *ProcessInstantiationBuilder) BusinessKey(businessKey string) *ProcessInstantiationBuilder {
	b.command.BusinessKey = businessKey
	return b
}

// SetVariables adds process variables, they are visible to every start instruction
func (b *ProcessInstantiationBuilder) SetVariables(variables map[string]any) *ProcessInstantiationBuilder {
	maps.Copy(b.command.Variables, variables)
	return b
}

func (b *ProcessInstantiationBuilder) SetVariable(name string, value any) *ProcessInstantiationBuilder {
	b.command.Variables[name] = value
	return b
}

func (b *ProcessInstantiationBuilder) StartBeforeActivity(activityId string, options ...InstructionOption) *ProcessInstantiationBuilder {
	return b.add(applyOptions(StartBeforeActivity{ActivityId: activityId}, options))
}

func (b *ProcessInstantiationBuilder) StartAfterActivity(activityId string, options ...InstructionOption) *ProcessInstantiationBuilder {
	return b.add(applyOptions(StartAfterActivity{ActivityId: activityId}, options))
}

func (b *ProcessInstantiationBuilder) StartTransition(transitionId string, options ...InstructionOption) *ProcessInstantiationBuilder {
	return b.add(applyOptions(StartTransition{TransitionId: transitionId}, options))
}

func (b *ProcessInstantiationBuilder) add(i Instruction) *ProcessInstantiationBuilder {
	b.command.Instructions = append(b.command.Instructions, i)
	return b
}

func (b *ProcessInstantiationBuilder) SkipCustomListeners() *ProcessInstantiationBuilder {
	b.command.SkipCustomListeners = true
	return b
}

func (b *ProcessInstantiationBuilder) SkipIoMappings() *ProcessInstantiationBuilder {
	b.command.SkipIoMappings = true
	return b
}

func (b *ProcessInstantiationBuilder) Execute(ctx context.Context) (*runtime.ProcessInstance, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.engine.StartProcessInstance(ctx, b.command)
}
