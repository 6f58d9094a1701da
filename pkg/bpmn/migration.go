package bpmn

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type MigrationInstruction struct {
	SourceActivityId string `yaml:"source"`
	TargetActivityId string `yaml:"target"`
}

// MigrationPlan moves running instances from one definition onto another. A plan is only valid when
// returned by MigrationPlanBuilder.Build.
type MigrationPlan struct {
	SourceDefinitionKey int64
	TargetDefinitionKey int64
	Instructions        []MigrationInstruction
	SkipCustomListeners bool
	SkipIoMappings      bool
}

type MigrationPlanBuilder struct {
	engine             *Engine
	plan               MigrationPlan
	mapEqualActivities bool
}

func (engine *Engine) NewMigrationPlan(sourceDefinitionKey, targetDefinitionKey int64) *MigrationPlanBuilder {
	return &MigrationPlanBuilder{
		engine: engine,
		plan: MigrationPlan{
			SourceDefinitionKey: sourceDefinitionKey,
			TargetDefinitionKey: targetDefinitionKey,
		},
	}
}

func (b *MigrationPlanBuilder) MapActivities(sourceActivityId, targetActivityId string) *MigrationPlanBuilder {
	b.plan.Instructions = append(b.plan.Instructions, MigrationInstruction{SourceActivityId: sourceActivityId, TargetActivityId: targetActivityId})
	return b
}

// MapEqualActivities maps every activity to the activity with the same id and type in the target definition
func (b *MigrationPlanBuilder) MapEqualActivities() *MigrationPlanBuilder {
	b.mapEqualActivities = true
	return b
}

func (b *MigrationPlanBuilder) SkipCustomListeners() *MigrationPlanBuilder {
	b.plan.SkipCustomListeners = true
	return b
}

func (b *MigrationPlanBuilder) SkipIoMappings() *MigrationPlanBuilder {
	b.plan.SkipIoMappings = true
	return b
}

// Build completes the instructions and validates them against both definitions
func (b *MigrationPlanBuilder) Build(ctx context.Context) (MigrationPlan, error) {
	_, source, err := b.engine.loadDefinition(ctx, b.plan.SourceDefinitionKey)
	if err != nil {
		return MigrationPlan{}, err
	}
	_, target, err := b.engine.loadDefinition(ctx, b.plan.TargetDefinitionKey)
	if err != nil {
		return MigrationPlan{}, err
	}
	plan := b.plan
	explicit := map[string]bool{}
	for _, instr := range plan.Instructions {
		explicit[instr.SourceActivityId] = true
	}
	if b.mapEqualActivities {
		for _, act := range source.Activities() {
			if explicit[act.Id] {
				continue
			}
			if other, ok := target.Activity(act.Id); ok && other.Type == act.Type {
				plan.Instructions = append(plan.Instructions, MigrationInstruction{SourceActivityId: act.Id, TargetActivityId: act.Id})
				explicit[act.Id] = true
			}
		}
	}
	plan.Instructions = append(plan.Instructions, impliedBodyMappings(plan.Instructions, source, target)...)
	if err := validateMigrationPlan(plan, source, target); err != nil {
		return MigrationPlan{}, err
	}
	return plan, nil
}

// impliedBodyMappings maps the multi instance body of a mapped inner activity to the body of its target
func impliedBodyMappings(instructions []MigrationInstruction, source, target *bpmn20.ProcessGraph) []MigrationInstruction {
	mapped := map[string]bool{}
	for _, instr := range instructions {
		mapped[instr.SourceActivityId] = true
	}
	var res []MigrationInstruction
	for _, instr := range instructions {
		src, ok := source.Activity(instr.SourceActivityId)
		if !ok || src.Body == nil || mapped[src.Body.Id] {
			continue
		}
		dst, ok := target.Activity(instr.TargetActivityId)
		if !ok || dst.Body == nil {
			continue
		}
		res = append(res, MigrationInstruction{SourceActivityId: src.Body.Id, TargetActivityId: dst.Body.Id})
		mapped[src.Body.Id] = true
	}
	return res
}

func validateMigrationPlan(plan MigrationPlan, source, target *bpmn20.ProcessGraph) error {
	mapping := map[string]string{}
	seen := map[string]int{}
	for _, instr := range plan.Instructions {
		seen[instr.SourceActivityId]++
		mapping[instr.SourceActivityId] = instr.TargetActivityId
	}
	var failures []MigrationInstructionFailure
	for _, instr := range plan.Instructions {
		var msgs []string
		if seen[instr.SourceActivityId] > 1 {
			msgs = append(msgs, fmt.Sprintf("There are multiple mappings for source activity '%s'", instr.SourceActivityId))
		}
		src, srcOk := source.Activity(instr.SourceActivityId)
		if !srcOk {
			msgs = append(msgs, fmt.Sprintf("Source activity '%s' does not exist", instr.SourceActivityId))
		}
		dst, dstOk := target.Activity(instr.TargetActivityId)
		if !dstOk {
			msgs = append(msgs, fmt.Sprintf("Target activity '%s' does not exist", instr.TargetActivityId))
		}
		if srcOk && dstOk {
			if src.Type != dst.Type {
				msgs = append(msgs, fmt.Sprintf("Activities have incompatible types (%s is not compatible with %s)", src.Type, dst.Type))
			}
			if src.IsScope != dst.IsScope {
				msgs = append(msgs, "Activity scope-ness differs")
			}
			if msg, ok := checkHierarchy(src, dst, mapping, source, target); !ok {
				msgs = append(msgs, msg)
			}
		}
		if len(msgs) > 0 {
			failures = append(failures, MigrationInstructionFailure{Instruction: instr, Failures: msgs})
		}
	}
	if len(failures) > 0 {
		return &MigrationPlanValidationError{Failures: failures}
	}
	return nil
}

// checkHierarchy requires the target of the closest mapped ancestor of src to contain dst
func checkHierarchy(src, dst *bpmn20.Activity, mapping map[string]string, source, target *bpmn20.ProcessGraph) (string, bool) {
	ancestor := source.Root
	mappedScope := target.Root
	for s := src.FlowScope; s != nil && !s.IsProcess(); s = s.FlowScope {
		if targetId, ok := mapping[s.Id]; ok {
			ancestor = s
			if t, ok := target.Activity(targetId); ok {
				mappedScope = t
			}
			break
		}
	}
	if dst.FlowScope == mappedScope || mappedScope.IsAncestorOf(dst.FlowScope) {
		return "", true
	}
	return fmt.Sprintf("The closest mapped ancestor '%s' is mapped to scope '%s' which is not an ancestor of target scope '%s'",
		ancestor.Id, mappedScope.Id, dst.FlowScope.Id), false
}

// MigrateProcessInstance moves one running instance onto the target definition of the plan
func (engine *Engine) MigrateProcessInstance(ctx context.Context, plan MigrationPlan, processInstanceKey int64) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, "instance:migrate", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, plan.TargetDefinitionKey),
	))
	defer func() {
		endSpan(span, retErr)
	}()

	targetDefinition, target, err := engine.loadDefinition(ctx, plan.TargetDefinitionKey)
	if err != nil {
		return err
	}
	batch := engine.newEngineBatch(plan.SkipCustomListeners, plan.SkipIoMappings)
	defer batch.Release()
	ic, err := batch.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if !ic.instance.IsActive() {
		return newStateError("Process instance %d is not active", processInstanceKey)
	}
	if ic.instance.Definition.Key != plan.SourceDefinitionKey {
		return newValidationError("Process instance %d is not an instance of process definition %d", processInstanceKey, plan.SourceDefinitionKey)
	}

	mapping := map[string]string{}
	for _, instr := range plan.Instructions {
		mapping[instr.SourceActivityId] = instr.TargetActivityId
	}
	if err := validateInstanceMigration(ic, mapping); err != nil {
		return err
	}

	tree := ic.tree()
	tree.Walk(func(e *runtime.Execution) bool {
		if e.ActivityId == "" || e.Key == tree.RootKey {
			return true
		}
		e.ActivityId = mapping[e.ActivityId]
		if e.ActivityInstanceId != "" {
			e.ActivityInstanceId = runtime.ActivityInstanceIdFor(e.ActivityId, e.Key)
		}
		return true
	})
	for _, job := range ic.instance.Jobs {
		if job.State != runtime.ActivityStateActive {
			continue
		}
		e, ok := tree.Get(job.ExecutionKey)
		if !ok {
			continue
		}
		job.ElementId = e.ActivityId
		job.ActivityInstanceId = e.ActivityInstanceId
		ic.instance.UpdateJob(job)
	}
	ic.instance.Definition = targetDefinition
	ic.graph = target
	engine.logger.Debug("process instance migrated", "processInstanceKey", processInstanceKey,
		"sourceDefinitionKey", plan.SourceDefinitionKey, "targetDefinitionKey", plan.TargetDefinitionKey)
	return batch.Flush(ctx)
}

func validateInstanceMigration(ic *instanceContext, mapping map[string]string) error {
	var failures []MigrationInstanceFailure
	tree := ic.tree()
	tree.Walk(func(e *runtime.Execution) bool {
		if e.ActivityId == "" || e.Key == tree.RootKey {
			return true
		}
		if _, ok := mapping[e.ActivityId]; ok {
			return true
		}
		id := e.ActivityInstanceId
		if id == "" {
			id = strconv.FormatInt(e.Key, 10)
		}
		failures = append(failures, MigrationInstanceFailure{
			InstanceId: id,
			ActivityId: e.ActivityId,
			Failures:   []string{"There is no migration instruction for this instance's activity"},
		})
		return true
	})
	if len(failures) > 0 {
		return &MigrationInstanceValidationError{ProcessInstanceKey: ic.instance.Key, Failures: failures}
	}
	return nil
}
