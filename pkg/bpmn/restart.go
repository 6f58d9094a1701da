package bpmn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RestartCommand starts finished instances of one definition again at the activities its instructions name.
// Instances are selected by key, by a history query or by both.
type RestartCommand struct {
	ProcessDefinitionKey int64
	ProcessInstanceKeys  []int64
	Query                *storage.HistoricProcessInstanceQuery
	Instructions         []Instruction
	WithoutBusinessKey   bool
	// InitialSetOfVariables restarts with the variables the instance was started with instead of the latest values
	InitialSetOfVariables bool
	SkipCustomListeners   bool
	SkipIoMappings        bool
}

func (cmd RestartCommand) validate() error {
	if cmd.ProcessDefinitionKey == 0 {
		return newValidationError("processDefinitionKey is null")
	}
	if len(cmd.Instructions) == 0 {
		return newValidationError("Restart instructions cannot be empty")
	}
	return nil
}

// RestartInstanceKeys resolves the keys and the query of the command into a sorted list without duplicates
func (engine *Engine) RestartInstanceKeys(ctx context.Context, cmd RestartCommand) ([]int64, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	keys := slices.Clone(cmd.ProcessInstanceKeys)
	if cmd.Query != nil {
		historic, err := engine.persistence.FindHistoricProcessInstances(ctx, *cmd.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to query historic process instances: %w", err)
		}
		for _, h := range historic {
			keys = append(keys, h.Key)
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	if len(keys) == 0 {
		return nil, newValidationError("processInstanceIds is empty")
	}
	return keys, nil
}

// RestartProcessInstances restarts every selected instance. All historic instances are validated before the
// first one is started. The keys of the new instances are returned in the order of the restarted keys.
func (engine *Engine) RestartProcessInstances(ctx context.Context, cmd RestartCommand) ([]int64, error) {
	keys, err := engine.RestartInstanceKeys(ctx, cmd)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if _, err := engine.restartableInstance(ctx, cmd, key); err != nil {
			return nil, err
		}
	}
	res := make([]int64, 0, len(keys))
	for _, key := range keys {
		newKey, err := engine.RestartProcessInstance(ctx, cmd, key)
		if err != nil {
			return res, err
		}
		res = append(res, newKey)
	}
	return res, nil
}

// RestartProcessInstance restarts a single historic instance of the command and returns the new instance key
func (engine *Engine) RestartProcessInstance(ctx context.Context, cmd RestartCommand, processInstanceKey int64) (_ int64, retErr error) {
	ctx, span := engine.tracer.Start(ctx, "instance:restart", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, cmd.ProcessDefinitionKey),
	))
	defer func() {
		endSpan(span, retErr)
	}()

	if err := cmd.validate(); err != nil {
		return 0, err
	}
	historic, err := engine.restartableInstance(ctx, cmd, processInstanceKey)
	if err != nil {
		return 0, err
	}
	variables, err := engine.restartVariables(ctx, historic, cmd.InitialSetOfVariables)
	if err != nil {
		return 0, err
	}
	start := InstantiationCommand{
		ProcessDefinitionKey: cmd.ProcessDefinitionKey,
		Variables:            variables,
		Instructions:         cmd.Instructions,
		SkipCustomListeners:  cmd.SkipCustomListeners,
		SkipIoMappings:       cmd.SkipIoMappings,
	}
	if !cmd.WithoutBusinessKey {
		start.BusinessKey = historic.BusinessKey
	}
	instance, err := engine.StartProcessInstance(ctx, start)
	if err != nil {
		return 0, err
	}
	engine.logger.Debug("process instance restarted", "restartedKey", processInstanceKey, "processInstanceKey", instance.Key)
	return instance.Key, nil
}

func (engine *Engine) restartableInstance(ctx context.Context, cmd RestartCommand, processInstanceKey int64) (runtime.HistoricProcessInstance, error) {
	historic, err := engine.persistence.FindHistoricProcessInstanceByKey(ctx, processInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return historic, &ModificationError{Kind: ValidationError, Msg: "Historic process instance cannot be found", Err: fmt.Errorf("process instance %d: %w", processInstanceKey, err)}
	}
	if err != nil {
		return historic, fmt.Errorf("failed to find historic process instance %d: %w", processInstanceKey, err)
	}
	if historic.ProcessDefinitionKey != cmd.ProcessDefinitionKey {
		return historic, newValidationError("Its process definition '%d' does not match given process definition '%d'", historic.ProcessDefinitionKey, cmd.ProcessDefinitionKey)
	}
	if historic.State == runtime.ActivityStateActive {
		return historic, newValidationError("Historic process instance %d is still active", processInstanceKey)
	}
	return historic, nil
}

// restartVariables collects the process instance scope variables of a historic instance. Local variables of
// nested scopes are never restarted.
func (engine *Engine) restartVariables(ctx context.Context, historic runtime.HistoricProcessInstance, initialSet bool) (map[string]any, error) {
	variables, err := engine.persistence.FindHistoricVariables(ctx, historic.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to find historic variables of process instance %d: %w", historic.Key, err)
	}
	res := map[string]any{}
	for _, v := range variables {
		if !v.IsRootScope() {
			continue
		}
		if initialSet {
			if v.Initial {
				res[v.Name] = v.InitialValue
			}
			continue
		}
		res[v.Name] = v.Value
	}
	return res, nil
}
