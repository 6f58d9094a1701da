package bpmn

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	goruntime "runtime"
	"slices"

	bpmnruntime "github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// EngineBatch is the unit of work of one engine command. It keeps the working copies of every instance
// the command touched and holds the locks of their root instances until Flush or Release.
type EngineBatch struct {
	b                storage.Batch
	engine           *Engine
	lockedRoots      []int64
	instances        map[int64]*instanceContext
	order            []int64
	preFlushActions  []func() error
	postFlushActions []func()
	done             bool

	skipCustomListeners bool
	skipIoMappings      bool
}

// newEngineBatch - use this method only in public engine methods
func (engine *Engine) newEngineBatch(skipCustomListeners, skipIoMappings bool) *EngineBatch {
	return &EngineBatch{
		b:                   engine.persistence.NewBatch(),
		engine:              engine,
		instances:           map[int64]*instanceContext{},
		skipCustomListeners: skipCustomListeners || engine.config.SkipCustomListenersDefault,
		skipIoMappings:      skipIoMappings || engine.config.SkipIoMappingsDefault,
	}
}

func (b *EngineBatch) lockRoot(rootKey int64) {
	if slices.Contains(b.lockedRoots, rootKey) {
		return
	}
	b.engine.runningInstances.lockInstance(rootKey)
	b.lockedRoots = append(b.lockedRoots, rootKey)
}

// loadInstance returns the working copy of the instance, the first access locks its root instance and
// reads a fresh copy from the storage
func (b *EngineBatch) loadInstance(ctx context.Context, processInstanceKey int64) (*instanceContext, error) {
	if ic, ok := b.instances[processInstanceKey]; ok {
		return ic, nil
	}
	unlocked, err := b.engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, instanceLookupError(processInstanceKey, err)
	}
	rootKey := unlocked.RootProcessInstanceKey
	if rootKey == 0 {
		rootKey = unlocked.Key
	}
	b.lockRoot(rootKey)
	instance, err := b.engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, instanceLookupError(processInstanceKey, err)
	}
	graph, err := b.engine.graphFor(instance.Definition)
	if err != nil {
		return nil, err
	}
	ic := newInstanceContext(b, &instance, graph)
	b.add(ic)
	return ic, nil
}

// instanceLookupError reports a missing instance as a permanent state error
func instanceLookupError(processInstanceKey int64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return newStateError("Process instance %d does not exist", processInstanceKey)
	}
	return fmt.Errorf("failed to find process instance %d: %w", processInstanceKey, err)
}

func (b *EngineBatch) add(ic *instanceContext) {
	b.instances[ic.instance.Key] = ic
	b.order = append(b.order, ic.instance.Key)
}

func (b *EngineBatch) AddPreFlushAction(f func() error) {
	b.preFlushActions = append(b.preFlushActions, f)
}

func (b *EngineBatch) AddPostFlushAction(f func()) {
	b.postFlushActions = append(b.postFlushActions, f)
}

// Flush validates and writes every touched instance together with its history, then unlocks the roots.
// Post flush actions only run when the write succeeded.
func (b *EngineBatch) Flush(ctx context.Context) (err error) {
	defer func() {
		b.Release()
		if err == nil {
			for _, action := range b.postFlushActions {
				action()
			}
		}
	}()
	for _, key := range b.order {
		ic := b.instances[key]
		if b.engine.config.ValidateTreeShape {
			if shapeErr := bpmnruntime.ValidateShape(ic.instance.Tree); shapeErr != nil {
				return errors.Join(newEngineErrorf("process instance %d has an inconsistent execution tree", key), shapeErr)
			}
		}
		if err := b.b.SaveProcessInstance(ctx, *ic.instance); err != nil {
			return fmt.Errorf("failed to save process instance %d: %w", key, err)
		}
		if err := b.saveHistory(ctx, ic); err != nil {
			return err
		}
	}
	for _, action := range b.preFlushActions {
		if err := action(); err != nil {
			funcName := goruntime.FuncForPC(reflect.ValueOf(action).Pointer()).Name()
			return fmt.Errorf("failed pre-flush action %s: %w", funcName, err)
		}
	}
	return b.b.Flush(ctx)
}

// Release unlocks the roots without writing anything. It is safe to call after Flush.
func (b *EngineBatch) Release() {
	if b.done {
		return
	}
	b.done = true
	for _, root := range b.lockedRoots {
		b.engine.runningInstances.unlockInstance(root)
	}
}

func (b *EngineBatch) saveHistory(ctx context.Context, ic *instanceContext) error {
	instance := ic.instance
	historic, err := b.engine.persistence.FindHistoricProcessInstanceByKey(ctx, instance.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		historic = bpmnruntime.HistoricProcessInstance{
			Key:             instance.Key,
			BpmnProcessId:   instance.Definition.BpmnProcessId,
			BusinessKey:     instance.BusinessKey,
			StartActivityId: ic.startActivityId,
			StartedAt:       instance.CreatedAt,
		}
	case err != nil:
		return fmt.Errorf("failed to read history of process instance %d: %w", instance.Key, err)
	}
	historic.ProcessDefinitionKey = instance.Definition.Key
	historic.State = instance.State
	historic.EndedAt = instance.EndedAt
	if ic.deleteReason != "" {
		historic.DeleteReason = ic.deleteReason
	}
	if err := b.b.SaveHistoricProcessInstance(ctx, historic); err != nil {
		return fmt.Errorf("failed to save history of process instance %d: %w", instance.Key, err)
	}

	existing, err := b.engine.persistence.FindHistoricVariables(ctx, instance.Key)
	if err != nil {
		return fmt.Errorf("failed to read historic variables of process instance %d: %w", instance.Key, err)
	}
	type variableId struct {
		scope int64
		name  string
	}
	known := make(map[variableId]bpmnruntime.HistoricVariable, len(existing))
	for _, v := range existing {
		known[variableId{v.ScopeKey, v.Name}] = v
	}
	now := b.engine.clock.Now()
	var saveErr error
	instance.Tree.Walk(func(e *bpmnruntime.Execution) bool {
		for name, value := range e.Variables {
			v, ok := known[variableId{e.Key, name}]
			if !ok {
				v = bpmnruntime.HistoricVariable{
					ProcessInstanceKey: instance.Key,
					ScopeKey:           e.Key,
					Name:               name,
					CreatedAt:          now,
				}
				if initial, isInitial := ic.initialVariables[name]; isInitial && e.Key == instance.Key {
					v.Initial = true
					v.InitialValue = initial
				}
			} else if reflect.DeepEqual(v.Value, value) {
				continue
			}
			v.Value = value
			v.UpdatedAt = now
			if err := b.b.SaveHistoricVariable(ctx, v); err != nil {
				saveErr = fmt.Errorf("failed to save historic variable %s of process instance %d: %w", name, instance.Key, err)
				return false
			}
		}
		return true
	})
	return saveErr
}
