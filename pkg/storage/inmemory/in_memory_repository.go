package inmemory

import (
	"cmp"
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

type variableKey struct {
	processInstanceKey int64
	scopeKey           int64
	name               string
}

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu                        sync.RWMutex
	ProcessDefinitions        map[int64]runtime.ProcessDefinition
	ProcessInstances          map[int64]runtime.ProcessInstance
	HistoricProcessInstances  map[int64]runtime.HistoricProcessInstance
	HistoricVariables         map[variableKey]runtime.HistoricVariable
	historicVariableSequence  map[variableKey]int64
	nextHistoricVariableIndex int64
	Incidents                 map[int64]runtime.Incident
}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions:       make(map[int64]runtime.ProcessDefinition),
		ProcessInstances:         make(map[int64]runtime.ProcessInstance),
		HistoricProcessInstances: make(map[int64]runtime.HistoricProcessInstance),
		HistoricVariables:        make(map[variableKey]runtime.HistoricVariable),
		historicVariableSequence: make(map[variableKey]int64),
		Incidents:                make(map[int64]runtime.Incident),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != processDefinitionId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != processId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})

	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res.Clone(), nil
}

func (mem *Storage) FindProcessInstances(ctx context.Context, filter storage.ProcessInstanceFilter) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, pi := range mem.ProcessInstances {
		if !matchesInstance(pi, filter) {
			continue
		}
		res = append(res, pi.Clone())
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res, nil
}

func (mem *Storage) FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, pi := range mem.ProcessInstances {
		if job, ok := pi.FindJob(jobKey); ok {
			return job, nil
		}
	}
	return runtime.Job{}, storage.ErrNotFound
}

func matchesInstance(pi runtime.ProcessInstance, filter storage.ProcessInstanceFilter) bool {
	if filter.DefinitionKey != 0 && (pi.Definition == nil || pi.Definition.Key != filter.DefinitionKey) {
		return false
	}
	if filter.BpmnProcessId != "" && (pi.Definition == nil || pi.Definition.BpmnProcessId != filter.BpmnProcessId) {
		return false
	}
	if filter.State != "" && pi.State != filter.State {
		return false
	}
	if len(filter.ActivityIds) == 0 {
		return true
	}
	if pi.Tree == nil {
		return false
	}
	found := false
	pi.Tree.Walk(func(e *runtime.Execution) bool {
		if slices.Contains(filter.ActivityIds, e.ActivityId) && (e.ActivityInstanceId != "" || e.IsTransition()) {
			found = true
		}
		return !found
	})
	return found
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[processInstance.Key] = processInstance.Clone()
	return nil
}

var _ storage.HistoryStorageReader = &Storage{}

func (mem *Storage) FindHistoricProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.HistoricProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.HistoricProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindHistoricProcessInstances(ctx context.Context, query storage.HistoricProcessInstanceQuery) ([]runtime.HistoricProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.HistoricProcessInstance, 0)
	for _, h := range mem.HistoricProcessInstances {
		if query.ProcessDefinitionKey != 0 && h.ProcessDefinitionKey != query.ProcessDefinitionKey {
			continue
		}
		if query.BpmnProcessId != "" && h.BpmnProcessId != query.BpmnProcessId {
			continue
		}
		if query.BusinessKey != "" && h.BusinessKey != query.BusinessKey {
			continue
		}
		if query.State != "" && h.State != query.State {
			continue
		}
		res = append(res, h)
	}
	slices.SortFunc(res, func(a, b runtime.HistoricProcessInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res, nil
}

func (mem *Storage) FindHistoricVariables(ctx context.Context, processInstanceKey int64) ([]runtime.HistoricVariable, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	type ordered struct {
		seq int64
		v   runtime.HistoricVariable
	}
	var found []ordered
	for k, v := range mem.HistoricVariables {
		if k.processInstanceKey == processInstanceKey {
			found = append(found, ordered{seq: mem.historicVariableSequence[k], v: v})
		}
	}
	slices.SortFunc(found, func(a, b ordered) int {
		return cmp.Compare(a.seq, b.seq)
	})
	res := make([]runtime.HistoricVariable, 0, len(found))
	for _, o := range found {
		res = append(res, o.v)
	}
	return res, nil
}

var _ storage.HistoryStorageWriter = &Storage{}

func (mem *Storage) SaveHistoricProcessInstance(ctx context.Context, instance runtime.HistoricProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.HistoricProcessInstances[instance.Key] = instance
	return nil
}

func (mem *Storage) SaveHistoricVariable(ctx context.Context, variable runtime.HistoricVariable) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	k := variableKey{
		processInstanceKey: variable.ProcessInstanceKey,
		scopeKey:           variable.ScopeKey,
		name:               variable.Name,
	}
	if _, ok := mem.historicVariableSequence[k]; !ok {
		mem.nextHistoricVariableIndex++
		mem.historicVariableSequence[k] = mem.nextHistoricVariableIndex
	}
	mem.HistoricVariables[k] = variable
	return nil
}

var _ storage.IncidentStorageReader = &Storage{}

func (mem *Storage) FindIncidentByKey(ctx context.Context, incidentKey int64) (runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Incidents[incidentKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindIncidents(ctx context.Context, filter storage.IncidentFilter) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Incident, 0)
	for _, incident := range mem.Incidents {
		if filter.ProcessInstanceKey != 0 && incident.ProcessInstanceKey != filter.ProcessInstanceKey {
			continue
		}
		if filter.BatchId != "" && incident.BatchId != filter.BatchId {
			continue
		}
		if filter.Type != "" && incident.Type != filter.Type {
			continue
		}
		res = append(res, incident)
	}
	slices.SortFunc(res, func(a, b runtime.Incident) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res, nil
}

var _ storage.IncidentStorageWriter = &Storage{}

func (mem *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Incidents[incident.Key] = incident
	return nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &StorageBatch{}

// Flush runs the buffered statements in the order they were added
func (b *StorageBatch) Flush(ctx context.Context) error {
	var joinErr error
	for _, stmt := range b.stmtToRun {
		err := stmt()
		if err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = make([]func() error, 0)
	return nil
}

var _ storage.ProcessDefinitionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveProcessDefinition(ctx, definition)
	})
	return nil
}

var _ storage.ProcessInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	// the caller keeps mutating its copy after handing it over
	snapshot := processInstance.Clone()
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveProcessInstance(ctx, snapshot)
	})
	return nil
}

var _ storage.HistoryStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveHistoricProcessInstance(ctx context.Context, instance runtime.HistoricProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveHistoricProcessInstance(ctx, instance)
	})
	return nil
}

func (b *StorageBatch) SaveHistoricVariable(ctx context.Context, variable runtime.HistoricVariable) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveHistoricVariable(ctx, variable)
	})
	return nil
}

var _ storage.IncidentStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveIncident(ctx, incident)
	})
	return nil
}
