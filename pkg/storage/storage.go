package storage

import (
	"context"
	"errors"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

var ErrNotFound = errors.New("not found")

// Storage interface for reading and writing process data into a (persistent) state.
// Interface is used by the bpmn engine and the batch runner to interact with state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	HistoryStorageReader
	HistoryStorageWriter
	IncidentStorageReader
	IncidentStorageWriter

	GenerateId() int64
	NewBatch() Batch
}

// Batch buffers writes until Flush. Nothing written into a batch is observable by readers before Flush.
type Batch interface {
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageWriter
	HistoryStorageWriter
	IncidentStorageWriter

	// Flush will write the batch into the storage and prepares the batch for new statements
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (runtime.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error)

	// FindProcessDefinitionsById return zero or many registered processes with given ID
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveProcessDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given ProcessKey
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

// ProcessInstanceFilter selects running instances. Zero fields do not filter.
type ProcessInstanceFilter struct {
	DefinitionKey int64
	BpmnProcessId string
	// ActivityIds matches instances that have an activity or transition instance of any of the ids
	ActivityIds []string
	State       runtime.ActivityState
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	// FindProcessInstances returns matching instances ordered by key
	FindProcessInstances(ctx context.Context, filter ProcessInstanceFilter) ([]runtime.ProcessInstance, error)

	// FindJobByKey finds a job of any instance, jobs are stored with their process instance
	FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with given process instance key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

// HistoricProcessInstanceQuery selects historic instances. Zero fields do not filter.
type HistoricProcessInstanceQuery struct {
	ProcessDefinitionKey int64                 `yaml:"processDefinitionKey"`
	BpmnProcessId        string                `yaml:"bpmnProcessId"`
	BusinessKey          string                `yaml:"businessKey"`
	State                runtime.ActivityState `yaml:"state"`
}

type HistoryStorageReader interface {
	FindHistoricProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.HistoricProcessInstance, error)

	// FindHistoricProcessInstances returns matching historic instances ordered by key
	FindHistoricProcessInstances(ctx context.Context, query HistoricProcessInstanceQuery) ([]runtime.HistoricProcessInstance, error)

	// FindHistoricVariables returns the variables of all scopes of the instance ordered by creation
	FindHistoricVariables(ctx context.Context, processInstanceKey int64) ([]runtime.HistoricVariable, error)
}

type HistoryStorageWriter interface {
	SaveHistoricProcessInstance(ctx context.Context, instance runtime.HistoricProcessInstance) error

	// SaveHistoricVariable overwrites the variable identified by instance key, scope key and name
	SaveHistoricVariable(ctx context.Context, variable runtime.HistoricVariable) error
}

type IncidentFilter struct {
	ProcessInstanceKey int64
	BatchId            string
	Type               string
}

type IncidentStorageReader interface {
	FindIncidentByKey(ctx context.Context, incidentKey int64) (runtime.Incident, error)

	// FindIncidents returns matching incidents ordered by key
	FindIncidents(ctx context.Context, filter IncidentFilter) ([]runtime.Incident, error)
}

type IncidentStorageWriter interface {
	SaveIncident(ctx context.Context, incident runtime.Incident) error
}
