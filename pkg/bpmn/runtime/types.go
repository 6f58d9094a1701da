package runtime

import (
	"slices"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
)

type ProcessDefinition struct {
	BpmnProcessId    string              // The ID as defined in the BPMN file
	Version          int32               // incremented when another process with the same ID is deployed
	Key              int64               // The engines key for this given process with version
	Definitions      bpmn20.TDefinitions // parsed file content
	BpmnData         string              // the raw source data
	BpmnResourceName string
	BpmnChecksum     [16]byte
}

// ActivityState follows the BPMN 2.0 activity lifecycle, only the states the engine enters are listed
type ActivityState string

const (
	ActivityStateActive     ActivityState = "ACTIVE"
	ActivityStateCompleted  ActivityState = "COMPLETED"
	ActivityStateTerminated ActivityState = "TERMINATED"
	ActivityStateFailed     ActivityState = "FAILED"
)

type ProcessInstance struct {
	Key         int64              `json:"k"`
	Definition  *ProcessDefinition `json:"-"`
	BusinessKey string             `json:"bk,omitempty"`
	State       ActivityState      `json:"s"`
	CreatedAt   time.Time          `json:"c"`
	EndedAt     time.Time          `json:"ea,omitempty"`
	Tree        *ExecutionTree     `json:"t"`
	Jobs        []Job              `json:"j,omitempty"`

	// caller of an instance started by a call activity
	ParentProcessInstanceKey int64 `json:"ppk,omitempty"`
	ParentExecutionKey       int64 `json:"pek,omitempty"`
	RootProcessInstanceKey   int64 `json:"rpk"`
}

func (pi *ProcessInstance) GetInstanceKey() int64 {
	return pi.Key
}

func (pi *ProcessInstance) GetState() ActivityState {
	return pi.State
}

func (pi *ProcessInstance) IsActive() bool {
	return pi.State == ActivityStateActive
}

// Variables returns the root scope variables
func (pi *ProcessInstance) Variables() map[string]any {
	return pi.Tree.Root().Variables
}

func (pi *ProcessInstance) GetVariable(key string) any {
	return pi.Tree.Root().Variables[key]
}

// FindJob finds a job by key
func (pi *ProcessInstance) FindJob(jobKey int64) (Job, bool) {
	for _, j := range pi.Jobs {
		if j.Key == jobKey {
			return j, true
		}
	}
	return Job{}, false
}

// FindJobByExecution finds the active job attached to executionKey
func (pi *ProcessInstance) FindJobByExecution(executionKey int64) (Job, bool) {
	for _, j := range pi.Jobs {
		if j.ExecutionKey == executionKey && j.State == ActivityStateActive {
			return j, true
		}
	}
	return Job{}, false
}

// ActiveJobs returns jobs in ACTIVE state ordered by creation
func (pi *ProcessInstance) ActiveJobs() []Job {
	var res []Job
	for _, j := range pi.Jobs {
		if j.State == ActivityStateActive {
			res = append(res, j)
		}
	}
	return res
}

func (pi *ProcessInstance) UpdateJob(job Job) {
	for i := range pi.Jobs {
		if pi.Jobs[i].Key == job.Key {
			pi.Jobs[i] = job
			return
		}
	}
	pi.Jobs = append(pi.Jobs, job)
}

// Clone deep copies the mutable parts so a command can work on a private copy
func (pi *ProcessInstance) Clone() ProcessInstance {
	c := *pi
	if pi.Tree != nil {
		c.Tree = pi.Tree.Clone()
	}
	c.Jobs = slices.Clone(pi.Jobs)
	return c
}

type JobType string

const (
	// JobTypeTask backs a wait state that is completed from outside
	JobTypeTask JobType = "task"
	// JobTypeAsyncContinuation backs a transition instance
	JobTypeAsyncContinuation JobType = "async-continuation"
)

type Job struct {
	Key                int64         `json:"k"`
	ProcessInstanceKey int64         `json:"pik"`
	ElementId          string        `json:"eid"`
	ExecutionKey       int64         `json:"ek"`
	ActivityInstanceId string        `json:"aiid,omitempty"`
	Type               JobType       `json:"t"`
	TaskType           string        `json:"tt,omitempty"`
	State              ActivityState `json:"s"`
	CreatedAt          time.Time     `json:"c"`
	DueAt              time.Time     `json:"d,omitempty"`
}

func (j Job) GetKey() int64 {
	return j.Key
}

func (j Job) GetState() ActivityState {
	return j.State
}

type Incident struct {
	Key                int64      `json:"k"`
	ProcessInstanceKey int64      `json:"pik,omitempty"`
	ElementId          string     `json:"eid,omitempty"`
	Type               string     `json:"t"`
	Message            string     `json:"m"`
	BatchId            string     `json:"b,omitempty"`
	CreatedAt          time.Time  `json:"c"`
	ResolvedAt         *time.Time `json:"r,omitempty"`
}

type HistoricProcessInstance struct {
	Key                  int64         `json:"k"`
	ProcessDefinitionKey int64         `json:"pdk"`
	BpmnProcessId        string        `json:"pid"`
	BusinessKey          string        `json:"bk,omitempty"`
	State                ActivityState `json:"s"`
	// StartActivityId is set when the instance was started at a single activity
	StartActivityId string    `json:"sa,omitempty"`
	StartedAt       time.Time `json:"sat"`
	EndedAt         time.Time `json:"eat,omitempty"`
	DeleteReason    string    `json:"dr,omitempty"`
}

type HistoricVariable struct {
	ProcessInstanceKey int64  `json:"pik"`
	ScopeKey           int64  `json:"sk"`
	Name               string `json:"n"`
	Value              any    `json:"v"`
	// InitialValue is the value written while the instance was started
	InitialValue any       `json:"iv,omitempty"`
	Initial      bool      `json:"i,omitempty"`
	CreatedAt    time.Time `json:"c"`
	UpdatedAt    time.Time `json:"u"`
}

// IsRootScope reports whether the variable belonged to the process instance scope
func (v HistoricVariable) IsRootScope() bool {
	return v.ScopeKey == v.ProcessInstanceKey
}
