package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	bpmnruntime "github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

type StorageTester struct {
	processDefinition bpmnruntime.ProcessDefinition
	processInstance   bpmnruntime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageWriter,
		st.TestProcessDefinitionStorageReader,
		st.TestProcessInstanceStorageWriter,
		st.TestProcessInstanceStorageReader,
		st.TestProcessInstanceFilter,
		st.TestHistoryStorageWriter,
		st.TestHistoryStorageReader,
		st.TestIncidentStorageWriter,
		st.TestIncidentStorageReader,
		st.TestBatchIsNotVisibleBeforeFlush,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

// NewProcessDefinition returns a definition without parsed content, enough for storage round trips
func NewProcessDefinition(r int64) bpmnruntime.ProcessDefinition {
	data := `<?xml version="1.0" encoding="UTF-8"?><bpmn:process id="Simple_Task_Process%d" name="aName" isExecutable="true"></bpmn:process></xml>`
	return bpmnruntime.ProcessDefinition{
		BpmnProcessId:    fmt.Sprintf("id-%d", r),
		Version:          1,
		Key:              r,
		BpmnData:         fmt.Sprintf(data, r),
		BpmnChecksum:     [16]byte{1},
		BpmnResourceName: fmt.Sprintf("resource-%d", r),
	}
}

// NewProcessInstance returns an active instance with a single user task execution
func NewProcessInstance(r int64, d bpmnruntime.ProcessDefinition) bpmnruntime.ProcessInstance {
	tree := bpmnruntime.NewExecutionTree(r)
	tree.Root().Variables["v1"] = float64(123)
	tree.Root().Variables["var2"] = "val2"
	task := tree.NewExecution(tree.Root(), r+1)
	task.ActivityId = "task"
	task.ActivityInstanceId = bpmnruntime.ActivityInstanceIdFor("task", task.Key)
	return bpmnruntime.ProcessInstance{
		Definition:             &d,
		Key:                    r,
		Tree:                   tree,
		CreatedAt:              time.Now().Truncate(time.Millisecond),
		State:                  bpmnruntime.ActivityStateActive,
		RootProcessInstanceKey: r,
		Jobs: []bpmnruntime.Job{{
			Key:                r + 2,
			ProcessInstanceKey: r,
			ElementId:          "task",
			ExecutionKey:       task.Key,
			ActivityInstanceId: task.ActivityInstanceId,
			Type:               bpmnruntime.JobTypeTask,
			TaskType:           "test-job",
			State:              bpmnruntime.ActivityStateActive,
			CreatedAt:          time.Now().Truncate(time.Millisecond),
		}},
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := s.GenerateId()

	st.processDefinition = NewProcessDefinition(r)
	err := s.SaveProcessDefinition(t.Context(), st.processDefinition)
	assert.NoError(t, err)

	st.processInstance = NewProcessInstance(r, st.processDefinition)
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	assert.NoError(t, err)
}

func (st *StorageTester) TestProcessDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		def := NewProcessDefinition(r)

		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindProcessDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)
	}
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()

		def := NewProcessDefinition(r)
		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)
		next := def
		next.Key = s.GenerateId()
		next.Version = 2
		err = s.SaveProcessDefinition(t.Context(), next)
		assert.NoError(t, err)

		definition, err := s.FindLatestProcessDefinitionById(t.Context(), def.BpmnProcessId)
		assert.NoError(t, err)
		assert.Equal(t, next.Key, definition.Key)

		definition, err = s.FindProcessDefinitionByKey(t.Context(), def.Key)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)

		definitions, err := s.FindProcessDefinitionsById(t.Context(), def.BpmnProcessId)
		assert.NoError(t, err)
		assert.Len(t, definitions, 2)
		assert.Equal(t, int32(1), definitions[0].Version)
		assert.Equal(t, int32(2), definitions[1].Version)

		_, err = s.FindProcessDefinitionByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindLatestProcessDefinitionById(t.Context(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		inst := NewProcessInstance(r, st.processDefinition)

		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		inst.State = bpmnruntime.ActivityStateCompleted
		err = s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		instance, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, bpmnruntime.ActivityStateCompleted, instance.State)
	}
}

func (st *StorageTester) TestProcessInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		inst := NewProcessInstance(r, st.processDefinition)

		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		instance, err := s.FindProcessInstanceByKey(t.Context(), inst.Key)
		require.NoError(t, err)
		assert.Equal(t, inst.Key, instance.Key)
		assert.Equal(t, inst.CreatedAt.Truncate(time.Millisecond), instance.CreatedAt.Truncate(time.Millisecond))
		assert.Equal(t, inst.Variables(), instance.Variables())
		assert.Equal(t, inst.Tree.Len(), instance.Tree.Len())
		require.Len(t, instance.Jobs, 1)
		assert.Equal(t, inst.Jobs[0], instance.Jobs[0])

		job, err := s.FindJobByKey(t.Context(), inst.Jobs[0].Key)
		require.NoError(t, err)
		assert.Equal(t, inst.Key, job.ProcessInstanceKey)
		_, err = s.FindJobByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindProcessInstanceByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessInstanceFilter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		def := NewProcessDefinition(s.GenerateId())
		err := s.SaveProcessDefinition(t.Context(), def)
		require.NoError(t, err)
		active := NewProcessInstance(s.GenerateId(), def)
		completed := NewProcessInstance(s.GenerateId(), def)
		completed.State = bpmnruntime.ActivityStateCompleted
		require.NoError(t, s.SaveProcessInstance(t.Context(), active))
		require.NoError(t, s.SaveProcessInstance(t.Context(), completed))

		all, err := s.FindProcessInstances(t.Context(), storage.ProcessInstanceFilter{DefinitionKey: def.Key})
		assert.NoError(t, err)
		assert.Len(t, all, 2)
		if len(all) == 2 {
			assert.Less(t, all[0].Key, all[1].Key)
		}

		onlyActive, err := s.FindProcessInstances(t.Context(), storage.ProcessInstanceFilter{
			DefinitionKey: def.Key,
			State:         bpmnruntime.ActivityStateActive,
			ActivityIds:   []string{"task"},
		})
		assert.NoError(t, err)
		require.Len(t, onlyActive, 1)
		assert.Equal(t, active.Key, onlyActive[0].Key)

		none, err := s.FindProcessInstances(t.Context(), storage.ProcessInstanceFilter{
			DefinitionKey: def.Key,
			ActivityIds:   []string{"other"},
		})
		assert.NoError(t, err)
		assert.Empty(t, none)
	}
}

func (st *StorageTester) TestHistoryStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		err := s.SaveHistoricProcessInstance(t.Context(), bpmnruntime.HistoricProcessInstance{
			Key:                  r,
			ProcessDefinitionKey: st.processDefinition.Key,
			BpmnProcessId:        st.processDefinition.BpmnProcessId,
			State:                bpmnruntime.ActivityStateActive,
			StartedAt:            time.Now().Truncate(time.Millisecond),
		})
		assert.NoError(t, err)
		err = s.SaveHistoricVariable(t.Context(), bpmnruntime.HistoricVariable{
			ProcessInstanceKey: r,
			ScopeKey:           r,
			Name:               "a",
			Value:              "1",
		})
		assert.NoError(t, err)
	}
}

func (st *StorageTester) TestHistoryStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		historic := bpmnruntime.HistoricProcessInstance{
			Key:                  r,
			ProcessDefinitionKey: r,
			BpmnProcessId:        "history-reader",
			BusinessKey:          "bk",
			State:                bpmnruntime.ActivityStateCompleted,
			StartActivityId:      "task",
			StartedAt:            time.Now().Truncate(time.Millisecond),
		}
		require.NoError(t, s.SaveHistoricProcessInstance(t.Context(), historic))
		for _, v := range []bpmnruntime.HistoricVariable{
			{ProcessInstanceKey: r, ScopeKey: r, Name: "b", Value: "first", InitialValue: "first", Initial: true},
			{ProcessInstanceKey: r, ScopeKey: r + 1, Name: "local", Value: "x"},
			{ProcessInstanceKey: r, ScopeKey: r, Name: "b", Value: "second", InitialValue: "first", Initial: true},
		} {
			require.NoError(t, s.SaveHistoricVariable(t.Context(), v))
		}

		found, err := s.FindHistoricProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, historic, found)

		byQuery, err := s.FindHistoricProcessInstances(t.Context(), storage.HistoricProcessInstanceQuery{
			ProcessDefinitionKey: r,
			BusinessKey:          "bk",
		})
		assert.NoError(t, err)
		assert.Len(t, byQuery, 1)

		variables, err := s.FindHistoricVariables(t.Context(), r)
		assert.NoError(t, err)
		require.Len(t, variables, 2)
		assert.Equal(t, "b", variables[0].Name)
		assert.Equal(t, "second", variables[0].Value)
		assert.Equal(t, "first", variables[0].InitialValue)
		assert.False(t, variables[1].IsRootScope())

		_, err = s.FindHistoricProcessInstanceByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestIncidentStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		err := s.SaveIncident(t.Context(), bpmnruntime.Incident{
			Key:                r,
			ProcessInstanceKey: st.processInstance.Key,
			Type:               "test",
			Message:            "test incident",
			CreatedAt:          time.Now().Truncate(time.Millisecond),
		})
		assert.NoError(t, err)
	}
}

func (st *StorageTester) TestIncidentStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		incident := bpmnruntime.Incident{
			Key:                r,
			ProcessInstanceKey: r,
			Type:               "failedBatchUnit",
			Message:            "boom",
			BatchId:            fmt.Sprintf("batch-%d", r),
			CreatedAt:          time.Now().Truncate(time.Millisecond),
		}
		require.NoError(t, s.SaveIncident(t.Context(), incident))

		found, err := s.FindIncidentByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, incident, found)

		byBatch, err := s.FindIncidents(t.Context(), storage.IncidentFilter{BatchId: incident.BatchId})
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.Incident{incident}, byBatch)

		_, err = s.FindIncidentByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestBatchIsNotVisibleBeforeFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		batch := s.NewBatch()
		inst := NewProcessInstance(r, st.processDefinition)

		require.NoError(t, batch.SaveProcessInstance(t.Context(), inst))
		_, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		inst.State = bpmnruntime.ActivityStateTerminated
		require.NoError(t, batch.Flush(t.Context()))
		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, bpmnruntime.ActivityStateActive, stored.State)
	}
}
