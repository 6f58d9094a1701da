package bpmn

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenerRecorder collects "<element>:<event>" for every notification it receives
type listenerRecorder struct {
	mu     sync.Mutex
	events []string
	failOn string
}

func (r *listenerRecorder) Notify(execution ListenerExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	element := execution.ActivityId()
	if execution.TransitionId() != "" {
		element = execution.TransitionId()
	}
	event := element + ":" + execution.EventName()
	if event == r.failOn {
		return errors.New("listener failure")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *listenerRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.failOn = ""
}

func (r *listenerRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var bpmnEngine Engine
var engineStorage *inmemory.Storage
var recorder = &listenerRecorder{}

func TestMain(m *testing.M) {
	engineStorage = inmemory.NewStorage()

	var exitCode int

	defer func() {
		os.Exit(exitCode)
	}()

	bpmnEngine = NewEngine(
		EngineWithStorage(engineStorage),
		EngineWithExecutionListener("recorder", recorder),
	)
	defer bpmnEngine.Stop()

	// Run the tests
	exitCode = m.Run()
}

func deploy(t *testing.T, filename string) *runtime.ProcessDefinition {
	t.Helper()
	definition, err := bpmnEngine.LoadFromFile("./test-cases/" + filename)
	require.NoError(t, err)
	return definition
}

func startInstance(t *testing.T, definition *runtime.ProcessDefinition, variables map[string]any) *runtime.ProcessInstance {
	t.Helper()
	instance, err := bpmnEngine.CreateInstanceByKey(t.Context(), definition.Key, variables)
	require.NoError(t, err)
	return instance
}

func storedInstance(t *testing.T, processInstanceKey int64) *runtime.ProcessInstance {
	t.Helper()
	instance, err := bpmnEngine.FindProcessInstance(t.Context(), processInstanceKey)
	require.NoError(t, err)
	return &instance
}

func activityTree(t *testing.T, processInstanceKey int64) *runtime.ActivityInstance {
	t.Helper()
	tree, err := bpmnEngine.GetActivityInstance(t.Context(), processInstanceKey)
	require.NoError(t, err)
	return tree
}

// activityInstanceId returns the id of the only activity instance of activityId
func activityInstanceId(t *testing.T, processInstanceKey int64, activityId string) string {
	t.Helper()
	instances := activityTree(t, processInstanceKey).GetActivityInstances(activityId)
	require.Len(t, instances, 1)
	return instances[0].Id
}

func activeJobs(t *testing.T, processInstanceKey int64, elementId string) []runtime.Job {
	t.Helper()
	var res []runtime.Job
	for _, job := range storedInstance(t, processInstanceKey).ActiveJobs() {
		if job.ElementId == elementId {
			res = append(res, job)
		}
	}
	return res
}

func keyString(key int64) string {
	return strconv.FormatInt(key, 10)
}

func completeTask(t *testing.T, processInstanceKey int64, elementId string, variables map[string]any) {
	t.Helper()
	jobs := activeJobs(t, processInstanceKey, elementId)
	require.NotEmpty(t, jobs, "no active job for %s", elementId)
	require.NoError(t, bpmnEngine.CompleteJob(t.Context(), jobs[0].Key, variables))
}

func TestStartEventCreatesWaitState(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")

	// when
	instance := startInstance(t, definition, map[string]any{"customer": "alice"})

	// then
	assert.Equal(t, runtime.ActivityStateActive, instance.State)
	assert.Equal(t, []string{"user1"}, activityTree(t, instance.Key).ActivityIds())
	assert.Len(t, activeJobs(t, instance.Key, "user1"), 1)
	assert.Equal(t, "alice", storedInstance(t, instance.Key).GetVariable("customer"))
}

func TestCompletingAllTasksCompletesInstance(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	completeTask(t, instance.Key, "user1", map[string]any{"approved": true})
	completeTask(t, instance.Key, "user2", nil)

	// then
	stored := storedInstance(t, instance.Key)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Equal(t, true, stored.GetVariable("approved"))
	assert.Empty(t, stored.ActiveJobs())
	assert.Empty(t, stored.Tree.Root().Children)
}

func TestCompletingInactiveJobFails(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)
	job := activeJobs(t, instance.Key, "user1")[0]
	require.NoError(t, bpmnEngine.CompleteJob(t.Context(), job.Key, nil))

	// when
	err := bpmnEngine.CompleteJob(t.Context(), job.Key, nil)

	// then
	var engineErr *BpmnEngineError
	assert.ErrorAs(t, err, &engineErr)
	assert.False(t, IsRetryable(err))
}

func TestExclusiveGatewayFollowsCondition(t *testing.T) {
	// given
	definition := deploy(t, "exclusive-gateway-tasks.bpmn")

	// when
	approved := startInstance(t, definition, map[string]any{"approved": true})
	rejected := startInstance(t, definition, map[string]any{"approved": false})

	// then
	assert.Equal(t, []string{"task1"}, activityTree(t, approved.Key).ActivityIds())
	assert.Equal(t, []string{"task2"}, activityTree(t, rejected.Key).ActivityIds())
}

func TestParallelGatewayJoinsBranches(t *testing.T) {
	// given
	definition := deploy(t, "parallel-gateway.bpmn")
	instance := startInstance(t, definition, nil)
	require.ElementsMatch(t, []string{"taskA", "taskB"}, activityTree(t, instance.Key).ActivityIds())

	// when
	completeTask(t, instance.Key, "taskA", nil)

	// then
	assert.Equal(t, []string{"taskB"}, activityTree(t, instance.Key).ActivityIds())

	// when
	completeTask(t, instance.Key, "taskB", nil)

	// then
	assert.Equal(t, []string{"after"}, activityTree(t, instance.Key).ActivityIds())
	root := storedInstance(t, instance.Key).Tree.Root()
	require.Len(t, root.Children, 1)
	assert.False(t, storedInstance(t, instance.Key).Tree.MustGet(root.Children[0]).IsConcurrent)
}

func TestSubProcessKeepsLocalScope(t *testing.T) {
	// given
	definition := deploy(t, "nested-subprocess.bpmn")

	// when
	instance := startInstance(t, definition, nil)

	// then
	tree := activityTree(t, instance.Key)
	assert.Equal(t, "nested-subprocess\n  outerSub\n    innerSub\n      deepTask\n", tree.Describe())
	stored := storedInstance(t, instance.Key)
	innerSub := stored.Tree.FindByActivityInstanceId(activityInstanceId(t, instance.Key, "innerSub"))
	require.NotNil(t, innerSub)
	assert.Equal(t, "nested", innerSub.Variables["level"])
	assert.Nil(t, stored.GetVariable("level"))

	// when
	completeTask(t, instance.Key, "deepTask", nil)

	// then
	assert.Equal(t, runtime.ActivityStateCompleted, storedInstance(t, instance.Key).State)
}

func TestScriptTaskStoresResult(t *testing.T) {
	// given
	definition := deploy(t, "script-task.bpmn")

	// when
	instance := startInstance(t, definition, map[string]any{"a": 1, "b": 2})

	// then
	assert.Equal(t, []string{"check"}, activityTree(t, instance.Key).ActivityIds())
	assert.EqualValues(t, 3, storedInstance(t, instance.Key).GetVariable("sum"))
}

func TestAsyncContinuationWaitsForJob(t *testing.T) {
	// given
	definition := deploy(t, "async-before.bpmn")
	instance := startInstance(t, definition, nil)
	transitions := activityTree(t, instance.Key).GetTransitionInstances("asyncTask")
	require.Len(t, transitions, 1)
	jobs := activeJobs(t, instance.Key, "asyncTask")
	require.Len(t, jobs, 1)
	require.Equal(t, runtime.JobTypeAsyncContinuation, jobs[0].Type)

	// when
	require.NoError(t, bpmnEngine.ExecuteAsyncContinuation(t.Context(), jobs[0].Key))

	// then
	tree := activityTree(t, instance.Key)
	assert.Empty(t, tree.GetTransitionInstances("asyncTask"))
	assert.Equal(t, []string{"asyncTask"}, tree.ActivityIds())
	taskJobs := activeJobs(t, instance.Key, "asyncTask")
	require.Len(t, taskJobs, 1)
	assert.Equal(t, runtime.JobTypeTask, taskJobs[0].Type)
}

func TestDeleteProcessInstance(t *testing.T) {
	// given
	definition := deploy(t, "listeners.bpmn")
	instance := startInstance(t, definition, map[string]any{"customer": "bob"})
	recorder.reset()

	// when
	err := bpmnEngine.DeleteProcessInstance(t.Context(), instance.Key, "no longer needed")

	// then
	require.NoError(t, err)
	stored := storedInstance(t, instance.Key)
	assert.Equal(t, runtime.ActivityStateTerminated, stored.State)
	assert.Empty(t, stored.ActiveJobs())
	assert.Equal(t, []string{"task:end"}, recorder.Events())
	historic, err := engineStorage.FindHistoricProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, "no longer needed", historic.DeleteReason)
	assert.Equal(t, runtime.ActivityStateTerminated, historic.State)

	// when
	err = bpmnEngine.DeleteProcessInstance(t.Context(), instance.Key, "again")

	// then
	var modErr *ModificationError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, StateError, modErr.Kind)
}

func TestSetVariables(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, map[string]any{"count": 1})

	// when
	err := bpmnEngine.SetVariables(t.Context(), instance.Key, map[string]any{"count": 2, "extra": "x"}, false)

	// then
	require.NoError(t, err)
	stored := storedInstance(t, instance.Key)
	assert.Equal(t, 2, stored.GetVariable("count"))
	assert.Equal(t, "x", stored.GetVariable("extra"))
	variables, err := engineStorage.FindHistoricVariables(t.Context(), instance.Key)
	require.NoError(t, err)
	byName := map[string]runtime.HistoricVariable{}
	for _, v := range variables {
		byName[v.Name] = v
	}
	assert.Equal(t, 2, byName["count"].Value)
	assert.True(t, byName["count"].Initial)
	assert.Equal(t, 1, byName["count"].InitialValue)
	assert.False(t, byName["extra"].Initial)
}

func TestHistoryRecordsStartActivity(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")

	// when
	instance := startInstance(t, definition, nil)

	// then
	historic, err := engineStorage.FindHistoricProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, "start", historic.StartActivityId)
	assert.Equal(t, definition.Key, historic.ProcessDefinitionKey)
	assert.Equal(t, runtime.ActivityStateActive, historic.State)
}

func TestInstanceLocksAreReleased(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	completeTask(t, instance.Key, "user1", nil)
	_ = bpmnEngine.CreateProcessInstanceModification(instance.Key).CancelActivityInstance("missing").Execute(t.Context())

	// then
	assert.Equal(t, 0, bpmnEngine.runningInstances.locked())
}
