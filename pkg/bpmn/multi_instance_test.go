package bpmn

import (
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const miBody = "miTask#multiInstanceBody"

func bodyExecution(t *testing.T, processInstanceKey int64) *runtime.Execution {
	t.Helper()
	bodies := storedInstance(t, processInstanceKey).Tree.FindByActivity(miBody)
	require.Len(t, bodies, 1)
	return bodies[0]
}

func TestSequentialMultiInstanceRunsIterationsInOrder(t *testing.T) {
	// given
	definition := deploy(t, "sequential-mi-task.bpmn")
	instance := startInstance(t, definition, nil)

	for i := 0; i < 3; i++ {
		// then
		iterations := storedInstance(t, instance.Key).Tree.FindByActivity("miTask")
		require.Len(t, iterations, 1)
		assert.Equal(t, i, iterations[0].Variables["loopCounter"])

		// when
		completeTask(t, instance.Key, "miTask", nil)
	}

	// then
	assert.Equal(t, []string{"afterMi"}, activityTree(t, instance.Key).ActivityIds())
}

func TestSequentialMultiInstanceRejectsConcurrentIteration(t *testing.T) {
	// given
	definition := deploy(t, "sequential-mi-task.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("miTask").
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Start before activity 'miTask'; Concurrent instantiation not possible for activities in scope "+miBody)
	assert.Len(t, storedInstance(t, instance.Key).Tree.FindByActivity("miTask"), 1)
}

func TestParallelMultiInstanceAcceptsAdditionalIteration(t *testing.T) {
	// given
	definition := deploy(t, "parallel-mi-task.bpmn")
	instance := startInstance(t, definition, nil)
	require.Len(t, bodyExecution(t, instance.Key).Children, 3)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("miTask").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	body := bodyExecution(t, instance.Key)
	assert.Len(t, body.Children, 4)
	assert.Equal(t, 4, body.Variables["nrOfInstances"])
	assert.Equal(t, 4, body.Variables["nrOfActiveInstances"])
	iterations := storedInstance(t, instance.Key).Tree.FindByActivity("miTask")
	require.Len(t, iterations, 4)
	assert.Equal(t, 3, iterations[3].Variables["loopCounter"])

	// when
	for range 4 {
		completeTask(t, instance.Key, "miTask", nil)
	}

	// then
	assert.Equal(t, []string{"afterMi"}, activityTree(t, instance.Key).ActivityIds())
}

func TestStartBeforeBodyCreatesSingleIteration(t *testing.T) {
	// given
	definition := deploy(t, "sequential-mi-task.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelAllForActivity(miBody, false).
		StartBeforeActivity(miBody, WithVariable("nrOfInstances", 2)).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	body := bodyExecution(t, instance.Key)
	assert.Len(t, body.Children, 1)
	assert.Equal(t, 2, body.Variables["nrOfInstances"])

	// when
	completeTask(t, instance.Key, "miTask", nil)

	// then
	iterations := storedInstance(t, instance.Key).Tree.FindByActivity("miTask")
	require.Len(t, iterations, 1)
	assert.Equal(t, 1, iterations[0].Variables["loopCounter"])

	// when
	completeTask(t, instance.Key, "miTask", nil)

	// then
	assert.Equal(t, []string{"afterMi"}, activityTree(t, instance.Key).ActivityIds())
}

func TestCancelAllThenStartBeforeCreatesOneInstance(t *testing.T) {
	// given
	definition := deploy(t, "parallel-mi-task.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelAllForActivity("miTask", false).
		StartBeforeActivity("miTask").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, "parallel-mi-task\n  "+miBody+"\n    miTask\n", activityTree(t, instance.Key).Describe())
}

func TestMultiInstanceCollectsOutput(t *testing.T) {
	// given
	definition := deploy(t, "mi-collection.bpmn")
	instance := startInstance(t, definition, map[string]any{"items": []any{"a", "b"}})
	iterations := storedInstance(t, instance.Key).Tree.FindByActivity("review")
	require.Len(t, iterations, 2)
	assert.Equal(t, "a", iterations[0].Variables["item"])
	assert.Equal(t, "b", iterations[1].Variables["item"])
	jobs := activeJobs(t, instance.Key, "review")
	require.Len(t, jobs, 2)
	assert.Equal(t, "review", jobs[0].TaskType)

	// when
	require.NoError(t, bpmnEngine.CompleteJob(t.Context(), jobs[1].Key, map[string]any{"result": "B"}))
	require.NoError(t, bpmnEngine.CompleteJob(t.Context(), jobs[0].Key, map[string]any{"result": "A"}))

	// then
	stored := storedInstance(t, instance.Key)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Equal(t, []any{"A", "B"}, stored.GetVariable("results"))
}

func TestStartBeforeAsyncBodyWaitsForContinuation(t *testing.T) {
	// given
	definition := deploy(t, "async-before.bpmn")
	instance := startInstance(t, definition, nil)
	asyncBody := "asyncMi" + bpmn20.MultiInstanceBodySuffix

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity(asyncBody).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Empty(t, storedInstance(t, instance.Key).Tree.FindByActivity("asyncMi"))
	jobs := activeJobs(t, instance.Key, asyncBody)
	require.Len(t, jobs, 1)
	assert.Equal(t, runtime.JobTypeAsyncContinuation, jobs[0].Type)

	// when
	require.NoError(t, bpmnEngine.ExecuteAsyncContinuation(t.Context(), jobs[0].Key))

	// then
	assert.Empty(t, activeJobs(t, instance.Key, asyncBody))
	assert.Len(t, storedInstance(t, instance.Key).Tree.FindByActivity("asyncMi"), 2)
	assert.Len(t, activeJobs(t, instance.Key, "asyncMi"), 2)
}
