package bpmn

import (
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCaller(t *testing.T, variables map[string]any) (parent, child runtime.ProcessInstance) {
	t.Helper()
	deploy(t, "call-child.bpmn")
	definition := deploy(t, "call-parent.bpmn")
	instance := startInstance(t, definition, variables)
	parent = *storedInstance(t, instance.Key)
	calls := parent.Tree.FindByActivity("callChild")
	require.Len(t, calls, 1)
	require.NotZero(t, calls[0].SubProcessInstanceKey)
	child = *storedInstance(t, calls[0].SubProcessInstanceKey)
	return parent, child
}

func TestCallActivityStartsChildAndContinuesParent(t *testing.T) {
	// given
	parent, child := startCaller(t, map[string]any{"orderId": "o-1"})
	assert.Equal(t, parent.Key, child.ParentProcessInstanceKey)
	assert.Equal(t, parent.Key, child.RootProcessInstanceKey)
	assert.Equal(t, "o-1", child.GetVariable("orderId"))
	assert.Equal(t, []string{"childTask"}, activityTree(t, child.Key).ActivityIds())

	// when
	completeTask(t, child.Key, "childTask", map[string]any{"shipped": true})

	// then
	assert.Equal(t, runtime.ActivityStateCompleted, storedInstance(t, child.Key).State)
	stored := storedInstance(t, parent.Key)
	assert.Equal(t, true, stored.GetVariable("shipped"))
	assert.Equal(t, []string{"afterCall"}, activityTree(t, parent.Key).ActivityIds())
	assert.Equal(t, 0, bpmnEngine.runningInstances.locked())
}

func TestCancellingCallActivityTerminatesChild(t *testing.T) {
	// given
	parent, child := startCaller(t, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(parent.Key).
		StartBeforeActivity("afterCall").
		CancelActivityInstance(activityInstanceId(t, parent.Key, "callChild")).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateTerminated, storedInstance(t, child.Key).State)
	assert.Empty(t, storedInstance(t, child.Key).ActiveJobs())
	assert.Equal(t, []string{"afterCall"}, activityTree(t, parent.Key).ActivityIds())
}

func TestModifyingCalledInstance(t *testing.T) {
	// given
	parent, child := startCaller(t, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(child.Key).
		StartBeforeActivity("childTask").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"childTask", "childTask"}, activityTree(t, child.Key).ActivityIds())

	// when
	completeTask(t, child.Key, "childTask", nil)

	// then
	assert.Equal(t, []string{"callChild"}, activityTree(t, parent.Key).ActivityIds())

	// when
	completeTask(t, child.Key, "childTask", nil)

	// then
	assert.Equal(t, []string{"afterCall"}, activityTree(t, parent.Key).ActivityIds())
}

func TestDeletingCallerTerminatesChild(t *testing.T) {
	// given
	parent, child := startCaller(t, nil)

	// when
	err := bpmnEngine.DeleteProcessInstance(t.Context(), parent.Key, "cleanup")

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateTerminated, storedInstance(t, parent.Key).State)
	assert.Equal(t, runtime.ActivityStateTerminated, storedInstance(t, child.Key).State)
}
