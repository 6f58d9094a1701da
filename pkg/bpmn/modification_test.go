package bpmn

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireModificationError(t *testing.T, err error, kind ErrorKind, message string) {
	t.Helper()
	var modErr *ModificationError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, kind, modErr.Kind)
	assert.Equal(t, message, err.Error())
}

func TestCancelAllAndStartBeforeOnSeveralInstances(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instances := []*runtime.ProcessInstance{
		startInstance(t, definition, nil),
		startInstance(t, definition, nil),
	}

	for _, instance := range instances {
		// when
		err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
			CancelAllForActivity("user1", true).
			StartBeforeActivity("user2").
			Execute(t.Context())

		// then
		require.NoError(t, err)
		assert.Equal(t, []string{"user2"}, activityTree(t, instance.Key).ActivityIds())
		stored := storedInstance(t, instance.Key)
		require.Len(t, stored.ActiveJobs(), 1)
		assert.Equal(t, "user2", stored.ActiveJobs()[0].ElementId)
		assert.Len(t, stored.Tree.Root().Children, 1)
	}
}

func TestStartBeforeSameActivityTwiceOnNewInstance(t *testing.T) {
	// given
	definition := deploy(t, "exclusive-gateway-tasks.bpmn")

	// when
	instance, err := bpmnEngine.CreateProcessInstanceByKey(definition.Key).
		StartBeforeActivity("task1").
		StartBeforeActivity("task2").
		StartBeforeActivity("task1").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"task1", "task2", "task1"}, activityTree(t, instance.Key).ActivityIds())
	stored := storedInstance(t, instance.Key)
	assert.Len(t, stored.Tree.Root().Children, 3)
	for _, child := range stored.Tree.ChildrenOf(stored.Tree.Root()) {
		assert.True(t, child.IsConcurrent)
	}

	// when
	completeTask(t, instance.Key, "task2", nil)
	completeTask(t, instance.Key, "task1", nil)

	// then
	assert.Equal(t, []string{"task1"}, activityTree(t, instance.Key).ActivityIds())
	root := storedInstance(t, instance.Key).Tree.Root()
	require.Len(t, root.Children, 1)
	assert.False(t, storedInstance(t, instance.Key).Tree.MustGet(root.Children[0]).IsConcurrent)

	// when
	completeTask(t, instance.Key, "task1", nil)

	// then
	assert.Equal(t, runtime.ActivityStateCompleted, storedInstance(t, instance.Key).State)
}

func TestCancelledParallelIterationsKeepBody(t *testing.T) {
	// given
	definition := deploy(t, "parallel-mi-task.bpmn")
	instance := startInstance(t, definition, nil)
	iterations := activityTree(t, instance.Key).GetActivityInstances("miTask")
	require.Len(t, iterations, 3)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelActivityInstance(iterations[0].Id).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	stored := storedInstance(t, instance.Key)
	bodies := stored.Tree.FindByActivity("miTask#multiInstanceBody")
	require.Len(t, bodies, 1)
	require.Len(t, bodies[0].Children, 2)
	for _, child := range stored.Tree.ChildrenOf(bodies[0]) {
		assert.True(t, child.IsConcurrent)
	}
	assert.Equal(t, 2, bodies[0].Variables["nrOfActiveInstances"])

	// when
	err = bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelActivityInstance(iterations[1].Id).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	stored = storedInstance(t, instance.Key)
	body := stored.Tree.MustGet(bodies[0].Key)
	require.Len(t, body.Children, 1)
	group := stored.Tree.MustGet(body.Children[0])
	assert.True(t, group.IsConcurrentGroup())
	assert.NoError(t, runtime.ValidateShape(stored.Tree))
	assert.Equal(t, []string{"miTask"}, activityTree(t, instance.Key).ActivityIds())
}

func TestCancelRemovedActivityInstanceFails(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)
	user1 := activityInstanceId(t, instance.Key, "user1")
	before := storedInstance(t, instance.Key)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("user2").
		CancelActivityInstance(user1).
		CancelActivityInstance(user1).
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Cancel activity instance '"+user1+"'; Activity instance '"+user1+"' does not exist")
	after := storedInstance(t, instance.Key)
	assert.Empty(t, cmp.Diff(before.Tree, after.Tree))
	assert.Empty(t, cmp.Diff(before.Jobs, after.Jobs))
	assert.Equal(t, runtime.ActivityStateActive, after.State)
}

func TestFailedInstructionLeavesInstanceUntouched(t *testing.T) {
	// given
	definition := deploy(t, "listeners.bpmn")
	instance := startInstance(t, definition, map[string]any{"customer": "carol"})
	before := storedInstance(t, instance.Key)
	recorder.reset()
	recorder.failOn = "innerTask:start"

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("sub").
		Execute(t.Context())
	recorder.reset()

	// then
	var modErr *ModificationError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, ListenerError, modErr.Kind)
	assert.Equal(t, "Start before activity 'sub'", modErr.Instruction)
	assert.True(t, IsRetryable(err))
	after := storedInstance(t, instance.Key)
	assert.Empty(t, cmp.Diff(before.Tree, after.Tree))
	assert.Empty(t, cmp.Diff(before.Jobs, after.Jobs))
}

func TestUnknownElementIsRejected(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("nope").
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Start before activity 'nope'; Element 'nope' does not exist in process 'two-user-tasks'")
	assert.False(t, IsRetryable(err))

	// when
	err = bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartTransition("flow-missing").
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Start transition 'flow-missing'; Element 'flow-missing' does not exist in process 'two-user-tasks'")
}

func TestStartAfterWithoutOutgoingFlowIsRejected(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartAfterActivity("end").
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Start after activity 'end'; activity has no outgoing sequence flow to take")
}

func TestStartAfterActivityTakesOutgoingFlow(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartAfterActivity("user1").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"user1", "user2"}, activityTree(t, instance.Key).ActivityIds())
}

func TestStartTransitionWithVariables(t *testing.T) {
	// given
	definition := deploy(t, "exclusive-gateway-tasks.bpmn")
	instance := startInstance(t, definition, map[string]any{"approved": true})

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartTransition("flow-split-task2", WithVariable("reason", "manual")).
		CancelActivityInstance(activityInstanceId(t, instance.Key, "task1")).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"task2"}, activityTree(t, instance.Key).ActivityIds())
	assert.Equal(t, "manual", storedInstance(t, instance.Key).GetVariable("reason"))
}

func TestStartBeforeWithLocalVariable(t *testing.T) {
	// given
	definition := deploy(t, "subprocess.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("sub").
		SetVariableLocal("note", "local").
		SetVariable("shared", 1).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	stored := storedInstance(t, instance.Key)
	subs := stored.Tree.FindByActivity("sub")
	require.Len(t, subs, 2)
	assert.Nil(t, subs[0].Variables["note"])
	assert.Equal(t, "local", subs[1].Variables["note"])
	assert.Nil(t, stored.GetVariable("note"))
	assert.Equal(t, 1, stored.GetVariable("shared"))
}

func TestVariableWithoutStartInstructionIsRejected(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelAllForActivity("user1", false).
		SetVariable("x", 1).
		Execute(t.Context())

	// then
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Variable 'x' can only be set on a start instruction")
	assert.Equal(t, []string{"user1"}, activityTree(t, instance.Key).ActivityIds())
}

func TestStartBeforeInsideExistingSubProcess(t *testing.T) {
	// given
	definition := deploy(t, "subprocess.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("innerTask2").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	tree := activityTree(t, instance.Key)
	require.Len(t, tree.GetActivityInstances("sub"), 1)
	assert.Equal(t, "subprocess\n  sub\n    innerTask\n    innerTask2\n", tree.Describe())
}

func TestStartBeforeCreatesMissingScopes(t *testing.T) {
	// given
	definition := deploy(t, "nested-subprocess.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelAllForActivity("outerSub", true).
		StartBeforeActivity("deepTask").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, "nested-subprocess\n  outerSub\n    innerSub\n      deepTask\n", activityTree(t, instance.Key).Describe())
	innerSub := storedInstance(t, instance.Key).Tree.FindByActivity("innerSub")
	require.Len(t, innerSub, 1)
	assert.Equal(t, "nested", innerSub[0].Variables["level"])
}

func TestAmbiguousAncestorIsRejected(t *testing.T) {
	// given
	definition := deploy(t, "subprocess.bpmn")
	instance := startInstance(t, definition, nil)
	require.NoError(t, bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("sub").
		Execute(t.Context()))
	subs := activityTree(t, instance.Key).GetActivityInstances("sub")
	require.Len(t, subs, 2)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("innerTask2").
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Start before activity 'innerTask2'; Ancestor activity execution is ambiguous for activity sub")

	// when
	err = bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("innerTask2", WithAncestor(subs[1].Id)).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	tree := activityTree(t, instance.Key)
	second := tree.GetActivityInstances("sub")[1]
	assert.Equal(t, []string{"innerTask", "innerTask2"}, second.ActivityIds())
	assert.Equal(t, []string{"innerTask"}, tree.GetActivityInstances("sub")[0].ActivityIds())
}

func TestAncestorOutsideHierarchyIsRejected(t *testing.T) {
	// given
	definition := deploy(t, "subprocess.bpmn")
	instance := startInstance(t, definition, nil)
	innerTask := activityInstanceId(t, instance.Key, "innerTask")

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("outerTask", WithAncestor(innerTask)).
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Start before activity 'outerTask'; Scope execution for '"+innerTask+
			"' cannot be found in parent hierarchy of flow element 'outerTask'")

	// when
	err = bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("outerTask", WithAncestor("sub:1")).
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Start before activity 'outerTask'; Ancestor activity instance 'sub:1' does not exist")
}

func TestInterruptingBoundaryEventCancelsAttachedActivity(t *testing.T) {
	// given
	definition := deploy(t, "boundary-event.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("timeout").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"escalated"}, activityTree(t, instance.Key).ActivityIds())
	assert.Empty(t, activeJobs(t, instance.Key, "task"))
}

func TestNonInterruptingBoundaryEventKeepsAttachedActivity(t *testing.T) {
	// given
	definition := deploy(t, "boundary-event.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("reminder").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"task", "remind"}, activityTree(t, instance.Key).ActivityIds())
	assert.Len(t, activeJobs(t, instance.Key, "task"), 1)
}

func TestEventSubProcessStartBehavior(t *testing.T) {
	// given
	definition := deploy(t, "event-subprocess.bpmn")
	interrupted := startInstance(t, definition, nil)
	notInterrupted := startInstance(t, definition, nil)

	// when
	errInterrupting := bpmnEngine.CreateProcessInstanceModification(interrupted.Key).
		StartBeforeActivity("interruptingTask").
		Execute(t.Context())
	errNonInterrupting := bpmnEngine.CreateProcessInstanceModification(notInterrupted.Key).
		StartBeforeActivity("nonInterruptingTask").
		Execute(t.Context())

	// then
	require.NoError(t, errInterrupting)
	require.NoError(t, errNonInterrupting)
	assert.Equal(t, "event-subprocess\n  interruptingSub\n    interruptingTask\n", activityTree(t, interrupted.Key).Describe())
	assert.Equal(t, "event-subprocess\n  task\n  nonInterruptingSub\n    nonInterruptingTask\n", activityTree(t, notInterrupted.Key).Describe())
}

func TestStartBeforeJoinWaitsForOtherBranch(t *testing.T) {
	// given
	definition := deploy(t, "parallel-gateway.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelActivityInstance(activityInstanceId(t, instance.Key, "taskA")).
		StartBeforeActivity("join").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"taskB"}, activityTree(t, instance.Key).ActivityIds())

	// when
	completeTask(t, instance.Key, "taskB", nil)

	// then
	assert.Equal(t, []string{"after"}, activityTree(t, instance.Key).ActivityIds())
}

func TestCancelTransitionInstance(t *testing.T) {
	// given
	definition := deploy(t, "async-before.bpmn")
	instance := startInstance(t, definition, nil)
	transitions := activityTree(t, instance.Key).GetTransitionInstances("asyncTask")
	require.Len(t, transitions, 1)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("other").
		CancelTransitionInstance(transitions[0].Id).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	tree := activityTree(t, instance.Key)
	assert.Empty(t, tree.GetTransitionInstances("asyncTask"))
	assert.Equal(t, []string{"other"}, tree.ActivityIds())
	assert.Empty(t, activeJobs(t, instance.Key, "asyncTask"))

	// when
	err = bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelTransitionInstance(transitions[0].Id).
		Execute(t.Context())

	// then
	requireModificationError(t, err, ValidationError,
		"Cannot perform instruction: Cancel transition instance '"+transitions[0].Id+"'; Transition instance '"+transitions[0].Id+"' does not exist")
}

func TestStartBeforeAsyncActivityCreatesTransition(t *testing.T) {
	// given
	definition := deploy(t, "async-before.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("asyncTask").
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Len(t, activityTree(t, instance.Key).GetTransitionInstances("asyncTask"), 2)
	assert.Len(t, activeJobs(t, instance.Key, "asyncTask"), 2)
}

func TestCancellingEverythingCompletesInstance(t *testing.T) {
	// given
	definition := deploy(t, "two-user-tasks.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelAllForActivity("user1", false).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	stored := storedInstance(t, instance.Key)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Empty(t, stored.ActiveJobs())

	// when
	err = bpmnEngine.CreateProcessInstanceModification(instance.Key).
		StartBeforeActivity("user1").
		Execute(t.Context())

	// then
	requireModificationError(t, err, StateError, "Process instance "+keyString(instance.Key)+" is not active")
	assert.False(t, IsRetryable(err))
}

func TestModifyingMissingInstanceIsStateError(t *testing.T) {
	// given
	missing := int64(4242424242)

	// when
	err := bpmnEngine.CreateProcessInstanceModification(missing).
		StartBeforeActivity("user1").
		Execute(t.Context())

	// then
	requireModificationError(t, err, StateError, "Process instance 4242424242 does not exist")
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, bpmnEngine.runningInstances.locked())
}

func TestCancelRootActivityInstanceCompletesInstance(t *testing.T) {
	// given
	definition := deploy(t, "parallel-gateway.bpmn")
	instance := startInstance(t, definition, nil)
	root := activityTree(t, instance.Key).Id

	// when
	err := bpmnEngine.CreateProcessInstanceModification(instance.Key).
		CancelActivityInstance(root).
		Execute(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, storedInstance(t, instance.Key).State)
}

func TestProjectionIsStable(t *testing.T) {
	// given
	definition := deploy(t, "parallel-mi-task.bpmn")
	instance := startInstance(t, definition, nil)

	// when
	first := activityTree(t, instance.Key)
	second := activityTree(t, instance.Key)

	// then
	assert.Empty(t, cmp.Diff(first, second))
}
