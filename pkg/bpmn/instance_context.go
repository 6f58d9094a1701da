package bpmn

import (
	"context"
	"fmt"
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model/extensions"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// command is one step of the engine work queue of an instance
type command interface {
	isCommand()
}

type enterActivityCommand struct {
	executionKey int64
}

type leaveActivityCommand struct {
	executionKey int64
}

type takeFlowCommand struct {
	executionKey int64
	flow         *bpmn20.SequenceFlow
}

// callActivityCompletedCommand continues the call activity after the called instance completed
type callActivityCompletedCommand struct {
	executionKey int64
	variables    map[string]any
}

func (enterActivityCommand) isCommand()         {}
func (leaveActivityCommand) isCommand()         {}
func (takeFlowCommand) isCommand()              {}
func (callActivityCompletedCommand) isCommand() {}

// instanceContext is the working copy of one process instance inside an EngineBatch
type instanceContext struct {
	engine   *Engine
	batch    *EngineBatch
	instance *runtime.ProcessInstance
	graph    *bpmn20.ProcessGraph

	queue   []command
	running bool
	// deferRootCompletion keeps an emptied root alive until the running command decides
	deferRootCompletion bool

	startActivityId  string
	initialVariables map[string]any
	deleteReason     string
}

func newInstanceContext(b *EngineBatch, instance *runtime.ProcessInstance, graph *bpmn20.ProcessGraph) *instanceContext {
	return &instanceContext{
		engine:   b.engine,
		batch:    b,
		instance: instance,
		graph:    graph,
	}
}

func (ic *instanceContext) tree() *runtime.ExecutionTree {
	return ic.instance.Tree
}

func (ic *instanceContext) newKey() int64 {
	return ic.engine.generateKey()
}

func (ic *instanceContext) mustActivity(id string) *bpmn20.Activity {
	act, ok := ic.graph.Activity(id)
	if !ok {
		panic(fmt.Sprintf("[invariant check] activity %s is not part of process %s", id, ic.graph.ProcessId))
	}
	return act
}

// activityOf returns the activity e is at, the process for the root
func (ic *instanceContext) activityOf(e *runtime.Execution) *bpmn20.Activity {
	if e.Key == ic.tree().RootKey {
		return ic.graph.Root
	}
	return ic.mustActivity(e.ActivityId)
}

func (ic *instanceContext) enqueue(cmd command) {
	ic.queue = append(ic.queue, cmd)
}

// drain runs queued commands until the instance reaches wait states. Calls while the queue is already
// being drained return immediately, the outer loop picks up the new commands.
func (ic *instanceContext) drain(ctx context.Context) error {
	if ic.running {
		return nil
	}
	ic.running = true
	defer func() {
		ic.running = false
	}()
	for len(ic.queue) > 0 {
		cmd := ic.queue[0]
		ic.queue = ic.queue[1:]
		if err := ic.execute(ctx, cmd); err != nil {
			ic.queue = nil
			return err
		}
	}
	return nil
}

func (ic *instanceContext) execute(ctx context.Context, cmd command) error {
	switch c := cmd.(type) {
	case enterActivityCommand:
		e, ok := ic.tree().Get(c.executionKey)
		if !ok {
			return nil
		}
		return ic.enterActivity(ctx, e, ic.mustActivity(e.ActivityId))
	case leaveActivityCommand:
		e, ok := ic.tree().Get(c.executionKey)
		if !ok {
			return nil
		}
		return ic.leaveActivity(ctx, e, ic.activityOf(e))
	case takeFlowCommand:
		e, ok := ic.tree().Get(c.executionKey)
		if !ok {
			return nil
		}
		return ic.takeFlow(ctx, e, c.flow)
	case callActivityCompletedCommand:
		e, ok := ic.tree().Get(c.executionKey)
		if !ok {
			return nil
		}
		return ic.callActivityCompleted(e, c.variables)
	default:
		panic(fmt.Sprintf("[invariant check] unsupported command %T", cmd))
	}
}

func (ic *instanceContext) userCodeError(act *bpmn20.Activity, what string, err error) error {
	return &ModificationError{
		Kind: ListenerError,
		Msg:  fmt.Sprintf("Failed to evaluate %s of '%s'", what, act.Id),
		Err:  err,
	}
}

func (ic *instanceContext) enterActivity(ctx context.Context, e *runtime.Execution, act *bpmn20.Activity) error {
	if err := ic.startScope(e, act); err != nil {
		return err
	}
	return ic.executeBehavior(ctx, e, act)
}

// startScope gives e its activity instance, applies input mappings and runs start listeners.
// The activity behavior is not executed.
func (ic *instanceContext) startScope(e *runtime.Execution, act *bpmn20.Activity) error {
	e.ActivityId = act.Id
	e.ActivityInstanceId = runtime.ActivityInstanceIdFor(act.Id, e.Key)
	e.IsActive = true
	if len(act.InputMappings) > 0 && !ic.batch.skipIoMappings {
		vh := runtime.NewVariableHolder(ic.tree(), e)
		if err := vh.EvaluateAndSetMappingsToLocalVariables(act.InputMappings, ic.engine.evaluateExpression); err != nil {
			return ic.userCodeError(act, "input mapping", err)
		}
	}
	return ic.notifyActivity(e, act, extensions.ListenerEventStart)
}

func (ic *instanceContext) executeBehavior(ctx context.Context, e *runtime.Execution, act *bpmn20.Activity) error {
	if act.IsMultiInstanceBody() {
		return ic.startMultiInstance(e, act)
	}
	switch act.Type {
	case bpmn20.ElementTypeSubProcess, bpmn20.ElementTypeEventSubProcess:
		if act.InitialActivity == nil {
			return newEngineErrorf("sub process %s has no start event", act.Id)
		}
		n := ic.tree().NewExecution(e, ic.newKey())
		return ic.arriveAt(n, act.InitialActivity, true)
	case bpmn20.ElementTypeCallActivity:
		return ic.startCalledInstance(ctx, e, act)
	case bpmn20.ElementTypeScriptTask:
		return ic.runScriptTask(e, act)
	}
	if act.IsWaitState() {
		ic.createJob(e, act, runtime.JobTypeTask)
		return nil
	}
	ic.enqueue(leaveActivityCommand{executionKey: e.Key})
	return nil
}

func (ic *instanceContext) runScriptTask(e *runtime.Execution, act *bpmn20.Activity) error {
	vh := runtime.NewVariableHolder(ic.tree(), e)
	res, err := ic.engine.jsRuntime.RunScript(act.Script, vh.Variables())
	if err != nil {
		return ic.userCodeError(act, "script", err)
	}
	if act.ResultVariable != "" {
		vh.SetVariable(act.ResultVariable, res)
	}
	ic.enqueue(leaveActivityCommand{executionKey: e.Key})
	return nil
}

func (ic *instanceContext) leaveActivity(ctx context.Context, e *runtime.Execution, act *bpmn20.Activity) error {
	if len(act.OutputMappings) > 0 && !ic.batch.skipIoMappings {
		vh := runtime.NewVariableHolder(ic.tree(), e)
		if _, err := vh.PropagateOutputVariablesToParent(act.OutputMappings, ic.engine.evaluateExpression); err != nil {
			return ic.userCodeError(act, "output mapping", err)
		}
	}
	if act.IsMultiInstanceBody() && act.MultiInstance.OutputCollection != "" {
		out := act.MultiInstance.OutputCollection
		if parent, ok := runtime.NewVariableHolder(ic.tree(), e).Parent(); ok {
			parent.SetVariable(out, e.Variables[out])
		}
	}
	if err := ic.notifyActivity(e, act, extensions.ListenerEventEnd); err != nil {
		return err
	}
	if act.Body != nil {
		return ic.completeIteration(ctx, e, act)
	}
	flows, err := ic.selectOutgoing(e, act)
	if err != nil {
		return err
	}
	if act.Type == bpmn20.ElementTypeEndEvent || len(flows) == 0 {
		return ic.endBranch(ctx, e, act)
	}
	branch := ic.releaseScope(e)
	ic.fork(branch, flows)
	return nil
}

func (ic *instanceContext) takeFlow(ctx context.Context, e *runtime.Execution, flow *bpmn20.SequenceFlow) error {
	if err := ic.notifyTake(e, flow); err != nil {
		return err
	}
	return ic.arriveAt(e, flow.Target, true)
}

// arriveAt moves the plain execution n onto act. Asynchronous activities stop as a transition instance,
// joining gateways wait for all incoming branches.
func (ic *instanceContext) arriveAt(n *runtime.Execution, act *bpmn20.Activity, honorAsync bool) error {
	if honorAsync && act.AsyncBefore {
		n.ActivityId = act.Id
		n.ActivityInstanceId = ""
		n.IsActive = true
		ic.createJob(n, act, runtime.JobTypeAsyncContinuation)
		return nil
	}
	if act.Type == bpmn20.ElementTypeParallelGateway && len(act.Incoming) > 1 {
		if !ic.join(n, act) {
			return nil
		}
	}
	e := ic.materialize(n, act)
	ic.enqueue(enterActivityCommand{executionKey: e.Key})
	return nil
}

// materialize turns the plain execution n into the execution of act. A scope activity on a concurrent
// branch gets its scope execution below n, n stays as the concurrent group.
func (ic *instanceContext) materialize(n *runtime.Execution, act *bpmn20.Activity) *runtime.Execution {
	if !act.IsScope {
		n.ActivityId = act.Id
		n.IsActive = true
		return n
	}
	if n.IsConcurrent {
		n.ActivityId = ""
		n.IsActive = true
		s := ic.tree().NewExecution(n, ic.newKey())
		s.ActivityId = act.Id
		s.IsScope = true
		s.Variables = map[string]any{}
		return s
	}
	n.ActivityId = act.Id
	n.IsScope = true
	n.IsActive = true
	if n.Variables == nil {
		n.Variables = map[string]any{}
	}
	return n
}

// join parks n at the gateway and reports whether all incoming branches arrived. The arrived siblings are
// consumed and n continues alone.
func (ic *instanceContext) join(n *runtime.Execution, act *bpmn20.Activity) bool {
	tree := ic.tree()
	n.ActivityId = act.Id
	n.ActivityInstanceId = ""
	n.IsActive = false
	scope := tree.Parent(n)
	var others []*runtime.Execution
	for _, c := range tree.ChildrenOf(scope) {
		if c.Key != n.Key && c.ActivityId == act.Id && c.IsJoinWaiting() {
			others = append(others, c)
		}
	}
	if len(others)+1 < len(act.Incoming) {
		return false
	}
	for _, w := range others[:len(act.Incoming)-1] {
		tree.Remove(w)
	}
	n.IsActive = true
	tree.Collapse(scope)
	return true
}

// releaseScope ends the activity instance of e and returns the plain execution that continues on the same
// branch. Local variables of e end with it.
func (ic *instanceContext) releaseScope(e *runtime.Execution) *runtime.Execution {
	tree := ic.tree()
	parent := tree.Parent(e)
	if e.IsScope && parent.IsConcurrentGroup() {
		tree.Remove(e)
		return parent
	}
	return tree.Replace(e, ic.newKey())
}

// fork sends branch along the first flow and new concurrent siblings along the others
func (ic *instanceContext) fork(branch *runtime.Execution, flows []*bpmn20.SequenceFlow) {
	if len(flows) == 1 {
		ic.enqueue(takeFlowCommand{executionKey: branch.Key, flow: flows[0]})
		return
	}
	tree := ic.tree()
	scope := tree.Parent(branch)
	keys := []int64{branch.Key}
	for range flows[1:] {
		concurrent := tree.PrepareBranch(scope, false, ic.newKey)
		n := tree.NewExecution(scope, ic.newKey())
		n.IsConcurrent = concurrent
		keys = append(keys, n.Key)
	}
	for i, flow := range flows {
		ic.enqueue(takeFlowCommand{executionKey: keys[i], flow: flow})
	}
}

// endBranch removes the branch of e from its flow scope. A terminate end event cancels the other branches
// of the scope first.
func (ic *instanceContext) endBranch(ctx context.Context, e *runtime.Execution, act *bpmn20.Activity) error {
	tree := ic.tree()
	scope := tree.ParentScopeExecution(e)
	branch := tree.BranchOf(scope, e)
	if act.Terminate {
		for _, child := range tree.ChildrenOf(scope) {
			if child.Key == branch.Key {
				continue
			}
			if err := ic.cancelSubtree(ctx, child, true, true); err != nil {
				return err
			}
			tree.Remove(child)
		}
	}
	tree.Remove(branch)
	return ic.scopeChildEnded(ctx, scope)
}

// scopeChildEnded completes scope once its last branch ended
func (ic *instanceContext) scopeChildEnded(ctx context.Context, scope *runtime.Execution) error {
	tree := ic.tree()
	if len(scope.Children) > 0 {
		tree.Collapse(scope)
		return nil
	}
	if scope.Key == tree.RootKey {
		if ic.deferRootCompletion {
			return nil
		}
		return ic.completeInstance(ctx, runtime.ActivityStateCompleted)
	}
	ic.enqueue(leaveActivityCommand{executionKey: scope.Key})
	return nil
}

// completeInstance ends the instance. A completed instance started by a call activity continues its caller.
func (ic *instanceContext) completeInstance(ctx context.Context, state runtime.ActivityState) error {
	inst := ic.instance
	inst.State = state
	inst.EndedAt = ic.engine.clock.Now()
	for _, job := range inst.ActiveJobs() {
		job.State = runtime.ActivityStateTerminated
		inst.UpdateJob(job)
	}
	processId := ic.graph.ProcessId
	ic.batch.AddPostFlushAction(func() {
		attrs := metric.WithAttributes(
			attribute.String(otelPkg.AttributeProcessId, processId),
			attribute.String("state", string(state)),
		)
		ic.engine.metrics.ProcessesEnded.Add(ctx, 1, attrs)
		ic.engine.metrics.ProcessesRunning.Add(ctx, -1, metric.WithAttributes(attribute.String(otelPkg.AttributeProcessId, processId)))
	})
	ic.engine.logger.Debug("process instance ended", "processInstanceKey", inst.Key, "state", state)

	if state != runtime.ActivityStateCompleted || inst.ParentProcessInstanceKey == 0 {
		return nil
	}
	parent, err := ic.batch.loadInstance(ctx, inst.ParentProcessInstanceKey)
	if err != nil {
		return err
	}
	parent.enqueue(callActivityCompletedCommand{
		executionKey: inst.ParentExecutionKey,
		variables:    maps.Clone(inst.Tree.Root().Variables),
	})
	return parent.drain(ctx)
}
