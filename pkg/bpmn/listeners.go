package bpmn

import (
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model/extensions"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// ExecutionListener is user code notified when an activity starts or ends or a sequence flow is taken.
// Listeners are registered on the engine and referenced from the process by name.
type ExecutionListener interface {
	Notify(execution ListenerExecution) error
}

type ExecutionListenerFunc func(execution ListenerExecution) error

func (f ExecutionListenerFunc) Notify(execution ListenerExecution) error {
	return f(execution)
}

// ListenerExecution is the view of the execution a listener is notified on
type ListenerExecution interface {
	ProcessInstanceKey() int64
	ExecutionKey() int64
	ActivityId() string
	ActivityInstanceId() string
	// TransitionId is only set for take events
	TransitionId() string
	EventName() string
	GetVariable(name string) (any, bool)
	Variables() map[string]any
	SetVariable(name string, value any)
	SetVariableLocal(name string, value any)
}

type listenerExecution struct {
	ic           *instanceContext
	execution    *runtime.Execution
	activityId   string
	transitionId string
	eventName    string
}

func (l listenerExecution) holder() runtime.VariableHolder {
	return runtime.NewVariableHolder(l.ic.tree(), l.execution)
}

func (l listenerExecution) ProcessInstanceKey() int64  { return l.ic.instance.Key }
func (l listenerExecution) ExecutionKey() int64        { return l.execution.Key }
func (l listenerExecution) ActivityId() string         { return l.activityId }
func (l listenerExecution) ActivityInstanceId() string { return l.execution.ActivityInstanceId }
func (l listenerExecution) TransitionId() string       { return l.transitionId }
func (l listenerExecution) EventName() string          { return l.eventName }
func (l listenerExecution) Variables() map[string]any  { return l.holder().Variables() }
func (l listenerExecution) GetVariable(name string) (any, bool) {
	return l.holder().GetVariable(name)
}

func (l listenerExecution) SetVariable(name string, value any) {
	l.holder().SetVariable(name, value)
}

func (l listenerExecution) SetVariableLocal(name string, value any) {
	l.holder().SetLocalVariable(name, value)
}

// scriptBinding exposes the execution to inline JavaScript listeners as the global 'execution'
func (l listenerExecution) scriptBinding() map[string]any {
	return map[string]any{
		"processInstanceKey": l.ProcessInstanceKey(),
		"activityId":         l.activityId,
		"activityInstanceId": l.ActivityInstanceId(),
		"eventName":          l.eventName,
		"getVariable": func(name string) any {
			v, _ := l.GetVariable(name)
			return v
		},
		"setVariable": func(name string, value any) {
			l.SetVariable(name, value)
		},
		"setVariableLocal": func(name string, value any) {
			l.SetVariableLocal(name, value)
		},
	}
}

// notifyListeners runs the declared listeners in document order and stops at the first failure
func (ic *instanceContext) notifyListeners(listeners []extensions.TExecutionListener, execution listenerExecution, elementId string) error {
	if ic.batch.skipCustomListeners {
		return nil
	}
	for _, declared := range listeners {
		var err error
		if declared.IsScript() {
			_, err = ic.engine.jsRuntime.RunScript(declared.Script, map[string]any{"execution": execution.scriptBinding()})
		} else {
			listener, ok := ic.engine.listeners[declared.Type]
			if !ok {
				err = fmt.Errorf("no listener registered as '%s'", declared.Type)
			} else {
				err = listener.Notify(execution)
			}
		}
		if err != nil {
			name := declared.Type
			if declared.IsScript() {
				name = "script"
			}
			return &ModificationError{
				Kind: ListenerError,
				Msg:  fmt.Sprintf("Listener '%s' failed on %s of '%s'", name, execution.eventName, elementId),
				Err:  err,
			}
		}
	}
	return nil
}

func (ic *instanceContext) notifyActivity(e *runtime.Execution, act *bpmn20.Activity, eventName string) error {
	return ic.notifyListeners(act.ListenersFor(eventName), listenerExecution{
		ic:         ic,
		execution:  e,
		activityId: act.Id,
		eventName:  eventName,
	}, act.Id)
}

func (ic *instanceContext) notifyTake(e *runtime.Execution, flow *bpmn20.SequenceFlow) error {
	return ic.notifyListeners(flow.ListenersFor(extensions.ListenerEventTake), listenerExecution{
		ic:           ic,
		execution:    e,
		activityId:   flow.Source.Id,
		transitionId: flow.Id,
		eventName:    extensions.ListenerEventTake,
	}, flow.Id)
}
