package bpmn20

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/extensions"
)

// MultiInstanceBodySuffix is appended to the id of a multi instance activity to name its synthesized body
const MultiInstanceBodySuffix = "#multiInstanceBody"

// StartBehavior decides how an activity attaches to the execution of its flow scope when it is instantiated.
type StartBehavior int

const (
	// StartBehaviorDefault uses the flow scope execution directly or adds a concurrent branch when it is occupied
	StartBehaviorDefault StartBehavior = iota
	// StartBehaviorConcurrent always adds a branch next to existing children (non-interrupting handlers)
	StartBehaviorConcurrent
	// StartBehaviorCancelEventScope cancels the activity an interrupting boundary event is attached to
	StartBehaviorCancelEventScope
	// StartBehaviorInterruptEventScope cancels every child of the event scope (interrupting event sub process)
	StartBehaviorInterruptEventScope
)

func (s StartBehavior) String() string {
	switch s {
	case StartBehaviorConcurrent:
		return "concurrent"
	case StartBehaviorCancelEventScope:
		return "cancelEventScope"
	case StartBehaviorInterruptEventScope:
		return "interruptEventScope"
	}
	return "default"
}

// Activity is a compiled flow node. FlowScope links it to the enclosing scope activity,
// the process itself is the root and has no FlowScope.
type Activity struct {
	Id      string
	Name    string
	Type    ElementType
	Element FlowNode // nil for the process and for synthesized multi instance bodies

	FlowScope       *Activity
	EventScope      *Activity
	Children        []*Activity
	IsScope         bool
	InitialActivity *Activity
	StartBehavior   StartBehavior
	AsyncBefore     bool

	Incoming    []*SequenceFlow
	Outgoing    []*SequenceFlow
	DefaultFlow *SequenceFlow

	AttachedTo     *Activity
	BoundaryEvents []*Activity
	Interrupting   bool
	NoneStart      bool
	Terminate      bool

	MultiInstance *MultiInstance
	InnerActivity *Activity // set on multi instance bodies
	Body          *Activity // set on multi instance inner activities

	InputMappings  []extensions.TIoMapping
	OutputMappings []extensions.TIoMapping
	Listeners      []extensions.TExecutionListener

	TaskType                   string
	Assignee                   string
	CandidateGroups            []string
	Script                     string
	ResultVariable             string
	CalledProcessId            string
	PropagateAllChildVariables bool
}

type MultiInstance struct {
	Sequential          bool
	LoopCardinality     string
	CompletionCondition string
	InputCollection     string
	InputElement        string
	OutputCollection    string
	OutputElement       string
}

type SequenceFlow struct {
	Id                  string
	Name                string
	Source              *Activity
	Target              *Activity
	ConditionExpression string
	Listeners           []extensions.TExecutionListener
}

func (a *Activity) IsProcess() bool {
	return a.Type == ElementTypeProcess
}

func (a *Activity) IsMultiInstanceBody() bool {
	return a.Type == ElementTypeMultiInstanceBody
}

func (a *Activity) IsParallelMultiInstanceBody() bool {
	return a.IsMultiInstanceBody() && !a.MultiInstance.Sequential
}

func (a *Activity) IsSequentialMultiInstanceBody() bool {
	return a.IsMultiInstanceBody() && a.MultiInstance.Sequential
}

// IsAncestorOf reports whether a is a (transitive) flow scope of other
func (a *Activity) IsAncestorOf(other *Activity) bool {
	for s := other.FlowScope; s != nil; s = s.FlowScope {
		if s == a {
			return true
		}
	}
	return false
}

// IsWaitState reports whether a token stops at the activity until an external trigger arrives
func (a *Activity) IsWaitState() bool {
	switch a.Type {
	case ElementTypeUserTask, ElementTypeServiceTask, ElementTypeSendTask, ElementTypeReceiveTask,
		ElementTypeBusinessRuleTask, ElementTypeIntermediateCatchEvent:
		return true
	}
	return false
}

func (a *Activity) ListenersFor(eventType string) []extensions.TExecutionListener {
	var res []extensions.TExecutionListener
	for _, l := range a.Listeners {
		if l.EventType == eventType {
			res = append(res, l)
		}
	}
	return res
}

func (f *SequenceFlow) ListenersFor(eventType string) []extensions.TExecutionListener {
	var res []extensions.TExecutionListener
	for _, l := range f.Listeners {
		if l.EventType == eventType {
			res = append(res, l)
		}
	}
	return res
}

// ProcessGraph is the read-only, compiled view of one BPMN process used at runtime.
type ProcessGraph struct {
	ProcessId  string
	Name       string
	Root       *Activity
	activities map[string]*Activity
	flows      map[string]*SequenceFlow
}

// Activity finds a flow node (or multi instance body) by id, the process root is not included
func (g *ProcessGraph) Activity(id string) (*Activity, bool) {
	a, ok := g.activities[id]
	return a, ok
}

func (g *ProcessGraph) SequenceFlow(id string) (*SequenceFlow, bool) {
	f, ok := g.flows[id]
	return f, ok
}

// Activities returns all activities ordered by id
func (g *ProcessGraph) Activities() []*Activity {
	res := make([]*Activity, 0, len(g.activities))
	for _, a := range g.activities {
		res = append(res, a)
	}
	slices.SortFunc(res, func(a, b *Activity) int { return strings.Compare(a.Id, b.Id) })
	return res
}

// ActivityOrRoot resolves the process id to the root activity as well
func (g *ProcessGraph) ActivityOrRoot(id string) (*Activity, bool) {
	if id == g.Root.Id {
		return g.Root, true
	}
	return g.Activity(id)
}

type pendingFlow struct {
	flow *TSequenceFlow
}

type pendingBoundary struct {
	activity *Activity
	element  *TBoundaryEvent
}

type graphBuilder struct {
	graph      *ProcessGraph
	flows      []pendingFlow
	boundaries []pendingBoundary
	defaults   map[*Activity]string
}

// BuildProcessGraph compiles parsed definitions into a ProcessGraph
func BuildProcessGraph(definitions *TDefinitions) (*ProcessGraph, error) {
	process := &definitions.Process
	if process.Id == "" {
		return nil, fmt.Errorf("process id is missing")
	}
	g := &ProcessGraph{
		ProcessId:  process.Id,
		Name:       process.Name,
		activities: map[string]*Activity{},
		flows:      map[string]*SequenceFlow{},
	}
	g.Root = &Activity{
		Id:      process.Id,
		Name:    process.Name,
		Type:    ElementTypeProcess,
		IsScope: true,
	}
	b := graphBuilder{graph: g, defaults: map[*Activity]string{}}
	if err := b.addContainer(g.Root, &process.TFlowElementsContainer); err != nil {
		return nil, err
	}
	if err := b.attachBoundaryEvents(); err != nil {
		return nil, err
	}
	if err := b.connectFlows(); err != nil {
		return nil, err
	}
	b.resolveInitialActivities(g.Root)
	return g, nil
}

func (b *graphBuilder) addContainer(scope *Activity, container *TFlowElementsContainer) error {
	for _, node := range container.FlowNodes() {
		act, err := b.newActivity(node)
		if err != nil {
			return err
		}
		if err := b.register(act); err != nil {
			return err
		}
		flowScope := scope
		if mi := multiInstanceOf(node); mi != nil {
			body := &Activity{
				Id:              act.Id + MultiInstanceBodySuffix,
				Name:            act.Name,
				Type:            ElementTypeMultiInstanceBody,
				FlowScope:       scope,
				IsScope:         true,
				AsyncBefore:     act.AsyncBefore,
				InnerActivity:   act,
				InitialActivity: act,
				MultiInstance: &MultiInstance{
					Sequential:          mi.IsSequential,
					LoopCardinality:     mi.GetLoopCardinality(),
					CompletionCondition: mi.GetCompletionCondition(),
					InputCollection:     mi.Extension.InputCollection,
					InputElement:        mi.Extension.InputElement,
					OutputCollection:    mi.Extension.OutputCollection,
					OutputElement:       mi.Extension.OutputElement,
				},
			}
			if err := b.register(body); err != nil {
				return err
			}
			scope.Children = append(scope.Children, body)
			act.AsyncBefore = false
			act.Body = body
			act.IsScope = true
			flowScope = body
		}
		act.FlowScope = flowScope
		flowScope.Children = append(flowScope.Children, act)

		switch el := node.(type) {
		case *TSubProcess:
			act.IsScope = true
			if err := b.addContainer(act, &el.TFlowElementsContainer); err != nil {
				return err
			}
		case *TBoundaryEvent:
			b.boundaries = append(b.boundaries, pendingBoundary{activity: act, element: el})
		}
	}
	for i := range container.SequenceFlows {
		b.flows = append(b.flows, pendingFlow{flow: &container.SequenceFlows[i]})
	}
	return nil
}

func (b *graphBuilder) register(act *Activity) error {
	if _, exists := b.graph.activities[act.Id]; exists || act.Id == b.graph.Root.Id {
		return fmt.Errorf("duplicate element id '%s'", act.Id)
	}
	b.graph.activities[act.Id] = act
	return nil
}

func multiInstanceOf(node FlowNode) *TMultiInstanceLoopCharacteristics {
	switch node.GetType() {
	case ElementTypeStartEvent, ElementTypeEndEvent, ElementTypeBoundaryEvent, ElementTypeIntermediateThrowEvent,
		ElementTypeIntermediateCatchEvent, ElementTypeEventSubProcess:
		return nil
	}
	if el, ok := node.(ActivityElement); ok {
		return el.GetMultiInstance()
	}
	return nil
}

func (b *graphBuilder) newActivity(node FlowNode) (*Activity, error) {
	if node.GetId() == "" {
		return nil, fmt.Errorf("flow node of type %s has no id", node.GetType())
	}
	act := &Activity{
		Id:          node.GetId(),
		Name:        node.GetName(),
		Type:        node.GetType(),
		Element:     node,
		AsyncBefore: node.IsAsyncBefore(),
		Listeners:   node.GetExecutionListeners(),
	}
	if el, ok := node.(ActivityElement); ok {
		act.InputMappings = el.GetInputMapping()
		act.OutputMappings = el.GetOutputMapping()
		if len(act.InputMappings) > 0 || len(act.OutputMappings) > 0 {
			act.IsScope = true
		}
	}
	switch el := node.(type) {
	case *TStartEvent:
		act.NoneStart = el.IsNoneStartEvent()
		act.Interrupting = el.Interrupting()
	case *TEndEvent:
		act.Terminate = el.TerminateEventDefinition != nil
	case *TServiceTask:
		act.TaskType = el.GetTaskType()
	case *TBusinessRuleTask:
		act.TaskType = el.GetTaskType()
	case *TSendTask:
		act.TaskType = el.GetTaskType()
	case *TUserTask:
		act.TaskType = el.GetTaskType()
		act.Assignee = el.GetAssignmentAssignee()
		act.CandidateGroups = el.GetAssignmentCandidateGroups()
	case *TScriptTask:
		if el.ScriptFormat != "" && !strings.EqualFold(el.ScriptFormat, "javascript") {
			return nil, fmt.Errorf("script task '%s' uses unsupported script format '%s'", el.Id, el.ScriptFormat)
		}
		act.Script = strings.TrimSpace(el.Script.Text)
		act.ResultVariable = el.ResultVariable
	case *TCallActivity:
		if el.CalledElement.ProcessId == "" {
			return nil, fmt.Errorf("call activity '%s' has no called process id", el.Id)
		}
		act.CalledProcessId = el.CalledElement.ProcessId
		act.PropagateAllChildVariables = el.CalledElement.PropagatesAllChildVariables()
	case *TExclusiveGateway:
		if el.DefaultFlowId != "" {
			b.defaults[act] = el.DefaultFlowId
		}
	}
	return act, nil
}

func (b *graphBuilder) attachBoundaryEvents() error {
	for _, pb := range b.boundaries {
		attached, ok := b.graph.activities[pb.element.AttachedToRef]
		if !ok || attached.IsMultiInstanceBody() {
			return fmt.Errorf("boundary event '%s' is attached to unknown activity '%s'", pb.activity.Id, pb.element.AttachedToRef)
		}
		eventScope := attached
		if attached.Body != nil {
			eventScope = attached.Body
		}
		if eventScope.FlowScope != pb.activity.FlowScope {
			return fmt.Errorf("boundary event '%s' must be declared in the same scope as activity '%s'", pb.activity.Id, attached.Id)
		}
		attached.IsScope = true
		eventScope.BoundaryEvents = append(eventScope.BoundaryEvents, pb.activity)
		pb.activity.AttachedTo = attached
		pb.activity.EventScope = eventScope
		pb.activity.Interrupting = pb.element.Interrupting()
		if pb.activity.Interrupting {
			pb.activity.StartBehavior = StartBehaviorCancelEventScope
		} else {
			pb.activity.StartBehavior = StartBehaviorConcurrent
		}
	}
	return nil
}

func (b *graphBuilder) connectFlows() error {
	for _, pf := range b.flows {
		f := pf.flow
		if f.Id == "" {
			return fmt.Errorf("sequence flow from '%s' to '%s' has no id", f.SourceRef, f.TargetRef)
		}
		if _, exists := b.graph.flows[f.Id]; exists {
			return fmt.Errorf("duplicate element id '%s'", f.Id)
		}
		source, ok := b.graph.activities[f.SourceRef]
		if !ok {
			return fmt.Errorf("sequence flow '%s' references unknown source '%s'", f.Id, f.SourceRef)
		}
		target, ok := b.graph.activities[f.TargetRef]
		if !ok {
			return fmt.Errorf("sequence flow '%s' references unknown target '%s'", f.Id, f.TargetRef)
		}
		// flows of a multi instance activity belong to its body
		if source.Body != nil {
			source = source.Body
		}
		if target.Body != nil {
			target = target.Body
		}
		flow := &SequenceFlow{
			Id:                  f.Id,
			Name:                f.Name,
			Source:              source,
			Target:              target,
			ConditionExpression: f.GetConditionExpression(),
			Listeners:           f.ExecutionListeners,
		}
		source.Outgoing = append(source.Outgoing, flow)
		target.Incoming = append(target.Incoming, flow)
		b.graph.flows[f.Id] = flow
	}
	for act, flowId := range b.defaults {
		flow, ok := b.graph.flows[flowId]
		if !ok || flow.Source != act {
			return fmt.Errorf("default flow '%s' of '%s' is not an outgoing flow", flowId, act.Id)
		}
		act.DefaultFlow = flow
	}
	return nil
}

func (b *graphBuilder) resolveInitialActivities(scope *Activity) {
	for _, child := range scope.Children {
		if child.Type == ElementTypeStartEvent && scope.InitialActivity == nil {
			if child.NoneStart || scope.Type == ElementTypeEventSubProcess {
				scope.InitialActivity = child
			}
		}
		if child.Type == ElementTypeEventSubProcess {
			child.EventScope = scope
			child.StartBehavior = StartBehaviorConcurrent
			for _, start := range child.Children {
				if start.Type == ElementTypeStartEvent && start.Interrupting {
					child.StartBehavior = StartBehaviorInterruptEventScope
				}
			}
		}
		if child.IsScope {
			b.resolveInitialActivities(child)
		}
	}
}
