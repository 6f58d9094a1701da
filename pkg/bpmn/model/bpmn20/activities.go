package bpmn20

import (
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/extensions"
)

const (
	ElementTypeTask             ElementType = "TASK"
	ElementTypeManualTask       ElementType = "MANUAL_TASK"
	ElementTypeServiceTask      ElementType = "SERVICE_TASK"
	ElementTypeUserTask         ElementType = "USER_TASK"
	ElementTypeSendTask         ElementType = "SEND_TASK"
	ElementTypeReceiveTask      ElementType = "RECEIVE_TASK"
	ElementTypeBusinessRuleTask ElementType = "BUSINESS_RULE_TASK"
	ElementTypeScriptTask       ElementType = "SCRIPT_TASK"
	ElementTypeSubProcess       ElementType = "SUB_PROCESS"
	ElementTypeEventSubProcess  ElementType = "EVENT_SUB_PROCESS"
	ElementTypeCallActivity     ElementType = "CALL_ACTIVITY"
)

// ActivityElement is implemented by every flow node that can carry io mappings and loop characteristics.
type ActivityElement interface {
	FlowNode
	GetInputMapping() []extensions.TIoMapping
	GetOutputMapping() []extensions.TIoMapping
	GetMultiInstance() *TMultiInstanceLoopCharacteristics
}

type TActivity struct {
	TFlowNode
	CompletionQuantity int  `xml:"completionQuantity,attr"`
	IsForCompensation  bool `xml:"isForCompensation,attr"`
	StartQuantity      int  `xml:"startQuantity,attr" default:"1"`
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	Input         []extensions.TIoMapping            `xml:"extensionElements>ioMapping>input"`
	Output        []extensions.TIoMapping            `xml:"extensionElements>ioMapping>output"`
	MultiInstance *TMultiInstanceLoopCharacteristics `xml:"multiInstanceLoopCharacteristics"`
}

func (a TActivity) GetInputMapping() []extensions.TIoMapping  { return a.Input }
func (a TActivity) GetOutputMapping() []extensions.TIoMapping { return a.Output }
func (a TActivity) GetMultiInstance() *TMultiInstanceLoopCharacteristics {
	return a.MultiInstance
}

type TMultiInstanceLoopCharacteristics struct {
	IsSequential        bool                            `xml:"isSequential,attr"`
	LoopCardinality     *TExpression                    `xml:"loopCardinality"`
	CompletionCondition *TExpression                    `xml:"completionCondition"`
	Extension           extensions.TLoopCharacteristics `xml:"extensionElements>loopCharacteristics"`
}

func (mi TMultiInstanceLoopCharacteristics) GetLoopCardinality() string {
	if mi.LoopCardinality == nil {
		return ""
	}
	return strings.TrimSpace(mi.LoopCardinality.Text)
}

func (mi TMultiInstanceLoopCharacteristics) GetCompletionCondition() string {
	if mi.CompletionCondition == nil {
		return ""
	}
	return strings.TrimSpace(mi.CompletionCondition.Text)
}

type TTask struct {
	TActivity
}

func (task TTask) GetType() ElementType { return ElementTypeTask }

type TManualTask struct {
	TActivity
}

func (task TManualTask) GetType() ElementType { return ElementTypeManualTask }

// TExternallyProcessedTask is to be processed by external Job workers. Is not part of original BPMN Implementation
// BPMN 2.0 Unorthodox.
type TExternallyProcessedTask struct {
	TActivity
	TaskDefinition extensions.TTaskDefinition `xml:"extensionElements>taskDefinition"`
}

func (task TExternallyProcessedTask) GetTaskType() string {
	return task.TaskDefinition.TypeName
}

type TServiceTask struct {
	TExternallyProcessedTask
	Implementation string `xml:"implementation,attr"`
}

func (serviceTask TServiceTask) GetType() ElementType { return ElementTypeServiceTask }

type TBusinessRuleTask struct {
	TExternallyProcessedTask
	Implementation string `xml:"implementation,attr"`
}

func (businessRuleTask TBusinessRuleTask) GetType() ElementType {
	return ElementTypeBusinessRuleTask
}

type TSendTask struct {
	TExternallyProcessedTask
	Implementation string `xml:"implementation,attr"`
}

func (sendTask TSendTask) GetType() ElementType { return ElementTypeSendTask }

type TReceiveTask struct {
	TActivity
	MessageRef string `xml:"messageRef,attr"`
}

func (receiveTask TReceiveTask) GetType() ElementType { return ElementTypeReceiveTask }

type TUserTask struct {
	TActivity
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	AssignmentDefinition extensions.TAssignmentDefinition `xml:"extensionElements>assignmentDefinition"`
}

func (userTask TUserTask) GetType() ElementType { return ElementTypeUserTask }

func (userTask TUserTask) GetTaskType() string { return "user-task-type" }

func (userTask TUserTask) GetAssignmentAssignee() string {
	return userTask.AssignmentDefinition.Assignee
}

func (userTask TUserTask) GetAssignmentCandidateGroups() []string {
	return userTask.AssignmentDefinition.GetCandidateGroups()
}

type TScript struct {
	Text string `xml:",chardata"`
}

// TScriptTask runs inline JavaScript; the completion value is stored in ResultVariable when set.
type TScriptTask struct {
	TActivity
	ScriptFormat   string  `xml:"scriptFormat,attr"`
	ResultVariable string  `xml:"resultVariable,attr"`
	Script         TScript `xml:"script"`
}

func (scriptTask TScriptTask) GetType() ElementType { return ElementTypeScriptTask }

type TSubProcess struct {
	TActivity
	TFlowElementsContainer
	TriggeredByEvent bool `xml:"triggeredByEvent,attr"`
}

func (subProcess TSubProcess) GetType() ElementType {
	if subProcess.TriggeredByEvent {
		return ElementTypeEventSubProcess
	}
	return ElementTypeSubProcess
}

type TCallActivity struct {
	TActivity
	CalledElement extensions.TCalledElement `xml:"extensionElements>calledElement"`
}

func (callActivity TCallActivity) GetType() ElementType { return ElementTypeCallActivity }
