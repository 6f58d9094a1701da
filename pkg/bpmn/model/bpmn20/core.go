package bpmn20

import (
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/extensions"
)

type ElementType string

const (
	ElementTypeProcess           ElementType = "PROCESS"
	ElementTypeSequenceFlow      ElementType = "SEQUENCE_FLOW"
	ElementTypeMultiInstanceBody ElementType = "MULTI_INSTANCE_BODY"
)

// All BPMN elements that inherit from the BaseElement will have the capability,
// through the Documentation element, to have one (1) or more text descriptions
// of that element.
type TDocumentation struct {
	// This attribute is used to capture the text descriptions of a
	// BPMN element.
	Text string `xml:",chardata"`

	// This attribute identifies the format of the text. It MUST follow
	// the mime-type format. The default is "text/plain".
	Format string `xml:"textFormat,attr"`
}

type TBaseElement struct {
	// This attribute is used to uniquely identify BPMN elements. The id is
	// REQUIRED if this element is referenced or intended to be referenced by
	// something else.
	Id string `xml:"id,attr"`

	// This attribute is used to annotate the BPMN element, such as descriptions
	// and other documentation.
	Documentation []TDocumentation `xml:"documentation"`
}

func (t TBaseElement) GetId() string {
	return t.Id
}

type BaseElement interface {
	GetId() string
}

type TDefinitions struct {
	TBaseElement
	Process         TProcess   `xml:"process"`
	Messages        []TMessage `xml:"message"`
	Name            string     `xml:"name,attr"`
	TargetNamespace string     `xml:"targetNamespace,attr"`
	Exporter        string     `xml:"exporter,attr"`
	ExporterVersion string     `xml:"exporterVersion,attr"`
}

type TMessage struct {
	Id   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type TCallableElement struct {
	TBaseElement
	Name string `xml:"name,attr"`
}

type FlowElement interface {
	BaseElement
	GetName() string
	GetType() ElementType
}

type TFlowElement struct {
	TBaseElement
	Name string `xml:"name,attr"`
}

func (fe TFlowElement) GetName() string {
	return fe.Name
}

type TSequenceFlow struct {
	TFlowElement
	SourceRef           string                          `xml:"sourceRef,attr"`
	TargetRef           string                          `xml:"targetRef,attr"`
	ConditionExpression []TExpression                   `xml:"conditionExpression"`
	ExecutionListeners  []extensions.TExecutionListener `xml:"extensionElements>executionListeners>executionListener"`
}

func (sf TSequenceFlow) GetType() ElementType {
	return ElementTypeSequenceFlow
}

// GetConditionExpression returns the trimmed condition or an empty string when the flow is unconditional
func (sf TSequenceFlow) GetConditionExpression() string {
	if len(sf.ConditionExpression) == 0 {
		return ""
	}
	return strings.TrimSpace(sf.ConditionExpression[0].Text)
}

type FlowNode interface {
	FlowElement
	GetIncomingAssociation() []string
	GetOutgoingAssociation() []string
	GetExecutionListeners() []extensions.TExecutionListener
	IsAsyncBefore() bool
}

type TFlowNode struct {
	TFlowElement
	IncomingAssociation []string                        `xml:"incoming"`
	OutgoingAssociation []string                        `xml:"outgoing"`
	AsyncBefore         bool                            `xml:"asyncBefore,attr"`
	ExecutionListeners  []extensions.TExecutionListener `xml:"extensionElements>executionListeners>executionListener"`
}

func (fn TFlowNode) GetIncomingAssociation() []string {
	return fn.IncomingAssociation
}

func (fn TFlowNode) GetOutgoingAssociation() []string {
	return fn.OutgoingAssociation
}

func (fn TFlowNode) GetExecutionListeners() []extensions.TExecutionListener {
	return fn.ExecutionListeners
}

func (fn TFlowNode) IsAsyncBefore() bool {
	return fn.AsyncBefore
}

type TExpression struct {
	Text string `xml:",innerxml"`
}
