package bpmn20

import "github.com/pbinitiative/zenflow/pkg/ptr"

const (
	ElementTypeStartEvent             ElementType = "START_EVENT"
	ElementTypeEndEvent               ElementType = "END_EVENT"
	ElementTypeIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementTypeIntermediateThrowEvent ElementType = "INTERMEDIATE_THROW_EVENT"
	ElementTypeBoundaryEvent          ElementType = "BOUNDARY_EVENT"
)

type TEvent struct {
	TActivity
}

type TStartEvent struct {
	TEvent
	IsInterrupting         *bool                    `xml:"isInterrupting,attr"`
	ParallelMultiple       bool                     `xml:"parallelMultiple,attr"`
	MessageEventDefinition *TMessageEventDefinition `xml:"messageEventDefinition"`
	TimerEventDefinition   *TTimerEventDefinition   `xml:"timerEventDefinition"`
}

func (startEvent TStartEvent) GetType() ElementType {
	return ElementTypeStartEvent
}

// Interrupting defaults to true as the attribute is optional
func (startEvent TStartEvent) Interrupting() bool {
	return ptr.Deref(startEvent.IsInterrupting, true)
}

// IsNoneStartEvent reports whether the start event has no trigger
func (startEvent TStartEvent) IsNoneStartEvent() bool {
	return startEvent.MessageEventDefinition == nil && startEvent.TimerEventDefinition == nil
}

type TEndEvent struct {
	TEvent
	TerminateEventDefinition *TTerminateEventDefinition `xml:"terminateEventDefinition"`
}

func (endEvent TEndEvent) GetType() ElementType { return ElementTypeEndEvent }

type TIntermediateCatchEvent struct {
	TEvent
	MessageEventDefinition *TMessageEventDefinition `xml:"messageEventDefinition"`
	TimerEventDefinition   *TTimerEventDefinition   `xml:"timerEventDefinition"`
	ParallelMultiple       bool                     `xml:"parallelMultiple,attr"`
}

func (intermediateCatchEvent TIntermediateCatchEvent) GetType() ElementType {
	return ElementTypeIntermediateCatchEvent
}

type TIntermediateThrowEvent struct {
	TEvent
}

func (intermediateThrowEvent TIntermediateThrowEvent) GetType() ElementType {
	return ElementTypeIntermediateThrowEvent
}

type TBoundaryEvent struct {
	TEvent
	AttachedToRef          string                   `xml:"attachedToRef,attr"`
	CancelActivity         *bool                    `xml:"cancelActivity,attr"`
	MessageEventDefinition *TMessageEventDefinition `xml:"messageEventDefinition"`
	TimerEventDefinition   *TTimerEventDefinition   `xml:"timerEventDefinition"`
}

func (boundaryEvent TBoundaryEvent) GetType() ElementType {
	return ElementTypeBoundaryEvent
}

// Interrupting defaults to true as the attribute is optional
func (boundaryEvent TBoundaryEvent) Interrupting() bool {
	return ptr.Deref(boundaryEvent.CancelActivity, true)
}

type TMessageEventDefinition struct {
	Id         string `xml:"id,attr"`
	MessageRef string `xml:"messageRef,attr"`
}

type TTimerEventDefinition struct {
	Id           string        `xml:"id,attr"`
	TimeDuration TTimeDuration `xml:"timeDuration"`
}

type TTerminateEventDefinition struct {
	Id string `xml:"id,attr"`
}

type TTimeDuration struct {
	XMLText string `xml:",innerxml"`
}
