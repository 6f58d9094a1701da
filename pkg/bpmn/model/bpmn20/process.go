package bpmn20

type TFlowElementsContainer struct {
	StartEvents             []TStartEvent             `xml:"startEvent"`
	EndEvents               []TEndEvent               `xml:"endEvent"`
	IntermediateCatchEvents []TIntermediateCatchEvent `xml:"intermediateCatchEvent"`
	IntermediateThrowEvents []TIntermediateThrowEvent `xml:"intermediateThrowEvent"`
	BoundaryEvents          []TBoundaryEvent          `xml:"boundaryEvent"`
	Tasks                   []TTask                   `xml:"task"`
	ManualTasks             []TManualTask             `xml:"manualTask"`
	ServiceTasks            []TServiceTask            `xml:"serviceTask"`
	UserTasks               []TUserTask               `xml:"userTask"`
	BusinessRuleTasks       []TBusinessRuleTask       `xml:"businessRuleTask"`
	SendTasks               []TSendTask               `xml:"sendTask"`
	ReceiveTasks            []TReceiveTask            `xml:"receiveTask"`
	ScriptTasks             []TScriptTask             `xml:"scriptTask"`
	SubProcesses            []TSubProcess             `xml:"subProcess"`
	CallActivities          []TCallActivity           `xml:"callActivity"`
	ParallelGateways        []TParallelGateway        `xml:"parallelGateway"`
	ExclusiveGateways       []TExclusiveGateway       `xml:"exclusiveGateway"`
	SequenceFlows           []TSequenceFlow           `xml:"sequenceFlow"`
}

type TProcess struct {
	TCallableElement
	TFlowElementsContainer
	ProcessType  string `xml:"processType,attr"`
	IsClosed     bool   `xml:"isClosed,attr"`
	IsExecutable bool   `xml:"isExecutable,attr"`
}

// FlowNodes returns the direct flow nodes of the container, boundary events last.
func (c *TFlowElementsContainer) FlowNodes() []FlowNode {
	var nodes []FlowNode
	for i := range c.StartEvents {
		nodes = append(nodes, &c.StartEvents[i])
	}
	for i := range c.Tasks {
		nodes = append(nodes, &c.Tasks[i])
	}
	for i := range c.ManualTasks {
		nodes = append(nodes, &c.ManualTasks[i])
	}
	for i := range c.ServiceTasks {
		nodes = append(nodes, &c.ServiceTasks[i])
	}
	for i := range c.UserTasks {
		nodes = append(nodes, &c.UserTasks[i])
	}
	for i := range c.BusinessRuleTasks {
		nodes = append(nodes, &c.BusinessRuleTasks[i])
	}
	for i := range c.SendTasks {
		nodes = append(nodes, &c.SendTasks[i])
	}
	for i := range c.ReceiveTasks {
		nodes = append(nodes, &c.ReceiveTasks[i])
	}
	for i := range c.ScriptTasks {
		nodes = append(nodes, &c.ScriptTasks[i])
	}
	for i := range c.SubProcesses {
		nodes = append(nodes, &c.SubProcesses[i])
	}
	for i := range c.CallActivities {
		nodes = append(nodes, &c.CallActivities[i])
	}
	for i := range c.ParallelGateways {
		nodes = append(nodes, &c.ParallelGateways[i])
	}
	for i := range c.ExclusiveGateways {
		nodes = append(nodes, &c.ExclusiveGateways[i])
	}
	for i := range c.IntermediateCatchEvents {
		nodes = append(nodes, &c.IntermediateCatchEvents[i])
	}
	for i := range c.IntermediateThrowEvents {
		nodes = append(nodes, &c.IntermediateThrowEvents[i])
	}
	for i := range c.EndEvents {
		nodes = append(nodes, &c.EndEvents[i])
	}
	for i := range c.BoundaryEvents {
		nodes = append(nodes, &c.BoundaryEvents[i])
	}
	return nodes
}

// GetFlowNodeById searches the container and all nested sub processes
func (c *TFlowElementsContainer) GetFlowNodeById(id string) FlowNode {
	for _, node := range c.FlowNodes() {
		if node.GetId() == id {
			return node
		}
		if sub, ok := node.(*TSubProcess); ok {
			if found := sub.GetFlowNodeById(id); found != nil {
				return found
			}
		}
	}
	return nil
}
