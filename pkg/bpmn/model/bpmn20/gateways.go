package bpmn20

type GatewayDirection string

type TGateway struct {
	TFlowNode
	GatewayDirection GatewayDirection `xml:"gatewayDirection,attr"`
}

const (
	ElementTypeParallelGateway  ElementType = "PARALLEL_GATEWAY"
	ElementTypeExclusiveGateway ElementType = "EXCLUSIVE_GATEWAY"

	Unspecified GatewayDirection = "Unspecified"
	Converging  GatewayDirection = "Converging"
	Diverging   GatewayDirection = "Diverging"
	Mixed       GatewayDirection = "Mixed"
)

type TParallelGateway struct {
	TGateway
}

type TExclusiveGateway struct {
	TGateway
	DefaultFlowId string `xml:"default,attr"`
}

func (parallelGateway TParallelGateway) GetType() ElementType { return ElementTypeParallelGateway }

func (exclusiveGateway TExclusiveGateway) GetType() ElementType { return ElementTypeExclusiveGateway }
