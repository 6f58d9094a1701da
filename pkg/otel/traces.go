package otel

const (
	Prefix                        = "bpmn-"
	AttributeProcessInstanceKey   = Prefix + "instance-key"
	AttributeProcessId            = Prefix + "process-id"
	AttributeProcessDefinitionKey = Prefix + "definition-key"
	AttributeElementId            = Prefix + "element-id"
	AttributeElementType          = Prefix + "element-type"
	AttributeInstructionKind      = Prefix + "instruction-kind"
	AttributeInstructionCount     = Prefix + "instruction-count"
	AttributeBatchId              = Prefix + "batch-id"
	AttributeBatchType            = Prefix + "batch-type"
)
