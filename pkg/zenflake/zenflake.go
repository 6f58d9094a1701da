package zenflake

// Keys are snowflake ids. The node bits of a key name the partition (engine node) that generated it, node 0 is
// reserved for global resources like definitions.

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	nodeShift       = StepBits
)

// MaxPartitionId is the largest node id a snowflake node accepts
func MaxPartitionId() int64 {
	return nodeMax
}

func GetPartitionMask() int64 {
	return nodeMask
}

func GetPartitionId(id int64) uint32 {
	maskedId := id & GetPartitionMask()
	nodeId := maskedId >> int64(nodeShift)
	return uint32(nodeId)
}

// SamePartition reports whether both keys were generated by the same node
func SamePartition(a, b int64) bool {
	return GetPartitionId(a) == GetPartitionId(b)
}
