package pipeerr

import (
	"errors"
	"fmt"
)

var (
	// ErrDAGInput is raised at dispatch time when a node has more than one
	// dependency and no InputSelector was declared for it.
	ErrDAGInput = errors.New("multi-dependency node requires an input selector")
	// ErrStageContract is raised by the accumulator when a stage emits a non-scalar metric.
	ErrStageContract = errors.New("stage violated its result contract")
)

// DAGInput wraps ErrDAGInput with the offending node id and its dependency count.
func DAGInput(nodeID string, depCount int) error {
	return fmt.Errorf("%w: node %q has %d dependencies but no selector", ErrDAGInput, nodeID, depCount)
}

// StageContract wraps ErrStageContract with the offending node and metric key.
func StageContract(nodeID, metricKey string, value any) error {
	return fmt.Errorf("%w: node %q metric %q has non-scalar value %T", ErrStageContract, nodeID, metricKey, value)
}
