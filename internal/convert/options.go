package convert

import "fmt"

// NonTensorPolicy decides what finalize does with non-tensor values that
// survive every filter stage.
type NonTensorPolicy string

const (
	// NonTensorError fails the conversion and names every offending key.
	NonTensorError NonTensorPolicy = "error"
	// NonTensorDrop removes the offending keys and reports them in Result.Dropped.
	NonTensorDrop NonTensorPolicy = "drop"
)

// ParseNonTensorPolicy parses a policy name. The empty string selects NonTensorError.
func ParseNonTensorPolicy(s string) (NonTensorPolicy, error) {
	switch NonTensorPolicy(s) {
	case "", NonTensorError:
		return NonTensorError, nil
	case NonTensorDrop:
		return NonTensorDrop, nil
	default:
		return "", fmt.Errorf("unknown non-tensor policy %q (want %q or %q)", s, NonTensorError, NonTensorDrop)
	}
}

// Options selects the optional pipeline stages.
// Every combination is legal; flags never interact.
type Options struct {
	StripOptimizer bool // drop the "optimizer_states" entry
	RemovePickles  bool // drop byte blobs and opaque objects
	RemoveWeights  bool // drop entries whose name contains "weight" or "bias"
	StripMetadata  bool // drop the "meta" entry
	UseFP16        bool // convert every tensor to float16

	// NonTensors is the finalize policy; the zero value means NonTensorError.
	NonTensors NonTensorPolicy
}

func (o Options) nonTensorPolicy() NonTensorPolicy {
	if o.NonTensors == "" {
		return NonTensorError
	}
	return o.NonTensors
}
