package cluster

import (
	"fmt"

	herrors "github.com/snowcluster/snowcluster/internal/errors"
)

// NodeOutcome is the result of one step for one node. Node is 0 for
// cluster-wide steps.
type NodeOutcome struct {
	Node    int
	Step    string
	Action  string
	Err     error
	Ignored error
}

// Report aggregates the outcomes of one orchestrator operation in the order
// they happened. It stops at the first failure.
type Report struct {
	Operation string
	Outcomes  []NodeOutcome
	Err       error
}

// Passed reports whether every step succeeded.
func (r *Report) Passed() bool {
	return r.Err == nil
}

// Reason returns one sentence describing the pass or the first failure.
func (r *Report) Reason() string {
	if r.Passed() {
		nodes := map[int]bool{}
		for _, o := range r.Outcomes {
			if o.Node > 0 {
				nodes[o.Node] = true
			}
		}
		return fmt.Sprintf("Pass - %s (%d nodes)", r.Operation, len(nodes))
	}

	step := herrors.GetStep(r.Err)
	if step == "" {
		step = r.Operation
	}
	if node := herrors.GetNode(r.Err); node > 0 {
		return fmt.Sprintf("Fail - %s on node %d: %v", step, node, r.Err)
	}
	return fmt.Sprintf("Fail - %s: %v", step, r.Err)
}

// Add appends an outcome; the first failing outcome becomes the report error.
func (r *Report) Add(o NodeOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Err != nil && r.Err == nil {
		r.Err = o.Err
	}
}
