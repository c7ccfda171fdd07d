package devicetree

import "github.com/bekos-project/bekos/internal/klog"

// ProbeState is a node's position in the probe state machine (spec.md
// section 4.10): a driver's probe function examines a node and either
// claims it outright, asks to be retried once more nodes have attached
// (useful when a device depends on a sibling that hasn't probed yet), or
// declares it can never claim the node.
type ProbeState int

const (
	StateUnprobed ProbeState = iota
	StateWaiting
	StateAttached
	StateFailed
)

// ProbeResult is what a driver's probe function reports for one node.
type ProbeResult int

const (
	// Unrecognised means this probe function has nothing to do with the
	// node; the loop tries the next registered probe.
	Unrecognised ProbeResult = iota
	// Waiting means the probe recognised the node but cannot attach yet;
	// it will be retried on a later sweep.
	Waiting
	// Success means the probe claimed and attached the node.
	Success
	// Failure means the probe recognised the node but attaching it failed
	// permanently; the node will not be retried.
	Failure
)

func (r ProbeResult) String() string {
	switch r {
	case Unrecognised:
		return "unrecognised"
	case Waiting:
		return "waiting"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "invalid"
	}
}

// ProbeFunc is a driver's probe entry point: given a node, it returns
// whether it recognises the node and what happened.
type ProbeFunc func(*Node) ProbeResult

// Registry holds the probe functions registered by every driver package's
// init-time registration (spec.md: "driver-registered probe functions
// called in pre-order per sweep"), grounded on the teacher's devregistry
// model of drivers self-registering rather than being named by the boot
// sequence.
type Registry struct {
	probes []ProbeFunc
	log    *klog.Logger
}

// NewRegistry constructs an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{log: klog.Default.WithComponent("devicetree")}
}

// Register adds fn to the set of probe functions tried against every node.
func (r *Registry) Register(fn ProbeFunc) {
	r.probes = append(r.probes, fn)
}

// Run sweeps the tree in pre-order, trying every still-unprobed or
// still-waiting node against every registered probe, repeating sweeps
// until a full sweep makes no further progress (no node transitions out
// of Waiting) or maxSweeps is reached, whichever comes first (spec.md:
// "Waiting nodes retried in sweeps... bounded by an overall retry limit").
// It returns the nodes left in StateWaiting when it stopped.
func (r *Registry) Run(t *Tree, maxSweeps int) []*Node {
	var stuck []*Node
	for sweep := 0; sweep < maxSweeps; sweep++ {
		progressed := false
		stuck = stuck[:0]
		t.Walk(func(n *Node) {
			if n.ProbeState == StateAttached || n.ProbeState == StateFailed {
				return
			}
			result, matched := r.tryProbes(n)
			if !matched {
				return
			}
			switch result {
			case Success:
				n.ProbeState = StateAttached
				progressed = true
			case Failure:
				n.ProbeState = StateFailed
				progressed = true
			case Waiting:
				if n.ProbeState != StateWaiting {
					progressed = true
				}
				n.ProbeState = StateWaiting
			}
		})
		t.Walk(func(n *Node) {
			if n.ProbeState == StateWaiting {
				stuck = append(stuck, n)
			}
		})
		if !progressed {
			break
		}
	}
	if len(stuck) > 0 {
		r.log.Warnf("probe loop stopped with %d node(s) still waiting", len(stuck))
	}
	return stuck
}

// tryProbes runs every registered probe against n in registration order,
// stopping at the first one that doesn't return Unrecognised.
func (r *Registry) tryProbes(n *Node) (ProbeResult, bool) {
	for _, p := range r.probes {
		switch res := p(n); res {
		case Unrecognised:
			continue
		default:
			return res, true
		}
	}
	return Unrecognised, false
}
