package onnx

import "fmt"

// StructuralGraphError reports a graph that is malformed, or that an operation cannot be
// applied to.
type StructuralGraphError struct {
	// Op is the operation that failed, e.g. "check" or "augment".
	Op string
	// Node names the offending node, if any.
	Node string
	// Reason describes the problem.
	Reason string
}

func (e *StructuralGraphError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Op, e.Node, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func structuralf(op, format string, args ...any) error {
	return &StructuralGraphError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func nodeErrorf(op string, n Node, format string, args ...any) error {
	name := n.Name
	if name == "" {
		name = n.OpType
	}
	return &StructuralGraphError{Op: op, Node: name, Reason: fmt.Sprintf(format, args...)}
}

// arity bounds the inputs of a default-domain operator; max < 0 is unbounded.
type arity struct {
	min, max int
	required []string
}

var knownOps = map[string]arity{
	"Transpose": {min: 1, max: 1},
	"Slice":     {min: 3, max: 5},
	"Mul":       {min: 2, max: 2},
	"Max":       {min: 1, max: -1},
	"Round":     {min: 1, max: 1},
	"Concat":    {min: 1, max: -1, required: []string{"axis"}},
	"Identity":  {min: 1, max: 1},
}

// Check validates the structure of a graph.
//
// Every node needs an operator type, every node input must be defined by a graph input, an
// initializer or an earlier node, and every value has at most one producer. Values a
// subgraph attribute reads from the enclosing graph follow the same rule; the subgraph's own
// nodes are not checked. Graph outputs
// must be produced and typed, value-info entries must be unique, operators the package
// emits must have a valid input count and their required attributes, and INT64 or FLOAT
// initializer payloads must match their dims.
//
// Returns:
//   - error: A *StructuralGraphError describing the first problem found, or nil.
func Check(g *Graph) error {
	const op = "check"
	if g == nil {
		return structuralf(op, "graph is nil")
	}

	defined := make(map[string]bool, len(g.Inputs)+len(g.Initializers)+len(g.Nodes))
	for _, in := range g.Inputs {
		if in.Name == "" {
			return structuralf(op, "graph input has no name")
		}
		if defined[in.Name] {
			return structuralf(op, "graph input %q is declared twice", in.Name)
		}
		defined[in.Name] = true
	}

	initializers := make(map[string]bool, len(g.Initializers))
	for _, t := range g.Initializers {
		if t.Name == "" {
			return structuralf(op, "initializer has no name")
		}
		if initializers[t.Name] || (defined[t.Name] && !g.IsInput(t.Name)) {
			return structuralf(op, "initializer %q is defined twice", t.Name)
		}
		if n, ok := t.payloadLen(); ok && n != t.NumElements() {
			return structuralf(op, "initializer %q has %d elements, dims %v need %d", t.Name, n, t.Dims, t.NumElements())
		}
		initializers[t.Name] = true
		defined[t.Name] = true
	}

	for _, n := range g.Nodes {
		if n.OpType == "" {
			return nodeErrorf(op, n, "node has no operator type")
		}
		for _, in := range n.Inputs {
			if in != "" && !defined[in] {
				return nodeErrorf(op, n, "input %q is not defined before use", in)
			}
		}
		for _, ref := range n.OuterRefs() {
			if !defined[ref] {
				return nodeErrorf(op, n, "subgraph reads %q, which is not defined before use", ref)
			}
		}
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			if defined[out] {
				return nodeErrorf(op, n, "value %q has more than one producer", out)
			}
			defined[out] = true
		}
		if err := checkArity(op, n); err != nil {
			return err
		}
	}

	if len(g.Outputs) == 0 {
		return structuralf(op, "graph has no outputs")
	}
	for _, out := range g.Outputs {
		if !defined[out.Name] {
			return structuralf(op, "graph output %q is never produced", out.Name)
		}
		if out.ElemType == DataTypeUndefined {
			return structuralf(op, "graph output %q has no element type", out.Name)
		}
	}

	seen := make(map[string]bool, len(g.ValueInfo))
	for _, v := range g.ValueInfo {
		if seen[v.Name] {
			return structuralf(op, "value info %q is declared twice", v.Name)
		}
		seen[v.Name] = true
	}

	return nil
}

func checkArity(op string, n Node) error {
	if n.Domain != "" && n.Domain != "ai.onnx" {
		return nil
	}
	a, ok := knownOps[n.OpType]
	if !ok {
		return nil
	}
	if len(n.Inputs) < a.min || (a.max >= 0 && len(n.Inputs) > a.max) {
		return nodeErrorf(op, n, "%s takes %d to %d inputs, got %d", n.OpType, a.min, a.max, len(n.Inputs))
	}
	if len(n.Outputs) != 1 {
		return nodeErrorf(op, n, "%s has one output, got %d", n.OpType, len(n.Outputs))
	}
	for _, attr := range a.required {
		if _, ok := n.Attribute(attr); !ok {
			return nodeErrorf(op, n, "%s requires attribute %q", n.OpType, attr)
		}
	}
	return nil
}
