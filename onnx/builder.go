package onnx

// Builder edits a private copy of a model. The caller's model only changes when Finish
// succeeds, so a failed edit never leaves a half-rewritten graph behind.
type Builder struct {
	target *Model
	model  *Model
	values map[string]bool
	nodes  map[string]bool
	done   bool
}

// NewBuilder starts an edit of m, which must have a graph.
func NewBuilder(m *Model) *Builder {
	b := &Builder{
		target: m,
		model:  m.Clone(),
		values: make(map[string]bool),
		nodes:  make(map[string]bool),
	}

	g := b.model.Graph
	for _, v := range g.Inputs {
		b.values[v.Name] = true
	}
	for _, t := range g.Initializers {
		b.values[t.Name] = true
	}
	for _, n := range g.Nodes {
		if n.Name != "" {
			b.nodes[n.Name] = true
		}
		for _, out := range n.Outputs {
			b.values[out] = true
		}
	}
	for _, v := range g.ValueInfo {
		b.values[v.Name] = true
	}
	for _, v := range g.Outputs {
		b.values[v.Name] = true
	}
	return b
}

// Graph returns the graph being edited.
func (b *Builder) Graph() *Graph {
	return b.model.Graph
}

// Available checks that none of the names is in use as a value or node name.
func (b *Builder) Available(names ...string) error {
	for _, name := range names {
		if b.values[name] || b.nodes[name] {
			return structuralf("build", "name %q is already in use", name)
		}
	}
	return nil
}

// RenameValue rebinds every producer and consumer of a node-produced value to a new name and
// drops the stale value-info entry of the old name.
//
// Returns:
//   - int: The number of references rebound.
//   - error: If the value is not produced by a node, the new name is taken, or a subgraph
//     reads the value.
func (b *Builder) RenameValue(from, to string) (int, error) {
	g := b.model.Graph
	if _, ok := g.Producer(from); !ok {
		return 0, structuralf("rename", "value %q is not produced by a node", from)
	}
	if err := b.Available(to); err != nil {
		return 0, err
	}
	// Subgraphs keep their decoded form, so a value they capture cannot be rebound.
	for _, n := range g.Nodes {
		for _, ref := range n.OuterRefs() {
			if ref == from {
				return 0, nodeErrorf("rename", n, "value %q is read inside a subgraph", from)
			}
		}
	}

	rebound := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		for j, in := range n.Inputs {
			if in == from {
				n.Inputs[j] = to
				rebound++
			}
		}
		for j, out := range n.Outputs {
			if out == from {
				n.Outputs[j] = to
				rebound++
			}
		}
	}
	for i := range g.Outputs {
		if g.Outputs[i].Name == from {
			g.Outputs[i].Name = to
		}
	}

	kept := g.ValueInfo[:0]
	for _, v := range g.ValueInfo {
		if v.Name != from {
			kept = append(kept, v)
		}
	}
	g.ValueInfo = kept

	delete(b.values, from)
	b.values[to] = true
	return rebound, nil
}

// AddNode appends a node. Its name and outputs must be unused.
func (b *Builder) AddNode(n Node) error {
	if n.Name != "" {
		if err := b.Available(n.Name); err != nil {
			return err
		}
	}
	for _, out := range n.Outputs {
		if err := b.Available(out); err != nil {
			return err
		}
	}

	g := b.model.Graph
	g.Nodes = append(g.Nodes, n)
	if n.Name != "" {
		b.nodes[n.Name] = true
	}
	for _, out := range n.Outputs {
		b.values[out] = true
	}
	return nil
}

// AddInitializer appends a constant tensor. Its name must be unused.
func (b *Builder) AddInitializer(t Initializer) error {
	if err := b.Available(t.Name); err != nil {
		return err
	}
	g := b.model.Graph
	g.Initializers = append(g.Initializers, t)
	b.values[t.Name] = true
	return nil
}

// AddValueInfo declares the type and shape of a value that has none yet.
func (b *Builder) AddValueInfo(v ValueInfo) error {
	g := b.model.Graph
	for _, existing := range g.ValueInfo {
		if existing.Name == v.Name {
			return structuralf("build", "value info %q is already declared", v.Name)
		}
	}
	g.ValueInfo = append(g.ValueInfo, v)
	return nil
}

// SetOutputs replaces the graph outputs.
func (b *Builder) SetOutputs(outputs ...ValueInfo) {
	b.model.Graph.Outputs = outputs
	for _, v := range outputs {
		b.values[v.Name] = true
	}
}

// Finish validates the edited graph with Check and, if it passes, commits it into the model
// the builder was created from. A builder can only be finished once.
func (b *Builder) Finish() error {
	if b.done {
		return structuralf("build", "builder already finished")
	}
	if err := Check(b.model.Graph); err != nil {
		return err
	}
	*b.target = *b.model
	b.done = true
	return nil
}
