package plugin

// NodeKind distinguishes the property-tree node shapes the host needs to
// render: a scrollable list, a small enumerated dropdown, or a button that
// triggers an external collaborator (the driver control panel, an about
// dialog).
type NodeKind int

const (
	NodeList NodeKind = iota
	NodeEnum
	NodeButton
)

// Option is one selectable entry of a list or enum node.
type Option struct {
	Value string
	Label string
}

// PropertyNode is one row of the property sheet get_properties() returns.
type PropertyNode struct {
	Key     string
	Label   string
	Kind    NodeKind
	Options []Option
}

// PropertyTree is the full property sheet presented to the host.
type PropertyTree struct {
	Nodes []PropertyNode
}

// Find returns the node with the given key, if present.
func (t PropertyTree) Find(key string) (PropertyNode, bool) {
	for _, n := range t.Nodes {
		if n.Key == key {
			return n, true
		}
	}
	return PropertyNode{}, false
}
