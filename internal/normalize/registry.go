package normalize

import "strings"

// Shape identifies which contract generation emitted an event.
type Shape int

const (
	// ShapeLegacy is the single-token/ZIL pair contract: two amount
	// fields and a direction flag per swap.
	ShapeLegacy Shape = iota
	// ShapeAMM is the multi-pool AMM contract: four amount fields,
	// router and to addresses.
	ShapeAMM
)

func (s Shape) String() string {
	if s == ShapeAMM {
		return "amm"
	}
	return "legacy"
}

// ParseShape maps a config string to a Shape.
func ParseShape(input string) (Shape, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "legacy":
		return ShapeLegacy, true
	case "amm":
		return ShapeAMM, true
	}
	return ShapeLegacy, false
}

// Registry resolves (contract address, event name) pairs to the shape
// version used to normalize them. Unregistered pairs are skipped by the
// caller, never fatal.
type Registry struct {
	shapes map[string]Shape
}

func NewRegistry() *Registry {
	return &Registry{shapes: make(map[string]Shape)}
}

func key(contract, event string) string {
	return strings.ToLower(contract) + "/" + event
}

// Register binds a contract+event pair to a shape.
func (r *Registry) Register(contract, event string, shape Shape) {
	r.shapes[key(contract, event)] = shape
}

// Lookup returns the shape for a contract+event pair.
func (r *Registry) Lookup(contract, event string) (Shape, bool) {
	shape, ok := r.shapes[key(contract, event)]
	return shape, ok
}
