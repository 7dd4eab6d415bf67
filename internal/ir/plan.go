package ir

import "time"

// Direction tells the engine whether a plan materializes or removes resources.
type Direction string

const (
	DirectionApply    Direction = "apply"
	DirectionTeardown Direction = "teardown"
)

// Plan is an ordered, immutable sequence of descriptors. For apply plans
// every dependency precedes its dependent; teardown plans are reversed.
type Plan struct {
	direction Direction
	resources []*Resource
	index     map[string]int
	waitsOn   map[string][]string
	createdAt time.Time
}

// NewPlan builds a plan from resources already in execution order.
// waitsOn maps each id to the ids that must reach a terminal outcome
// before it may start; entries outside the plan are ignored.
func NewPlan(dir Direction, ordered []*Resource, waitsOn map[string][]string) *Plan {
	p := &Plan{
		direction: dir,
		resources: make([]*Resource, len(ordered)),
		index:     make(map[string]int, len(ordered)),
		waitsOn:   make(map[string][]string, len(ordered)),
		createdAt: time.Now().UTC(),
	}
	for i, res := range ordered {
		p.resources[i] = res.Clone()
		p.index[res.ID] = i
	}
	for _, res := range ordered {
		for _, dep := range waitsOn[res.ID] {
			if _, ok := p.index[dep]; ok {
				p.waitsOn[res.ID] = append(p.waitsOn[res.ID], dep)
			}
		}
	}
	return p
}

// Direction returns whether this is an apply or teardown plan.
func (p *Plan) Direction() Direction {
	return p.direction
}

// CreatedAt returns the time the plan was built.
func (p *Plan) CreatedAt() time.Time {
	return p.createdAt
}

// Len returns the number of descriptors in the plan.
func (p *Plan) Len() int {
	return len(p.resources)
}

// Resources returns copies of the descriptors in execution order.
func (p *Plan) Resources() []*Resource {
	out := make([]*Resource, len(p.resources))
	for i, res := range p.resources {
		out[i] = res.Clone()
	}
	return out
}

// IDs returns the descriptor ids in execution order.
func (p *Plan) IDs() []string {
	ids := make([]string, len(p.resources))
	for i, res := range p.resources {
		ids[i] = res.ID
	}
	return ids
}

// Get returns a copy of the descriptor with the given id.
func (p *Plan) Get(id string) (*Resource, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.resources[i].Clone(), true
}

// Position returns the execution index of id, or -1.
func (p *Plan) Position(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// WaitsOn returns the in-plan ids that must finish before id starts.
func (p *Plan) WaitsOn(id string) []string {
	return append([]string(nil), p.waitsOn[id]...)
}

// ResourceChange previews what an apply will do to one descriptor.
type ResourceChange struct {
	ID     string
	Kind   Kind
	Action Action
	Diff   map[string]*PropertyDiff
}

// Action is the planned change for one descriptor.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNoOp   Action = "noop"
	ActionDelete Action = "delete"
)

type PropertyDiff struct {
	Before any
	After  any
	Action string // "create", "update", "delete"
}

type PlanSummary struct {
	Create int
	Update int
	Delete int
	NoOp   int
	Drift  int
}
