package execution

import (
	"fmt"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
)

// HostPlan is the ordered step list for each role. It is resolved once at
// construction and never changes afterwards.
type HostPlan struct {
	steps  []*Step
	byID   map[string]*Step
	byRole map[fleet.Role][]*Step
}

// NewHostPlan builds a plan from steps in declaration order. Every
// dependency of a step must be declared earlier and must target every role
// the dependent step targets.
func NewHostPlan(steps ...*Step) (*HostPlan, error) {
	p := &HostPlan{
		byID:   make(map[string]*Step, len(steps)),
		byRole: make(map[fleet.Role][]*Step),
	}

	for _, s := range steps {
		if s == nil || s.apply == nil {
			id := "<nil>"
			if s != nil {
				id = s.id
			}
			return nil, fmt.Errorf("%w: %s", ErrMissingApplyFn, id)
		}
		if _, dup := p.byID[s.id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, s.id)
		}
		p.byID[s.id] = s
		p.steps = append(p.steps, s)
	}

	for _, role := range fleet.Roles() {
		var ordered []*Step
		index := make(map[string]int)
		for _, s := range p.steps {
			if !s.AppliesTo(role) {
				continue
			}
			index[s.id] = len(ordered)
			ordered = append(ordered, s)
		}
		for i, s := range ordered {
			for _, dep := range s.after {
				if _, ok := p.byID[dep]; !ok {
					return nil, fmt.Errorf("%w: %s needs %s", ErrUnknownStep, s.id, dep)
				}
				pos, ok := index[dep]
				if !ok || pos >= i {
					return nil, fmt.Errorf("%w: %s needs %s for role %s", ErrStepOrder, s.id, dep, role)
				}
			}
		}
		p.byRole[role] = ordered
	}

	return p, nil
}

// StepsFor returns the ordered steps for the host's role.
func (p *HostPlan) StepsFor(host *fleet.Host) []*Step {
	return p.StepsForRole(host.Role())
}

// StepsForRole returns the ordered steps for role.
func (p *HostPlan) StepsForRole(role fleet.Role) []*Step {
	return p.byRole[role]
}

// Step returns the step with the given ID.
func (p *HostPlan) Step(id string) (*Step, bool) {
	s, ok := p.byID[id]
	return s, ok
}

// Steps returns every step in declaration order.
func (p *HostPlan) Steps() []*Step {
	out := make([]*Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Len returns the number of steps.
func (p *HostPlan) Len() int {
	return len(p.steps)
}
