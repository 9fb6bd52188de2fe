package aml

import "github.com/driftkernel/drift/pkg/kerrors"

// EntityType classifies a namespace entry, used by Visit-style traversal
// and by the promotion rule in spec.md §4.3 "Namespace resolution".
type EntityType uint8

const (
	EntityTypeAny EntityType = iota
	EntityTypeScope
	EntityTypeDevice
	EntityTypePowerResource
	EntityTypeProcessor
	EntityTypeThermalZone
	EntityTypeMethod
	EntityTypeName
	EntityTypeField
)

// Entity is one namespace-tree node: spec.md's ScopeEntity/Entity split,
// generalized into a single interface since every AML object can carry
// both a name and (for scoping types) children.
type Entity interface {
	Name() string
	Parent() *ScopeEntity
	setParent(*ScopeEntity)
}

// ScopeEntity is an Entity that can contain other Entities: Scope, Device,
// PowerResource, Processor, ThermalZone, and the implicit root.
type ScopeEntity struct {
	name     string
	typ      EntityType
	parent   *ScopeEntity
	children []Entity
	byName   map[string]Entity

	external bool // placeholder created by intermediate-segment resolution

	// Data objects attached directly to this scope entry (e.g. the value
	// bound by a Name() definition) live in obj; nil for pure scopes.
	obj *DataObject

	// method-specific fields, populated by parseMethod; zero otherwise.
	methodOffset int
	methodLength int
	methodFlags  uint8

	// mutex is non-nil only for a Name entry defined by Mutex(), backing
	// Acquire/Release with a real lock per SPEC_FULL.md's scheduler-aware
	// enrichment of the ACPI no-op semantics.
	mutex *namedMutex
}

func newScope(name string, typ EntityType) *ScopeEntity {
	return &ScopeEntity{name: name, typ: typ, byName: make(map[string]Entity)}
}

func (s *ScopeEntity) Name() string          { return s.name }
func (s *ScopeEntity) Parent() *ScopeEntity  { return s.parent }
func (s *ScopeEntity) setParent(p *ScopeEntity) { s.parent = p }
func (s *ScopeEntity) Type() EntityType      { return s.typ }
func (s *ScopeEntity) Children() []Entity    { return s.children }
func (s *ScopeEntity) IsExternal() bool      { return s.external }

// Append adds a child, recording it in insertion order and by name —
// spec.md §8's "every scope's children list is in insertion order".
func (s *ScopeEntity) Append(e Entity) {
	e.setParent(s)
	s.children = append(s.children, e)
	s.byName[e.Name()] = e
}

// child looks up an immediate child by its 4-byte name.
func (s *ScopeEntity) child(name string) (Entity, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// defaultACPIScopes builds the predefined scope hierarchy spec.md §4.3
// names, grounded directly on rootshaxor-gopher-os's defaultACPIScopes:
// `_GPE`, `_PR_`, `_SB_`, `_SI_`, `_TZ_` under the root.
func defaultACPIScopes() *ScopeEntity {
	root := newScope(rootName, EntityTypeScope)
	for _, name := range []string{"_GPE", "_PR_", "_SB_", "_SI_", "_TZ_"} {
		root.Append(newScope(name, EntityTypeScope))
	}
	return root
}

// resolvePath implements spec.md §4.3 "Namespace resolution".
//
// cur is the scope active at the point of reference (during parse, the
// enclosing Scope/Device/Method; during exec, the invoked method's defining
// scope). define selects creation semantics (final segment reserved,
// intermediate segments created as external placeholders) versus lookup
// semantics (simple single-segment references walk up the scope chain).
func resolvePath(root, cur *ScopeEntity, np namePath, define bool) (*ScopeEntity, string, error) {
	scope := cur
	if np.absolute {
		scope = root
	} else {
		for i := 0; i < np.upCount; i++ {
			if scope.parent != nil {
				scope = scope.parent
			}
		}
	}

	if len(np.segments) == 0 {
		return scope, "", nil
	}

	if len(np.segments) == 1 && !np.absolute && np.upCount == 0 && !define {
		// Simple name during lookup: walk up the scope chain.
		name := np.segments[0]
		for s := scope; s != nil; s = s.parent {
			if _, ok := s.child(name); ok {
				return s, name, nil
			}
		}
		return nil, "", kerrors.New(kerrors.InvalidName, "aml: undefined name "+name)
	}

	// Multi-segment (or absolute/relative-up with one segment): descend,
	// creating external Scope placeholders for missing intermediate
	// segments per spec.md's "Creating an object reserves the final name
	// segment".
	for i, seg := range np.segments {
		last := i == len(np.segments)-1
		child, ok := scope.child(seg)
		if !ok {
			if !define {
				return nil, "", kerrors.New(kerrors.InvalidName, "aml: undefined name "+seg)
			}
			if last {
				// Reserve the final segment: the caller (defineName/
				// defineScope) creates the real entity with its proper
				// type, so no placeholder is planted here.
				return scope, seg, nil
			}
			placeholder := newScope(seg, EntityTypeScope)
			placeholder.external = true
			scope.Append(placeholder)
			scope = placeholder
			continue
		}
		if last {
			return scope, seg, nil
		}
		next, ok := child.(*ScopeEntity)
		if !ok {
			return nil, "", kerrors.New(kerrors.InvalidName, "aml: "+seg+" has no namespace")
		}
		scope = next
	}
	return scope, "", nil
}

// promote turns an external Scope placeholder into a concrete Device,
// PowerResource, Processor, or ThermalZone in place; a Scope() opening the
// placeholder keeps it a Scope and clears its external flag. Any other
// combination (including promoting an already-concrete entity) is a
// duplicate definition error, per spec.md §4.3.
func promote(e Entity, typ EntityType) error {
	s, ok := e.(*ScopeEntity)
	if !ok || !s.external {
		return kerrors.New(kerrors.AlreadyExists, "aml: duplicate definition of "+e.Name())
	}
	switch typ {
	case EntityTypeDevice, EntityTypePowerResource, EntityTypeProcessor, EntityTypeThermalZone, EntityTypeScope:
		s.typ = typ
		s.external = false
		return nil
	default:
		return kerrors.New(kerrors.AlreadyExists, "aml: cannot promote "+e.Name())
	}
}
