package container

// Factory builds a fresh instance of a registered object. The runtime uses it to
// duplicate steps configured for more than one node.
type Factory func() any

// Registration is one object an algorithm asks the runtime to register.
type Registration struct {
	ID      string
	Object  any
	Factory Factory
}

// Registrar collects registrations in declaration order.
type Registrar struct {
	registrations []Registration
}

// NewRegistrar creates an empty registrar
func NewRegistrar() *Registrar {
	return &Registrar{}
}

// Add registers obj under id.
func (r *Registrar) Add(id string, obj any) *Registrar {
	r.registrations = append(r.registrations, Registration{ID: id, Object: obj})
	return r
}

// AddIdentifiable registers obj under its own id.
func (r *Registrar) AddIdentifiable(obj Identifiable) *Registrar {
	return r.Add(obj.ID(), obj)
}

// AddWithFactory registers obj under id together with a factory able to build more
// instances of the same type.
func (r *Registrar) AddWithFactory(id string, obj any, factory Factory) *Registrar {
	r.registrations = append(r.registrations, Registration{ID: id, Object: obj, Factory: factory})
	return r
}

// Registered returns a copy of all registrations in declaration order.
func (r *Registrar) Registered() []Registration {
	if r == nil {
		return nil
	}
	out := make([]Registration, len(r.registrations))
	copy(out, r.registrations)
	return out
}

// Len returns the number of registrations
func (r *Registrar) Len() int {
	if r == nil {
		return 0
	}
	return len(r.registrations)
}
