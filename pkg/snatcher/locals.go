package snatcher

import (
	"reflect"
	"sort"
)

// Binding is a variable name and the value it held when the failure escaped
type Binding struct {
	Name  string
	Value any
}

// Locals is a snapshot of local variables, keyed by variable name
type Locals map[string]any

// Bindings returns the snapshot sorted by name
func (l Locals) Bindings() []Binding {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)

	bindings := make([]Binding, 0, len(names))
	for _, name := range names {
		bindings = append(bindings, Binding{Name: name, Value: l[name]})
	}
	return bindings
}

// Scope collects the variables of a block run by Snatcher.Do.
// Pointers are bound so the values seen at exit are the latest ones.
type Scope struct {
	names []string
	refs  map[string]any
}

func newScope() *Scope {
	return &Scope{refs: map[string]any{}}
}

// Bind registers a pointer to a variable under name. Binding a name again
// replaces the reference but keeps its original position.
func (sc *Scope) Bind(name string, ptr any) *Scope {
	if _, ok := sc.refs[name]; !ok {
		sc.names = append(sc.names, name)
	}
	sc.refs[name] = ptr
	return sc
}

// Bindings dereferences every bound pointer, in bind order
func (sc *Scope) Bindings() []Binding {
	bindings := make([]Binding, 0, len(sc.names))
	for _, name := range sc.names {
		bindings = append(bindings, Binding{Name: name, Value: deref(sc.refs[name])})
	}
	return bindings
}

// deref follows one level of pointer. Guards and non-pointers are returned as is.
func deref(ref any) any {
	switch ref.(type) {
	case *Scope, *Snatcher:
		return ref
	}
	rv := reflect.ValueOf(ref)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ref
	}
	elem := rv.Elem()
	if !elem.CanInterface() {
		return ref
	}
	return elem.Interface()
}
