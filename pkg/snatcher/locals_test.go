package snatcher

import (
	"reflect"
	"testing"
)

func TestLocalsBindingsSorted(t *testing.T) {
	locals := Locals{"b": 2, "c": 3, "a": 1}

	got := locals.Bindings()
	want := []Binding{{"a", 1}, {"b", 2}, {"c", 3}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestScopeBind(t *testing.T) {
	sc := newScope()
	x, y := 1, "one"
	sc.Bind("x", &x).Bind("y", &y)

	x, y = 2, "two"
	other := 3
	sc.Bind("x", &other)

	got := sc.Bindings()
	want := []Binding{{"x", 3}, {"y", "two"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestDeref(t *testing.T) {
	var nilPtr *int
	value := 5
	ptr := &value

	if got := deref(&value); got != 5 {
		t.Errorf("Expected 5, got %v", got)
	}
	if got := deref(&ptr); got != ptr {
		t.Errorf("Expected the inner pointer, got %v", got)
	}
	if got := deref(nilPtr); got != nilPtr {
		t.Errorf("Expected the nil pointer itself, got %v", got)
	}
	if got := deref("plain"); got != "plain" {
		t.Errorf("Expected plain, got %v", got)
	}
}
