package tensor

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Attrs holds the typed, op-specific parameters of a node.
type Attrs map[string]cty.Value

// Has reports whether name is set to a non-null value.
func (a Attrs) Has(name string) bool {
	v, ok := a[name]
	return ok && !v.IsNull()
}

// String returns the string attribute name, or def when unset.
func (a Attrs) String(name, def string) (string, error) {
	if !a.Has(name) {
		return def, nil
	}
	var out string
	if err := gocty.FromCtyValue(a[name], &out); err != nil {
		return "", fmt.Errorf("attribute %q: %w", name, err)
	}
	return out, nil
}

// Int returns the integer attribute name, or def when unset.
func (a Attrs) Int(name string, def int) (int, error) {
	if !a.Has(name) {
		return def, nil
	}
	var out int
	if err := gocty.FromCtyValue(a[name], &out); err != nil {
		return 0, fmt.Errorf("attribute %q: %w", name, err)
	}
	return out, nil
}

// Float returns the numeric attribute name, or def when unset.
func (a Attrs) Float(name string, def float64) (float64, error) {
	if !a.Has(name) {
		return def, nil
	}
	var out float64
	if err := gocty.FromCtyValue(a[name], &out); err != nil {
		return 0, fmt.Errorf("attribute %q: %w", name, err)
	}
	return out, nil
}

// Bool returns the boolean attribute name, or def when unset.
func (a Attrs) Bool(name string, def bool) (bool, error) {
	if !a.Has(name) {
		return def, nil
	}
	var out bool
	if err := gocty.FromCtyValue(a[name], &out); err != nil {
		return false, fmt.Errorf("attribute %q: %w", name, err)
	}
	return out, nil
}

// Ints returns the integer list attribute name, or nil when unset. Both cty
// lists and tuples are accepted since HCL literals decode as tuples.
func (a Attrs) Ints(name string) ([]int, error) {
	if !a.Has(name) {
		return nil, nil
	}
	v := a[name]
	if !v.CanIterateElements() {
		return nil, fmt.Errorf("attribute %q: expected a list, got %s", name, v.Type().FriendlyName())
	}
	out := make([]int, 0, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		var n int
		if err := gocty.FromCtyValue(elem, &n); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Floats returns the numeric list attribute name, or nil when unset.
func (a Attrs) Floats(name string) ([]float32, error) {
	if !a.Has(name) {
		return nil, nil
	}
	v := a[name]
	if !v.CanIterateElements() {
		return nil, fmt.Errorf("attribute %q: expected a list, got %s", name, v.Type().FriendlyName())
	}
	out := make([]float32, 0, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		var f float64
		if err := gocty.FromCtyValue(elem, &f); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}
