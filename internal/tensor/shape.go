package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape lists dimension sizes. In declared (placeholder) shapes a -1 marks a
// dimension whose size is only known at call time; a nil declared shape
// means the rank itself is unknown.
type Shape []int

// Size is the number of elements a tensor of this shape holds. A scalar has size 1.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Rank is the number of dimensions.
func (s Shape) Rank() int { return len(s) }

// Equal reports whether s and o have identical dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Matches reports whether the concrete shape s satisfies declared.
func (s Shape) Matches(declared Shape) bool {
	if declared == nil {
		return true
	}
	if len(s) != len(declared) {
		return false
	}
	for i, d := range declared {
		if d >= 0 && s[i] != d {
			return false
		}
	}
	return true
}

// Clone returns a copy of s that does not share its backing array.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape{}, s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Resolve fills a single -1 dimension of s so that the result holds size
// elements. Shapes without wildcards must already hold exactly size elements.
func (s Shape) Resolve(size int) (Shape, error) {
	out := s.Clone()
	wildcard := -1
	known := 1
	for i, d := range out {
		if d < 0 {
			if wildcard >= 0 {
				return nil, fmt.Errorf("shape %s has more than one unknown dimension", s)
			}
			wildcard = i
			continue
		}
		known *= d
	}
	if wildcard >= 0 {
		if known == 0 || size%known != 0 {
			return nil, fmt.Errorf("cannot fit %d elements into shape %s", size, s)
		}
		out[wildcard] = size / known
		return out, nil
	}
	if known != size {
		return nil, fmt.Errorf("shape %s holds %d elements, got %d", s, known, size)
	}
	return out, nil
}
