// Package weights defines the closed set of scoring categories and the
// fixed-size weight vector indexed by them.
package weights

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category identifies one family of scoring signals.
type Category int

const (
	TrendMomentum Category = iota
	Volume
	Fundamental
	MarketContext
	Advanced

	// NumCategories is the size of every weight vector.
	NumCategories = 5
)

// SumTolerance bounds how far a valid vector's sum may drift from 1.
const SumTolerance = 1e-6

var categoryNames = [NumCategories]string{
	TrendMomentum: "trend_momentum",
	Volume:        "volume",
	Fundamental:   "fundamental",
	MarketContext: "market_context",
	Advanced:      "advanced",
}

// Categories returns every category in index order.
func Categories() []Category {
	cats := make([]Category, NumCategories)
	for i := range cats {
		cats[i] = Category(i)
	}
	return cats
}

func (c Category) String() string {
	if c < 0 || int(c) >= NumCategories {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseCategory maps a snake_case name back to its category.
func ParseCategory(name string) (Category, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range categoryNames {
		if n == name {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", name)
}

// Vector holds one weight per category.
type Vector [NumCategories]float64

// Equal returns the vector with every category weighted identically.
func Equal() Vector {
	var v Vector
	for i := range v {
		v[i] = 1.0 / NumCategories
	}
	return v
}

// Get returns the weight of a category.
func (v Vector) Get(c Category) float64 {
	return v[c]
}

// Sum adds up all weights.
func (v Vector) Sum() float64 {
	sum := 0.0
	for _, w := range v {
		sum += w
	}
	return sum
}

// Validate reports whether the vector is a proper convex combination.
func (v Vector) Validate() error {
	for i, w := range v {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight %s is not finite", Category(i))
		}
		if w < 0 {
			return fmt.Errorf("weight %s is negative: %g", Category(i), w)
		}
	}
	if sum := v.Sum(); math.Abs(sum-1) > SumTolerance {
		return fmt.Errorf("weights sum to %.8f, want 1", sum)
	}
	return nil
}

// Normalize rescales the vector so it sums to 1.
func (v Vector) Normalize() (Vector, error) {
	for i, w := range v {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return Vector{}, fmt.Errorf("cannot normalize: weight %s is %g", Category(i), w)
		}
	}
	sum := v.Sum()
	if sum <= 0 {
		return Vector{}, fmt.Errorf("cannot normalize: weights sum to %g", sum)
	}
	var out Vector
	for i, w := range v {
		out[i] = w / sum
	}
	return out, nil
}

// Key is a stable textual identity used to de-duplicate candidates.
func (v Vector) Key() string {
	parts := make([]string, NumCategories)
	for i, w := range v {
		parts[i] = fmt.Sprintf("%.9f", w)
	}
	return strings.Join(parts, "|")
}

func (v Vector) String() string {
	parts := make([]string, NumCategories)
	for i, w := range v {
		parts[i] = fmt.Sprintf("%s=%.3f", Category(i), w)
	}
	return strings.Join(parts, ", ")
}

// Map converts the vector to a category-name keyed map.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, NumCategories)
	for i, w := range v {
		m[categoryNames[i]] = w
	}
	return m
}

// FromMap builds a vector from category names. Missing categories are zero.
func FromMap(m map[string]float64) (Vector, error) {
	var v Vector
	for name, w := range m {
		c, err := ParseCategory(name)
		if err != nil {
			return Vector{}, err
		}
		v[c] = w
	}
	return v, nil
}

// MarshalJSON writes the vector as a category-keyed object.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Map())
}

// UnmarshalJSON reads a category-keyed object.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML writes the vector as a category-keyed mapping.
func (v Vector) MarshalYAML() (interface{}, error) {
	return v.Map(), nil
}

// UnmarshalYAML reads a category-keyed mapping.
func (v *Vector) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]float64
	if err := node.Decode(&m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
