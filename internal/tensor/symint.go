package tensor

import (
	"strconv"
)

// SymInt is a size, stride or offset that may be symbolic.
//
// A symbolic SymInt carries an expression over named symbols plus a concrete
// hint used wherever a real number is needed (allocation, bounds checks).
// Concrete SymInts have an empty expression.
type SymInt struct {
	hint int
	expr string
}

// Int returns a concrete SymInt.
func Int(v int) SymInt {
	return SymInt{hint: v}
}

// Symbol returns a symbolic SymInt named name whose current value is hint.
func Symbol(name string, hint int) SymInt {
	return SymInt{hint: hint, expr: name}
}

// Ints converts concrete values to SymInts.
func Ints(vs []int) []SymInt {
	out := make([]SymInt, len(vs))
	for i, v := range vs {
		out[i] = Int(v)
	}
	return out
}

// Hints returns the concrete hints of ss.
func Hints(ss []SymInt) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i] = s.hint
	}
	return out
}

// Hint returns the concrete value.
func (s SymInt) Hint() int {
	return s.hint
}

// IsSymbolic reports whether s carries an expression.
func (s SymInt) IsSymbolic() bool {
	return s.expr != ""
}

// Expr returns the expression, or the decimal value for a concrete SymInt.
func (s SymInt) Expr() string {
	if s.expr == "" {
		return strconv.Itoa(s.hint)
	}
	return s.expr
}

// Mul returns s*o.
func (s SymInt) Mul(o SymInt) SymInt {
	switch {
	case !s.IsSymbolic() && !o.IsSymbolic():
		return Int(s.hint * o.hint)
	case !s.IsSymbolic() && s.hint == 1:
		return o
	case !o.IsSymbolic() && o.hint == 1:
		return s
	}
	return SymInt{hint: s.hint * o.hint, expr: s.Expr() + "*" + o.Expr()}
}

// Add returns s+o.
func (s SymInt) Add(o SymInt) SymInt {
	switch {
	case !s.IsSymbolic() && !o.IsSymbolic():
		return Int(s.hint + o.hint)
	case !s.IsSymbolic() && s.hint == 0:
		return o
	case !o.IsSymbolic() && o.hint == 0:
		return s
	}
	return SymInt{hint: s.hint + o.hint, expr: "(" + s.Expr() + "+" + o.Expr() + ")"}
}

// Eq compares the concrete values of s and o.
func (s SymInt) Eq(o SymInt) bool {
	return s.hint == o.hint
}

// String implements fmt.Stringer.
func (s SymInt) String() string {
	return s.Expr()
}
