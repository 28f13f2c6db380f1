// Copyright 2023 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expression

import (
	"strings"
)

// Expression is a scalar expression over named columns. The planner only
// needs three shapes: a column reference, a literal and a function call.
type Expression interface {
	// String renders the expression the way EXPLAIN would.
	String() string
	// Clone returns a deep copy sharing no mutable state.
	Clone() Expression
}

// Column references a column of the input by name.
type Column struct {
	Name string
}

// String implements Expression.
func (c *Column) String() string { return c.Name }

// Clone implements Expression.
func (c *Column) Clone() Expression { return &Column{Name: c.Name} }

// Constant is a literal value rendered verbatim.
type Constant struct {
	Value string
}

// String implements Expression.
func (c *Constant) String() string { return c.Value }

// Clone implements Expression.
func (c *Constant) Clone() Expression { return &Constant{Value: c.Value} }

// ScalarFunction is a call of a named scalar function, e.g. multiIf.
type ScalarFunction struct {
	FuncName string
	Args     []Expression
}

// String implements Expression.
func (f *ScalarFunction) String() string {
	args := make([]string, 0, len(f.Args))
	for _, a := range f.Args {
		args = append(args, a.String())
	}
	return f.FuncName + "(" + strings.Join(args, ", ") + ")"
}

// Clone implements Expression.
func (f *ScalarFunction) Clone() Expression {
	args := make([]Expression, 0, len(f.Args))
	for _, a := range f.Args {
		args = append(args, a.Clone())
	}
	return &ScalarFunction{FuncName: f.FuncName, Args: args}
}

// NewColumn is shorthand for a column reference.
func NewColumn(name string) *Column { return &Column{Name: name} }

// NewFunction is shorthand for a scalar function call.
func NewFunction(name string, args ...Expression) *ScalarFunction {
	return &ScalarFunction{FuncName: name, Args: args}
}

// ExtractSymbols returns the column names referenced by expr in first-seen
// order.
func ExtractSymbols(expr Expression) []string {
	var names []string
	seen := make(map[string]struct{})
	var walk func(Expression)
	walk = func(e Expression) {
		switch x := e.(type) {
		case *Column:
			if _, ok := seen[x.Name]; !ok {
				seen[x.Name] = struct{}{}
				names = append(names, x.Name)
			}
		case *ScalarFunction:
			for _, a := range x.Args {
				walk(a)
			}
		}
	}
	if expr != nil {
		walk(expr)
	}
	return names
}

// ExtractSymbolSet returns the column names referenced by expr as a set.
func ExtractSymbolSet(expr Expression) map[string]struct{} {
	set := make(map[string]struct{})
	for _, name := range ExtractSymbols(expr) {
		set[name] = struct{}{}
	}
	return set
}

// SymbolMapper renames symbols without mutating the source expression.
type SymbolMapper struct {
	mapping map[string]string
}

// NewSymbolMapper builds a mapper over an old→new name mapping. The mapping
// is not copied; callers must not mutate it afterwards.
func NewSymbolMapper(mapping map[string]string) *SymbolMapper {
	return &SymbolMapper{mapping: mapping}
}

// MapName maps a single symbol, returning it unchanged when unmapped.
func (m *SymbolMapper) MapName(name string) string {
	if mapped, ok := m.mapping[name]; ok {
		return mapped
	}
	return name
}

// MapNames maps a slice of symbols into a fresh slice.
func (m *SymbolMapper) MapNames(names []string) []string {
	mapped := make([]string, 0, len(names))
	for _, name := range names {
		mapped = append(mapped, m.MapName(name))
	}
	return mapped
}

// Map rewrites expr with every column reference renamed. The input tree is
// left untouched.
func (m *SymbolMapper) Map(expr Expression) Expression {
	if expr == nil {
		return nil
	}
	switch x := expr.(type) {
	case *Column:
		return &Column{Name: m.MapName(x.Name)}
	case *ScalarFunction:
		args := make([]Expression, 0, len(x.Args))
		for _, a := range x.Args {
			args = append(args, m.Map(a))
		}
		return &ScalarFunction{FuncName: x.FuncName, Args: args}
	default:
		return expr.Clone()
	}
}

// ContainsAll reports whether every name in names is present in set.
func ContainsAll(set map[string]struct{}, names []string) bool {
	for _, name := range names {
		if _, ok := set[name]; !ok {
			return false
		}
	}
	return true
}
