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

package aggregation

import (
	"strings"

	"github.com/pingcap/errors"
)

// Function is an opaque handle to a concrete aggregate implementation,
// resolved by name and argument types.
type Function interface {
	Name() string
	ReturnType() string
}

// Resolver looks a function up by name, argument types and parameters. The
// real registry lives in the execution engine; the planner only consumes
// this callback.
type Resolver interface {
	Resolve(name string, argTypes []string, params []string) (Function, error)
}

// AggFuncDesc describes one aggregate of an Aggregating step.
type AggFuncDesc struct {
	Function   Function
	Params     []string
	ArgNames   []string
	OutputName string
}

// Clone returns a copy with independent slices. The function handle is
// immutable and shared.
func (d *AggFuncDesc) Clone() *AggFuncDesc {
	cloned := &AggFuncDesc{
		Function:   d.Function,
		OutputName: d.OutputName,
	}
	cloned.Params = append(cloned.Params, d.Params...)
	cloned.ArgNames = append(cloned.ArgNames, d.ArgNames...)
	return cloned
}

// String renders the descriptor as f(args) AS output.
func (d *AggFuncDesc) String() string {
	return d.Function.Name() + "(" + strings.Join(d.ArgNames, ", ") + ") AS " + d.OutputName
}

// CloneDescs deep-copies a descriptor slice.
func CloneDescs(descs []*AggFuncDesc) []*AggFuncDesc {
	cloned := make([]*AggFuncDesc, 0, len(descs))
	for _, d := range descs {
		cloned = append(cloned, d.Clone())
	}
	return cloned
}

type resolvedFunction struct {
	name       string
	returnType string
}

func (f *resolvedFunction) Name() string       { return f.name }
func (f *resolvedFunction) ReturnType() string { return f.returnType }

// DefaultResolver types the functions the rewriter is able to touch. It is
// enough to keep plans type-consistent through state/merge splitting; the
// execution engine installs the real registry in production.
type DefaultResolver struct{}

// Resolve implements Resolver.
func (DefaultResolver) Resolve(name string, argTypes []string, _ []string) (Function, error) {
	base, kind := splitSuffix(name)
	switch kind {
	case suffixState:
		inner := strings.Join(argTypes, ", ")
		return &resolvedFunction{name: name, returnType: "AggregateFunction(" + base + ", " + inner + ")"}, nil
	case suffixMerge:
		return &resolvedFunction{name: name, returnType: finalType(base, argTypes)}, nil
	default:
		if ClassOf(name) == ClassUnknown {
			return nil, errors.Errorf("unknown aggregate function %s", name)
		}
		return &resolvedFunction{name: name, returnType: finalType(name, argTypes)}, nil
	}
}

type suffixKind int

const (
	suffixNone suffixKind = iota
	suffixState
	suffixMerge
)

func splitSuffix(name string) (string, suffixKind) {
	if base, ok := strings.CutSuffix(name, "State"); ok && ClassOf(base) != ClassUnknown {
		return base, suffixState
	}
	if base, ok := strings.CutSuffix(name, "Merge"); ok && ClassOf(base) != ClassUnknown {
		return base, suffixMerge
	}
	return name, suffixNone
}

func finalType(name string, argTypes []string) string {
	switch strings.ToLower(name) {
	case "count", "uniqexact":
		return "UInt64"
	default:
		if len(argTypes) > 0 {
			// For a merge sibling the single argument is the state type
			// AggregateFunction(f, T); the final value type is T.
			arg := argTypes[0]
			if inner, ok := strings.CutPrefix(arg, "AggregateFunction("); ok {
				inner = strings.TrimSuffix(inner, ")")
				if idx := strings.Index(inner, ", "); idx >= 0 {
					return inner[idx+2:]
				}
			}
			return arg
		}
		return "UInt64"
	}
}
