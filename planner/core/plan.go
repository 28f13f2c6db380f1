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

package core

import (
	"github.com/Mu-L/ByConity/expression"
	"github.com/Mu-L/ByConity/expression/aggregation"
	"github.com/Mu-L/ByConity/statistics"
)

// StepType tags the plan-step variants the optimizer dispatches on.
type StepType int

const (
	// TypeOther is any step the eager-aggregation rule does not inspect.
	TypeOther StepType = iota
	// TypeAggregating is a group-by step.
	TypeAggregating
	// TypeProjection is a column-assignment step.
	TypeProjection
	// TypeJoin is a two-child equi-join step.
	TypeJoin
)

// Step is one plan step. Concrete steps are value-like; rewrites build new
// steps instead of mutating old ones.
type Step interface {
	StepType() StepType
}

// ColumnWithType is one output column of a step.
type ColumnWithType struct {
	Name string
	Type string
}

// DataStream describes the ordered output schema of a plan node.
type DataStream struct {
	Columns []ColumnWithType
}

// Names returns the column names in output order.
func (d DataStream) Names() []string {
	names := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		names = append(names, c.Name)
	}
	return names
}

// NameSet returns the column names as a set.
func (d DataStream) NameSet() map[string]struct{} {
	set := make(map[string]struct{}, len(d.Columns))
	for _, c := range d.Columns {
		set[c.Name] = struct{}{}
	}
	return set
}

// NamesToTypes returns a name→type lookup of the schema.
func (d DataStream) NamesToTypes() map[string]string {
	m := make(map[string]string, len(d.Columns))
	for _, c := range d.Columns {
		m[c.Name] = c.Type
	}
	return m
}

// AggregatingStep groups its input by Keys and evaluates Aggregates.
type AggregatingStep struct {
	Keys          []string
	KeysNotHashed map[string]struct{}
	Aggregates    []*aggregation.AggFuncDesc
	// Final is true when the step produces final values rather than
	// intermediate states.
	Final bool
	Hints []string
}

// StepType implements Step.
func (*AggregatingStep) StepType() StepType { return TypeAggregating }

// IsNormal reports whether the eager-aggregation rule may match this step.
func (s *AggregatingStep) IsNormal() bool { return s.Final && len(s.Keys) > 0 }

// Assignment binds one projection output column to an expression.
type Assignment struct {
	Name string
	Expr expression.Expression
}

// IsIdentity reports whether the assignment is x := x.
func (a Assignment) IsIdentity() bool {
	col, ok := a.Expr.(*expression.Column)
	return ok && col.Name == a.Name
}

// ProjectionStep maps output columns to expressions over input columns.
type ProjectionStep struct {
	// Assignments is ordered; output order is assignment order.
	Assignments []Assignment
	NameToType  map[string]string
	// FinalProject marks the outermost user-facing projection.
	FinalProject bool
	IndexProject bool
	Hints        []string
}

// StepType implements Step.
func (*ProjectionStep) StepType() StepType { return TypeProjection }

// Assignment returns the expression bound to name.
func (s *ProjectionStep) Assignment(name string) (expression.Expression, bool) {
	for _, a := range s.Assignments {
		if a.Name == name {
			return a.Expr, true
		}
	}
	return nil, false
}

// JoinStep joins its two children on equal-length key lists. Attributes past
// the keys and filter are carried verbatim through rewrites.
type JoinStep struct {
	Kind       string
	Strictness string
	LeftKeys   []string
	RightKeys  []string
	Filter     expression.Expression

	MaxStreams          int
	KeepLeftReadInOrder bool
	DistributionType    string
	Algorithm           string
	Magic               bool
	Ordered             bool
	SimpleReordered     bool
	Hints               []string
}

// StepType implements Step.
func (*JoinStep) StepType() StepType { return TypeJoin }

// OtherStep is an opaque step (table scan, filter, exchange, ...) that the
// rule treats as a leaf.
type OtherStep struct {
	Name string
}

// StepType implements Step.
func (*OtherStep) StepType() StepType { return TypeOther }

// PlanNode is an immutable node of the logical plan tree. A rewrite builds
// new nodes and shares unchanged children; ids are stable across rewrites of
// the same logical node.
type PlanNode struct {
	id       int
	step     Step
	stream   DataStream
	children []*PlanNode
}

// NewPlanNode builds a node. The children slice is owned by the node.
func NewPlanNode(id int, step Step, stream DataStream, children ...*PlanNode) *PlanNode {
	return &PlanNode{id: id, step: step, stream: stream, children: children}
}

// ID returns the stable node id.
func (p *PlanNode) ID() int { return p.id }

// Step returns the node's step.
func (p *PlanNode) Step() Step { return p.step }

// StepType returns the node's step type.
func (p *PlanNode) StepType() StepType { return p.step.StepType() }

// Stream returns the node's output schema.
func (p *PlanNode) Stream() DataStream { return p.stream }

// Children returns the node's children; callers must not mutate the slice.
func (p *PlanNode) Children() []*PlanNode { return p.children }

// PlanNodeIDAllocator hands out fresh plan-node ids.
type PlanNodeIDAllocator struct {
	next int
}

// NewPlanNodeIDAllocator starts allocating above the given id.
func NewPlanNodeIDAllocator(after int) *PlanNodeIDAllocator {
	return &PlanNodeIDAllocator{next: after}
}

// Alloc returns the next unused id.
func (a *PlanNodeIDAllocator) Alloc() int {
	a.next++
	return a.next
}

// Estimator supplies cardinality estimates for plan nodes. Implementations
// are provided by the statistics subsystem.
type Estimator interface {
	Estimate(node *PlanNode) *statistics.PlanStats
}

// StatsEstimator adapts a statistics.Table keyed by plan-node id.
type StatsEstimator struct {
	Table *statistics.Table
}

// Estimate implements Estimator.
func (e StatsEstimator) Estimate(node *PlanNode) *statistics.PlanStats {
	if e.Table == nil {
		return nil
	}
	return e.Table.EstimateByID(node.ID())
}
