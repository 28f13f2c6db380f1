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

package statistics

// SymbolStats carries per-column statistics used by the planner.
type SymbolStats struct {
	// NDV is the number of distinct values of the column.
	NDV float64
	// NullsCount is the number of null rows of the column.
	NullsCount float64
}

// PlanStats is the estimated output of one plan node.
type PlanStats struct {
	RowCount float64
	symbols  map[string]*SymbolStats
}

// NewPlanStats builds stats for a node with the given row count.
func NewPlanStats(rowCount float64) *PlanStats {
	return &PlanStats{RowCount: rowCount, symbols: make(map[string]*SymbolStats)}
}

// SetSymbol records statistics for one output column.
func (s *PlanStats) SetSymbol(name string, stats *SymbolStats) *PlanStats {
	s.symbols[name] = stats
	return s
}

// Symbol returns the statistics of one output column, or nil when unknown.
func (s *PlanStats) Symbol(name string) *SymbolStats {
	return s.symbols[name]
}

// Table maps plan-node ids to estimated stats. It is the trivial estimator
// used by tests and by callers that pre-compute estimates; the production
// cardinality estimator implements the same lookup.
type Table struct {
	byNode map[int]*PlanStats
}

// NewTable returns an empty stats table.
func NewTable() *Table {
	return &Table{byNode: make(map[int]*PlanStats)}
}

// Set records the stats of one plan node.
func (t *Table) Set(nodeID int, stats *PlanStats) *Table {
	t.byNode[nodeID] = stats
	return t
}

// EstimateByID returns the stats of one plan node, or nil when the node was
// never analyzed.
func (t *Table) EstimateByID(nodeID int) *PlanStats {
	return t.byNode[nodeID]
}
