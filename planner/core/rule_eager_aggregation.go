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
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/Mu-L/ByConity/config"
	"github.com/Mu-L/ByConity/expression"
	"github.com/Mu-L/ByConity/expression/aggregation"
	"github.com/Mu-L/ByConity/util/logutil"
)

// RuleContext carries everything a rule application needs. Rules running on
// disjoint subtrees may share one context; the symbol allocator locks
// itself.
type RuleContext struct {
	Settings        *config.EagerAggregationConfig
	Estimator       Estimator
	Resolver        aggregation.Resolver
	SymbolAllocator *SymbolAllocator
	IDAllocator     *PlanNodeIDAllocator
}

// EagerAggregation pushes a grouped aggregation below a join (or a chain of
// joins, optionally through a projection) when the cardinality statistics
// predict enough row reduction, reconstructing the original aggregate above
// the join via state/merge decomposition.
type EagerAggregation struct{}

// Name implements the logical rule interface.
func (*EagerAggregation) Name() string {
	return "eager_aggregation"
}

// Optimize applies the rule everywhere it matches. When nothing matches the
// returned root is the input pointer.
func (r *EagerAggregation) Optimize(ctx *RuleContext, p *PlanNode) (*PlanNode, bool) {
	newRoot := r.recursiveOptimize(ctx, p)
	return newRoot, newRoot != p
}

func (r *EagerAggregation) recursiveOptimize(ctx *RuleContext, p *PlanNode) *PlanNode {
	if step, ok := p.Step().(*AggregatingStep); ok && step.IsNormal() && len(p.Children()) == 1 {
		if rewritten := r.transform(ctx, p); rewritten != p {
			// An inserted local aggregate matches the pattern itself; do not
			// descend into a subtree this rule just produced.
			return rewritten
		}
	}
	changed := false
	newChildren := make([]*PlanNode, 0, len(p.Children()))
	for _, child := range p.Children() {
		newChild := r.recursiveOptimize(ctx, child)
		if newChild != child {
			changed = true
		}
		newChildren = append(newChildren, newChild)
	}
	if !changed {
		return p
	}
	return NewPlanNode(p.ID(), p.Step(), p.Stream(), newChildren...)
}

// localGroupByTarget is one candidate placement of the pushed aggregate.
type localGroupByTarget struct {
	BottomJoin *PlanNode
	ChildIndex int
	Aggs       []*aggregation.AggFuncDesc
	Keys       []string
	JoinLayer  int
	// PushThroughFinalProjection is set when the search threaded through a
	// projection sitting between two joins.
	PushThroughFinalProjection bool
}

func (r *EagerAggregation) transform(ctx *RuleContext, agg *PlanNode) *PlanNode {
	aggStep := agg.Step().(*AggregatingStep)

	var projection *PlanNode
	node := agg
	if len(node.Children()) == 1 && node.Children()[0].StepType() == TypeProjection {
		projection = node.Children()[0]
		node = projection
	}
	if len(node.Children()) != 1 || node.Children()[0].StepType() != TypeJoin {
		return agg
	}
	join := node.Children()[0]
	parentOfFirstJoin := node

	namesFromLeft := join.Children()[0].Stream().NameSet()
	namesFromRight := join.Children()[1].Stream().NameSet()
	keySet := nameSet(aggStep.Keys)

	composed, s1, s2, g1, g2, ok := decomposeAggJoin(aggStep.Aggregates, aggStep.Keys, keySet, namesFromLeft, namesFromRight)
	if !ok {
		return agg
	}

	// Symbols the local aggregate must still expose upward.
	require := nameSet(aggStep.Keys)
	for _, desc := range aggStep.Aggregates {
		for _, arg := range desc.ArgNames {
			require[arg] = struct{}{}
		}
	}

	renameLeft := make(map[string]string)
	renameRight := make(map[string]string)
	var projRequire, projGene map[string]struct{}
	if projection != nil {
		projStep := projection.Step().(*ProjectionStep)
		projRequire, projGene, ok = decomposeProjection(
			projStep, composed, keySet, namesFromLeft, namesFromRight,
			renameLeft, renameRight, &s1, &s2, ctx.SymbolAllocator)
		if !ok {
			return agg
		}
		if len(projRequire) == 0 {
			for _, a := range projStep.Assignments {
				for _, sym := range expression.ExtractSymbols(a.Expr) {
					require[sym] = struct{}{}
				}
			}
		}
	}

	search := &bottomJoinSearch{
		ctx:         ctx,
		projection:  projection,
		projRequire: projRequire,
		projGene:    projGene,
		initRequire: require,
	}
	switch {
	case len(renameLeft) > 0:
		search.projRename = renameLeft
		search.find(nil, parentOfFirstJoin, 0, s1, g1, 0, nil)
	case len(renameRight) > 0:
		search.projRename = renameRight
		search.find(nil, parentOfFirstJoin, 0, s2, g2, 0, nil)
	default:
		aggs := make([]*aggregation.AggFuncDesc, 0, len(aggStep.Aggregates))
		for _, desc := range aggStep.Aggregates {
			keyArg := false
			for _, arg := range desc.ArgNames {
				if _, ok := keySet[arg]; ok {
					keyArg = true
					break
				}
			}
			if !keyArg {
				aggs = append(aggs, desc)
			}
		}
		search.find(nil, parentOfFirstJoin, 0, aggs, append([]string(nil), aggStep.Keys...), 0, nil)
	}

	result := agg
	for _, target := range search.targets {
		if !canAggPushDown(ctx, target) {
			continue
		}
		newRoot, err := insertAggregation(ctx, result, target, len(projRequire) > 0)
		if err != nil {
			logutil.BgLogger().Warn("eager aggregation target skipped",
				zap.Int("join", target.BottomJoin.ID()),
				zap.Int("child", target.ChildIndex),
				zap.Error(err))
			continue
		}
		result = newRoot
	}
	return result
}

// decomposeAggJoin splits the top aggregates and group-by keys between the
// two join inputs. Composed aggregates bridge both sides and may be
// decomposed later against the projection.
func decomposeAggJoin(
	descs []*aggregation.AggFuncDesc,
	keys []string,
	keySet map[string]struct{},
	namesFromLeft, namesFromRight map[string]struct{},
) (composed, s1, s2 []*aggregation.AggFuncDesc, g1, g2 []string, ok bool) {
	for _, desc := range descs {
		if aggregation.ClassOf(desc.Function.Name()) == aggregation.ClassUnknown {
			return nil, nil, nil, nil, nil, false
		}
		switch {
		case expression.ContainsAll(namesFromLeft, desc.ArgNames):
			// Pushing an aggregate over a group-by key is a no-op that can
			// only introduce duplicates.
			if len(desc.ArgNames) == 1 {
				if _, isKey := keySet[desc.ArgNames[0]]; !isKey {
					s1 = append(s1, desc)
				}
			}
		case expression.ContainsAll(namesFromRight, desc.ArgNames):
			if len(desc.ArgNames) == 1 {
				if _, isKey := keySet[desc.ArgNames[0]]; !isKey {
					s2 = append(s2, desc)
				}
			}
		default:
			composed = append(composed, desc)
		}
	}
	for _, key := range keys {
		if _, inLeft := namesFromLeft[key]; inLeft {
			g1 = append(g1, key)
		} else if _, inRight := namesFromRight[key]; inRight {
			g2 = append(g2, key)
		} else {
			return nil, nil, nil, nil, nil, false
		}
	}
	return composed, s1, s2, g1, g2, true
}

// decomposeProjection tries the deep parse first (extract a pushable
// sub-aggregate out of a multiIf argument), then the full push (the whole
// projection moves to one side). Failing both refuses the rewrite.
func decomposeProjection(
	projStep *ProjectionStep,
	composed []*aggregation.AggFuncDesc,
	keySet map[string]struct{},
	namesFromLeft, namesFromRight map[string]struct{},
	renameLeft, renameRight map[string]string,
	s1, s2 *[]*aggregation.AggFuncDesc,
	alloc *SymbolAllocator,
) (projRequire, projGene map[string]struct{}, ok bool) {
	deepParse := false
	for _, desc := range composed {
		if len(desc.ArgNames) != 1 {
			continue
		}
		onlyArg := desc.ArgNames[0]
		expr, bound := projStep.Assignment(onlyArg)
		if !bound {
			continue
		}
		fn, isFn := expr.(*expression.ScalarFunction)
		if !isFn || strings.ToLower(fn.FuncName) != "multiif" || len(fn.Args) <= 2 {
			continue
		}
		ident, isCol := fn.Args[1].(*expression.Column)
		if !isCol {
			continue
		}
		x := ident.Name
		if _, seen := renameLeft[x]; seen {
			continue
		}
		if _, seen := renameRight[x]; seen {
			continue
		}
		if _, isKey := keySet[x]; isKey {
			continue
		}
		fresh := alloc.New("inter#" + x)
		deepParse = true
		pushed := desc.Clone()
		pushed.ArgNames[0] = x
		pushed.OutputName = fresh
		if _, inLeft := namesFromLeft[x]; inLeft {
			*s1 = append(*s1, pushed)
			renameLeft[x] = fresh
		}
		if _, inRight := namesFromRight[x]; inRight {
			*s2 = append(*s2, pushed)
			renameRight[x] = fresh
		}
	}
	if deepParse {
		return nil, nil, true
	}

	// Full push: every non-identity assignment must fall on one side.
	// Constant assignments bind to no side and never block either one.
	leftCnt, rightCnt, constCnt, totalCnt := 0, 0, 0, 0
	projRequire = make(map[string]struct{})
	projGene = make(map[string]struct{})
	for _, a := range projStep.Assignments {
		if a.IsIdentity() {
			continue
		}
		totalCnt++
		syms := expression.ExtractSymbols(a.Expr)
		if len(syms) == 0 {
			constCnt++
		} else if expression.ContainsAll(namesFromLeft, syms) {
			leftCnt++
		} else if expression.ContainsAll(namesFromRight, syms) {
			rightCnt++
		}
		if leftCnt > 0 && rightCnt > 0 {
			break
		}
		for _, sym := range syms {
			projRequire[sym] = struct{}{}
		}
		projGene[a.Name] = struct{}{}
	}
	if leftCnt+constCnt != totalCnt && rightCnt+constCnt != totalCnt {
		return nil, nil, false
	}
	for _, desc := range composed {
		if len(desc.ArgNames) == 0 {
			continue
		}
		onlyArg := desc.ArgNames[0]
		if _, bound := projStep.Assignment(onlyArg); !bound {
			continue
		}
		if _, seen := renameLeft[onlyArg]; seen {
			continue
		}
		if _, seen := renameRight[onlyArg]; seen {
			continue
		}
		if leftCnt > 0 {
			*s1 = append(*s1, desc.Clone())
		}
		if rightCnt > 0 {
			*s2 = append(*s2, desc.Clone())
		}
	}
	return projRequire, projGene, true
}

// updatePushedAggKeys intersects the evolving pushed aggregates and keys
// with one join side's schema. Any aggregate that cannot follow the side
// prunes the whole branch.
func updatePushedAggKeys(
	sideNames map[string]struct{},
	projGene map[string]struct{},
	s0 []*aggregation.AggFuncDesc,
	g0 []string,
) ([]*aggregation.AggFuncDesc, []string, bool) {
	names := make(map[string]struct{}, len(sideNames)+len(projGene))
	for name := range sideNames {
		names[name] = struct{}{}
	}
	for name := range projGene {
		names[name] = struct{}{}
	}
	newS := make([]*aggregation.AggFuncDesc, 0, len(s0))
	for _, desc := range s0 {
		// A pushed aggregate needs exactly one argument, otherwise there is
		// no side to assign it to.
		if aggregation.ClassOf(desc.Function.Name()) != aggregation.ClassUnknown &&
			len(desc.ArgNames) == 1 &&
			expression.ContainsAll(names, desc.ArgNames) {
			newS = append(newS, desc)
			continue
		}
		return nil, nil, false
	}
	newG := make([]string, 0, len(g0))
	for _, key := range g0 {
		if _, ok := names[key]; ok {
			newG = append(newG, key)
		}
	}
	return newS, newG, true
}

// bottomJoinSearch walks the join tree looking for the deepest join under
// which the evolving local aggregate is still valid.
type bottomJoinSearch struct {
	ctx         *RuleContext
	projection  *PlanNode
	projRequire map[string]struct{}
	projGene    map[string]struct{}
	initRequire map[string]struct{}
	// projRename maps a global argument name to its local inter# name when a
	// composed aggregate was deep-parsed out of the top projection.
	projRename map[string]string

	hasVisitFirstJoin bool
	targets           []*localGroupByTarget
	targetJoinIDs     map[int]struct{}
}

func (s *bottomJoinSearch) find(
	require map[string]struct{},
	join *PlanNode,
	index int,
	s0 []*aggregation.AggFuncDesc,
	g0 []string,
	layer int,
	projExprToOrigin map[string]string,
) {
	child := join.Children()[index]

	// Thread through a projection sandwiched between two joins: every
	// non-identity assignment must rename exactly one symbol.
	if child.StepType() == TypeProjection &&
		len(child.Children()) == 1 &&
		child.Children()[0].StepType() == TypeJoin &&
		len(projExprToOrigin) == 0 {
		projStep := child.Step().(*ProjectionStep)
		nextJoin := child.Children()[0]
		rename := make(map[string]string)
		for _, a := range projStep.Assignments {
			if a.IsIdentity() {
				continue
			}
			syms := expression.ExtractSymbols(a.Expr)
			if len(syms) != 1 {
				rename = nil
				break
			}
			rename[a.Name] = syms[0]
		}
		if len(rename) > 0 {
			req := cloneNameSet(require)
			nextJoinStep := nextJoin.Step().(*JoinStep)
			if nextJoinStep.Filter != nil {
				for _, sym := range expression.ExtractSymbols(nextJoinStep.Filter) {
					req[sym] = struct{}{}
				}
			}
			addAll(req, nextJoinStep.LeftKeys)
			addAll(req, nextJoinStep.RightKeys)
			leftNames := nextJoin.Children()[0].Stream().NameSet()
			rightNames := nextJoin.Children()[1].Stream().NameSet()

			before := len(s.targets)
			if newS, newG, ok := updatePushedAggKeys(leftNames, s.projGene, s0, g0); ok {
				s.find(req, nextJoin, 0, newS, newG, layer, rename)
			}
			if len(s.targets) == before {
				if newS, newG, ok := updatePushedAggKeys(rightNames, s.projGene, s0, g0); ok {
					s.find(req, nextJoin, 1, newS, newG, layer, rename)
				}
			}
			return
		}
	}

	if child.StepType() != TypeJoin || s.hasVisitFirstJoin {
		s.finalize(require, join, index, s0, g0, layer, projExprToOrigin)
		return
	}

	if s.ctx.Settings.AggPushDownEveryJoin {
		s.hasVisitFirstJoin = true
	}

	secondJoin := child
	secondJoinStep := secondJoin.Step().(*JoinStep)

	req := cloneNameSet(require)
	if secondJoinStep.Filter != nil {
		for _, sym := range expression.ExtractSymbols(secondJoinStep.Filter) {
			req[sym] = struct{}{}
		}
	}
	addAll(req, secondJoinStep.LeftKeys)
	addAll(req, secondJoinStep.RightKeys)

	leftNames := secondJoin.Children()[0].Stream().NameSet()
	rightNames := secondJoin.Children()[1].Stream().NameSet()

	if len(s.projRequire) > 0 {
		// Pattern 1: the projection is pushed together with the aggregate;
		// only a side holding every projection input qualifies.
		before := len(s.targets)
		if containsAllSet(leftNames, s.projRequire) {
			if newS, newG, ok := updatePushedAggKeys(leftNames, s.projGene, s0, g0); ok {
				s.find(req, secondJoin, 0, newS, newG, layer+1, projExprToOrigin)
			}
		}
		if len(s.targets) == before && containsAllSet(rightNames, s.projRequire) {
			if newS, newG, ok := updatePushedAggKeys(rightNames, s.projGene, s0, g0); ok {
				s.find(req, secondJoin, 1, newS, newG, layer+1, projExprToOrigin)
			}
		}
		return
	}

	// Pattern 2: aggregate only. Never stack a pushed aggregate on top of an
	// existing aggregation node.
	before := len(s.targets)
	if secondJoin.Children()[0].StepType() != TypeAggregating {
		if newS, newG, ok := updatePushedAggKeys(leftNames, nil, s0, g0); ok {
			s.find(req, secondJoin, 0, newS, newG, layer+1, projExprToOrigin)
		}
	}
	if len(s.targets) == before && secondJoin.Children()[1].StepType() != TypeAggregating {
		if newS, newG, ok := updatePushedAggKeys(rightNames, nil, s0, g0); ok {
			s.find(req, secondJoin, 1, newS, newG, layer+1, projExprToOrigin)
		}
	}
}

func (s *bottomJoinSearch) finalize(
	require map[string]struct{},
	join *PlanNode,
	index int,
	s0 []*aggregation.AggFuncDesc,
	g0 []string,
	layer int,
	projExprToOrigin map[string]string,
) {
	child := join.Children()[index]

	c1 := append([]string(nil), child.Stream().Names()...)
	if len(s.projGene) > 0 {
		projStep := s.projection.Step().(*ProjectionStep)
		for _, a := range projStep.Assignments {
			if !a.IsIdentity() {
				c1 = append(c1, a.Name)
			}
		}
	}

	req := cloneNameSet(require)
	for name := range s.initRequire {
		req[name] = struct{}{}
	}

	globalAggNeeds := make(map[string]struct{}, len(s0)*2)
	for _, desc := range s0 {
		globalAggNeeds[desc.OutputName] = struct{}{}
		for _, arg := range desc.ArgNames {
			globalAggNeeds[arg] = struct{}{}
		}
	}

	// A group-by on expr(x) above a threaded projection becomes a group-by
	// on x in the local aggregate; x must be kept below.
	for exprName, origin := range projExprToOrigin {
		if _, ok := req[exprName]; ok {
			delete(req, exprName)
			req[origin] = struct{}{}
		}
	}

	kept := c1[:0]
	for _, name := range c1 {
		if _, ok := req[name]; !ok {
			continue
		}
		if len(s0) > 0 {
			if _, ok := s.projRename[name]; ok {
				continue
			}
		}
		if _, ok := globalAggNeeds[name]; ok {
			continue
		}
		kept = append(kept, name)
	}

	newG := append(append([]string(nil), g0...), kept...)
	sort.Strings(newG)
	newG = dedupSorted(newG)

	if s.targetJoinIDs == nil {
		s.targetJoinIDs = make(map[int]struct{})
	}
	if _, dup := s.targetJoinIDs[join.ID()]; dup {
		return
	}
	s.targetJoinIDs[join.ID()] = struct{}{}
	logutil.BgLogger().Debug("collect local group-by target",
		zap.Int("join", join.ID()),
		zap.Int("child", index),
		zap.Strings("keys", newG),
		zap.Int("aggregates", len(s0)))
	s.targets = append(s.targets, &localGroupByTarget{
		BottomJoin:                 join,
		ChildIndex:                 index,
		Aggs:                       s0,
		Keys:                       newG,
		JoinLayer:                  layer,
		PushThroughFinalProjection: len(projExprToOrigin) > 0,
	})
}

// canAggPushDown is the cost gate: block/allow lists first, then the
// NDV-based row-reduction prediction.
func canAggPushDown(ctx *RuleContext, target *localGroupByTarget) bool {
	settings := ctx.Settings
	joinID := strconv.Itoa(target.BottomJoin.ID())
	if listHas(settings.EagerAggJoinIDBlocklist, joinID) {
		return false
	}
	if settings.OnlyPushAggWithFunctions && len(target.Aggs) == 0 {
		return false
	}
	if whitelist := splitList(settings.EagerAggJoinIDWhitelist); len(whitelist) > 0 {
		entry := joinID + "-" + strconv.Itoa(target.ChildIndex)
		for _, item := range whitelist {
			if item == entry {
				return true
			}
		}
		return false
	}

	bottomChild := target.BottomJoin.Children()[target.ChildIndex]
	if ctx.Estimator != nil {
		if childStats := ctx.Estimator.Estimate(bottomChild); childStats != nil {
			rowCount := 1.0
			allUnknown := true
			var cndvs []float64
			for _, key := range target.Keys {
				keyStats := childStats.Symbol(key)
				if keyStats == nil {
					continue
				}
				nullRows := 0.0
				if childStats.RowCount != 0 && keyStats.NullsCount/childStats.RowCount != 0 {
					nullRows = 1.0
				}
				if keyStats.NDV > 0 {
					cndvs = append(cndvs, keyStats.NDV+nullRows)
				}
				allUnknown = false
			}
			if allUnknown {
				return false
			}
			sort.Sort(sort.Reverse(sort.Float64Slice(cndvs)))
			for i, cndv := range cndvs {
				if i == 0 {
					rowCount *= cndv
					continue
				}
				if len(target.Keys) > 0 && childStats.RowCount > 1000000 {
					// Heavily skewed secondary keys are treated as
					// correlated with the leading one.
					if rowCount*cndv > childStats.RowCount && cndv < cndvs[0]*0.001 {
						continue
					}
				}
				rowCount *= math.Max(1.0, settings.MultiAggKeysCorrelatedCoefficient*cndv)
			}
			rowCount = math.Min(rowCount, childStats.RowCount)
			logutil.BgLogger().Debug("eager aggregation cost gate",
				zap.Int("join", target.BottomJoin.ID()),
				zap.Int("child", target.ChildIndex),
				zap.Float64("predicted", rowCount),
				zap.Float64("childRows", childStats.RowCount))
			return childStats.RowCount/rowCount > settings.AggPushDownThreshold
		}
	}
	return settings.AggPushDownThreshold == 0
}

// insertAggregation rewrites the path from the top aggregate down to the
// chosen join, inserting the local aggregate above the chosen child and
// renaming every symbol it produces for the upper aggregate.
func insertAggregation(ctx *RuleContext, root *PlanNode, target *localGroupByTarget, pushProjection bool) (*PlanNode, error) {
	renameMap := make(map[string]string)
	for _, desc := range target.Aggs {
		for _, arg := range desc.ArgNames {
			if _, mapped := renameMap[arg]; mapped || sliceHas(target.Keys, arg) {
				continue
			}
			fresh := ctx.SymbolAllocator.New("inter#" + arg)
			renameMap[arg] = fresh
			if _, mapped := renameMap[desc.OutputName]; !mapped {
				renameMap[desc.OutputName] = fresh
			}
		}
	}
	mapper := expression.NewSymbolMapper(renameMap)

	hasVisitGlobalAgg := false
	hasVisitJoin := false
	var proj *PlanNode
	var rerr error

	var update func(cur *PlanNode) *PlanNode
	update = func(cur *PlanNode) *PlanNode {
		if rerr != nil {
			return cur
		}
		switch cur.StepType() {
		case TypeAggregating:
			if hasVisitGlobalAgg {
				return cur
			}
			hasVisitGlobalAgg = true
			step := cur.Step().(*AggregatingStep)
			child := update(cur.Children()[0])
			if rerr != nil {
				return cur
			}
			childTypes := child.Stream().NamesToTypes()
			newDescs := aggregation.CloneDescs(step.Aggregates)
			for _, desc := range newDescs {
				desc.ArgNames = mapper.MapNames(desc.ArgNames)
				if aggregation.ClassOf(desc.Function.Name()) != aggregation.ClassNeedsMerge {
					continue
				}
				argTypes, err := typesOf(childTypes, desc.ArgNames)
				if err != nil {
					rerr = err
					return cur
				}
				fn, err := ctx.Resolver.Resolve(aggregation.MergeName(desc.Function.Name()), argTypes, desc.Params)
				if err != nil {
					rerr = errors.Trace(err)
					return cur
				}
				desc.Function = fn
			}
			newStep := &AggregatingStep{
				Keys:          append([]string(nil), step.Keys...),
				KeysNotHashed: step.KeysNotHashed,
				Aggregates:    newDescs,
				Final:         step.Final,
				Hints:         step.Hints,
			}
			return NewPlanNode(cur.ID(), newStep, cur.Stream(), child)

		case TypeProjection:
			if hasVisitJoin && !target.PushThroughFinalProjection {
				return cur
			}
			step := cur.Step().(*ProjectionStep)
			if len(cur.Children()) != 1 || cur.Children()[0].StepType() != TypeJoin {
				rerr = errors.New("projection must be followed by join")
				return cur
			}
			if pushProjection {
				proj = cur
			}
			child := update(cur.Children()[0])
			if rerr != nil {
				return cur
			}
			if target.PushThroughFinalProjection {
				return rewriteThreadedProjection(ctx, step, child, renameMap)
			}
			if pushProjection {
				// The projection moved below the bottom join.
				return child
			}
			newAssignments := make([]Assignment, 0, len(step.Assignments))
			newTypes := make(map[string]string, len(step.NameToType))
			for _, a := range step.Assignments {
				newAssignments = append(newAssignments, Assignment{Name: mapper.MapName(a.Name), Expr: mapper.Map(a.Expr)})
			}
			for name, typ := range step.NameToType {
				newTypes[mapper.MapName(name)] = typ
			}
			newStep := &ProjectionStep{
				Assignments:  newAssignments,
				NameToType:   newTypes,
				FinalProject: step.FinalProject,
				IndexProject: step.IndexProject,
				Hints:        step.Hints,
			}
			return NewPlanNode(ctx.IDAllocator.Alloc(), newStep, streamFromAssignments(newAssignments, newTypes), child)

		case TypeJoin:
			hasVisitJoin = true
			step := cur.Step().(*JoinStep)
			leftChild := cur.Children()[0]
			rightChild := cur.Children()[1]
			if cur.ID() == target.BottomJoin.ID() {
				chosen := cur.Children()[target.ChildIndex]
				below := chosen
				if pushProjection {
					if proj == nil {
						rerr = errors.New("pushed projection was never visited")
						return cur
					}
					below = buildPushedProjection(ctx, proj.Step().(*ProjectionStep), chosen)
				}
				belowTypes := below.Stream().NamesToTypes()
				newLocal := aggregation.CloneDescs(target.Aggs)
				for _, desc := range newLocal {
					desc.OutputName = mapper.MapName(desc.OutputName)
					if aggregation.ClassOf(desc.Function.Name()) != aggregation.ClassNeedsMerge {
						continue
					}
					argTypes, err := typesOf(belowTypes, desc.ArgNames)
					if err != nil {
						rerr = err
						return cur
					}
					fn, err := ctx.Resolver.Resolve(aggregation.StateName(desc.Function.Name()), argTypes, desc.Params)
					if err != nil {
						rerr = errors.Trace(err)
						return cur
					}
					desc.Function = fn
				}
				localStep, localStream, err := createLocalAggregate(below.Stream(), newLocal, target.Keys)
				if err != nil {
					rerr = err
					return cur
				}
				localNode := NewPlanNode(ctx.IDAllocator.Alloc(), localStep, localStream, below)
				if target.ChildIndex == 0 {
					leftChild = localNode
				} else {
					rightChild = localNode
				}
			} else {
				leftChild = update(cur.Children()[0])
				rightChild = update(cur.Children()[1])
				if rerr != nil {
					return cur
				}
			}
			outCols := make([]ColumnWithType, 0, len(leftChild.Stream().Columns)+len(rightChild.Stream().Columns))
			for _, src := range []*PlanNode{leftChild, rightChild} {
				for _, col := range src.Stream().Columns {
					outCols = append(outCols, ColumnWithType{Name: mapper.MapName(col.Name), Type: col.Type})
				}
			}
			newStep := &JoinStep{
				Kind:                step.Kind,
				Strictness:          step.Strictness,
				LeftKeys:            mapper.MapNames(step.LeftKeys),
				RightKeys:           mapper.MapNames(step.RightKeys),
				Filter:              mapper.Map(step.Filter),
				MaxStreams:          step.MaxStreams,
				KeepLeftReadInOrder: step.KeepLeftReadInOrder,
				DistributionType:    step.DistributionType,
				Algorithm:           step.Algorithm,
				Magic:               step.Magic,
				Ordered:             step.Ordered,
				SimpleReordered:     step.SimpleReordered,
				Hints:               step.Hints,
			}
			return NewPlanNode(cur.ID(), newStep, DataStream{Columns: outCols}, leftChild, rightChild)

		default:
			return cur
		}
	}

	newRoot := update(root)
	if rerr != nil {
		return nil, rerr
	}
	return newRoot, nil
}

// rewriteThreadedProjection converts x := expr(y) assignments whose output
// the local aggregate now produces under an inter# name into identity
// assignments of that inter# column.
func rewriteThreadedProjection(ctx *RuleContext, step *ProjectionStep, child *PlanNode, renameMap map[string]string) *PlanNode {
	childTypes := child.Stream().NamesToTypes()
	newAssignments := append([]Assignment(nil), step.Assignments...)
	newTypes := make(map[string]string, len(step.NameToType))
	for name, typ := range step.NameToType {
		newTypes[name] = typ
	}
	oldNames := make([]string, 0, len(renameMap))
	for name := range renameMap {
		oldNames = append(oldNames, name)
	}
	sort.Strings(oldNames)
	for _, oldName := range oldNames {
		newName := renameMap[oldName]
		childType, inChild := childTypes[newName]
		if !inChild {
			continue
		}
		idx := -1
		for i, a := range newAssignments {
			if a.Name == oldName {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		newAssignments = append(newAssignments[:idx], newAssignments[idx+1:]...)
		newAssignments = append(newAssignments, Assignment{Name: newName, Expr: expression.NewColumn(newName)})
		delete(newTypes, oldName)
		newTypes[newName] = childType
	}
	newStep := &ProjectionStep{
		Assignments:  newAssignments,
		NameToType:   newTypes,
		FinalProject: step.FinalProject,
		IndexProject: step.IndexProject,
		Hints:        step.Hints,
	}
	return NewPlanNode(ctx.IDAllocator.Alloc(), newStep, streamFromAssignments(newAssignments, newTypes), child)
}

// buildPushedProjection synthesizes the projection inserted above the
// chosen join child when the whole top projection is pushed down with the
// aggregate.
func buildPushedProjection(ctx *RuleContext, projStep *ProjectionStep, chosen *PlanNode) *PlanNode {
	childTypes := chosen.Stream().NamesToTypes()
	newAssignments := make([]Assignment, 0, len(projStep.Assignments))
	newTypes := make(map[string]string)
	for _, a := range projStep.Assignments {
		if a.IsIdentity() {
			if _, ok := childTypes[a.Name]; !ok {
				continue
			}
		}
		newAssignments = append(newAssignments, Assignment{Name: a.Name, Expr: a.Expr.Clone()})
		newTypes[a.Name] = projStep.NameToType[a.Name]
	}
	for _, col := range chosen.Stream().Columns {
		if !assignmentsHave(newAssignments, col.Name) {
			newAssignments = append(newAssignments, Assignment{Name: col.Name, Expr: expression.NewColumn(col.Name)})
			newTypes[col.Name] = col.Type
		}
	}
	newStep := &ProjectionStep{
		Assignments:  newAssignments,
		NameToType:   newTypes,
		FinalProject: projStep.FinalProject,
		IndexProject: projStep.IndexProject,
		Hints:        projStep.Hints,
	}
	return NewPlanNode(ctx.IDAllocator.Alloc(), newStep, streamFromAssignments(newAssignments, newTypes), chosen)
}

// createLocalAggregate builds the pushed aggregate step and its output
// schema: keys first, aggregate outputs after, in input order.
func createLocalAggregate(input DataStream, aggs []*aggregation.AggFuncDesc, keys []string) (*AggregatingStep, DataStream, error) {
	inputTypes := input.NamesToTypes()
	cols := make([]ColumnWithType, 0, len(keys)+len(aggs))
	for _, key := range keys {
		typ, ok := inputTypes[key]
		if !ok {
			return nil, DataStream{}, errors.Errorf("local aggregate key %s is not produced by its input", key)
		}
		cols = append(cols, ColumnWithType{Name: key, Type: typ})
	}
	for _, desc := range aggs {
		cols = append(cols, ColumnWithType{Name: desc.OutputName, Type: desc.Function.ReturnType()})
	}
	step := &AggregatingStep{
		Keys:       append([]string(nil), keys...),
		Aggregates: aggs,
		Final:      true,
	}
	return step, DataStream{Columns: cols}, nil
}

func streamFromAssignments(assignments []Assignment, types map[string]string) DataStream {
	cols := make([]ColumnWithType, 0, len(assignments))
	for _, a := range assignments {
		cols = append(cols, ColumnWithType{Name: a.Name, Type: types[a.Name]})
	}
	return DataStream{Columns: cols}
}

func typesOf(types map[string]string, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		typ, ok := types[name]
		if !ok {
			return nil, errors.Errorf("column %s has no type in the child schema", name)
		}
		out = append(out, typ)
	}
	return out, nil
}

func assignmentsHave(assignments []Assignment, name string) bool {
	for _, a := range assignments {
		if a.Name == name {
			return true
		}
	}
	return false
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func cloneNameSet(set map[string]struct{}) map[string]struct{} {
	cloned := make(map[string]struct{}, len(set))
	for name := range set {
		cloned[name] = struct{}{}
	}
	return cloned
}

func addAll(set map[string]struct{}, names []string) {
	for _, name := range names {
		set[name] = struct{}{}
	}
}

func containsAllSet(set, sub map[string]struct{}) bool {
	for name := range sub {
		if _, ok := set[name]; !ok {
			return false
		}
	}
	return true
}

func dedupSorted(names []string) []string {
	out := names[:0]
	for i, name := range names {
		if i == 0 || names[i-1] != name {
			out = append(out, name)
		}
	}
	return out
}

func sliceHas(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func splitList(list string) []string {
	if list == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func listHas(list, item string) bool {
	for _, entry := range splitList(list) {
		if entry == item {
			return true
		}
	}
	return false
}
