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
	"fmt"
	"strings"
)

// ToString renders a plan subtree one node per line, children indented,
// stable across runs. Used by tests and EXPLAIN-style debugging.
func ToString(p *PlanNode) string {
	var sb strings.Builder
	toString(&sb, p, 0)
	return sb.String()
}

func toString(sb *strings.Builder, p *PlanNode, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	switch step := p.Step().(type) {
	case *AggregatingStep:
		descs := make([]string, 0, len(step.Aggregates))
		for _, d := range step.Aggregates {
			descs = append(descs, d.String())
		}
		fmt.Fprintf(sb, "Aggregating_%d{keys=[%s], aggs=[%s], final=%v}",
			p.ID(), strings.Join(step.Keys, ","), strings.Join(descs, "; "), step.Final)
	case *ProjectionStep:
		assigns := make([]string, 0, len(step.Assignments))
		for _, a := range step.Assignments {
			assigns = append(assigns, a.Name+" := "+a.Expr.String())
		}
		fmt.Fprintf(sb, "Projection_%d{%s}", p.ID(), strings.Join(assigns, "; "))
	case *JoinStep:
		fmt.Fprintf(sb, "Join_%d{left=[%s], right=[%s]}",
			p.ID(), strings.Join(step.LeftKeys, ","), strings.Join(step.RightKeys, ","))
	case *OtherStep:
		fmt.Fprintf(sb, "%s_%d", step.Name, p.ID())
	default:
		fmt.Fprintf(sb, "Unknown_%d", p.ID())
	}
	fmt.Fprintf(sb, " -> [%s]\n", strings.Join(p.Stream().Names(), ","))
	for _, child := range p.Children() {
		toString(sb, child, depth+1)
	}
}
