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

import "strings"

// FuncClass classifies how an aggregate function behaves when it is pushed
// below a join.
type FuncClass int

const (
	// ClassBasic functions are self-mergeable: applying the function to
	// pre-aggregated partial values yields the same final result.
	ClassBasic FuncClass = iota
	// ClassNeedsMerge functions decompose into a <name>State producer and a
	// <name>Merge finalizer.
	ClassNeedsMerge
	// ClassUnknown functions cannot be pushed; their presence refuses the
	// whole rewrite.
	ClassUnknown
)

// selfMergeable is keyed by lowercased function name.
var selfMergeable = map[string]struct{}{
	"any":                 {},
	"anylast":             {},
	"min":                 {},
	"max":                 {},
	"sum":                 {},
	"sumwithoverflow":     {},
	"groupbitand":         {},
	"groupbitor":          {},
	"groupbitxor":         {},
	"summap":              {},
	"minmap":              {},
	"maxmap":              {},
	"grouparrayarray":     {},
	"grouparraylastarray": {},
	"groupuniqarrayarray": {},
	"summappedarrays":     {},
	"minmappedarrays":     {},
	"maxmappedarrays":     {},
}

// ClassOf returns the push-down class of an aggregate function name.
func ClassOf(name string) FuncClass {
	name = strings.ToLower(name)
	if _, ok := selfMergeable[name]; ok {
		return ClassBasic
	}
	if name == "uniqexact" || name == "count" {
		return ClassNeedsMerge
	}
	return ClassUnknown
}

// StateName derives the intermediate-state sibling of a function:
// sum -> sumState.
func StateName(funcName string) string {
	return funcName + "State"
}

// MergeName derives the finalizing sibling of a function:
// sum -> sumMerge.
func MergeName(funcName string) string {
	return funcName + "Merge"
}
