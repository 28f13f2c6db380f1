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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	basics := []string{
		"any", "anyLast", "min", "max", "sum", "sumWithOverflow",
		"groupBitAnd", "groupBitOr", "groupBitXor",
		"sumMap", "minMap", "maxMap",
		"groupArrayArray", "groupArrayLastArray", "groupUniqArrayArray",
		"sumMappedArrays", "minMappedArrays", "maxMappedArrays",
	}
	for _, name := range basics {
		require.Equal(t, ClassBasic, ClassOf(name), name)
	}
	require.Equal(t, ClassNeedsMerge, ClassOf("uniqExact"))
	require.Equal(t, ClassNeedsMerge, ClassOf("count"))
	require.Equal(t, ClassNeedsMerge, ClassOf("COUNT"))
	require.Equal(t, ClassBasic, ClassOf("SUM"))

	// avg and sumDistinct would need richer decomposition; they stay
	// unknown and refuse the rewrite.
	require.Equal(t, ClassUnknown, ClassOf("avg"))
	require.Equal(t, ClassUnknown, ClassOf("sumDistinct"))
	require.Equal(t, ClassUnknown, ClassOf("quantile"))
}

func TestStateMergeNames(t *testing.T) {
	require.Equal(t, "sumState", StateName("sum"))
	require.Equal(t, "sumMerge", MergeName("sum"))
	require.Equal(t, "uniqExactState", StateName("uniqExact"))
	require.Equal(t, "uniqExactMerge", MergeName("uniqExact"))
}

func TestDefaultResolverTyping(t *testing.T) {
	var r DefaultResolver

	sum, err := r.Resolve("sum", []string{"UInt64"}, nil)
	require.NoError(t, err)
	require.Equal(t, "sum", sum.Name())
	require.Equal(t, "UInt64", sum.ReturnType())

	cnt, err := r.Resolve("count", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "UInt64", cnt.ReturnType())

	state, err := r.Resolve("uniqExactState", []string{"String"}, nil)
	require.NoError(t, err)
	require.Equal(t, "AggregateFunction(uniqExact, String)", state.ReturnType())

	merge, err := r.Resolve("uniqExactMerge", []string{state.ReturnType()}, nil)
	require.NoError(t, err)
	require.Equal(t, "UInt64", merge.ReturnType())

	sumState, err := r.Resolve("sumState", []string{"Float64"}, nil)
	require.NoError(t, err)
	sumMerge, err := r.Resolve("sumMerge", []string{sumState.ReturnType()}, nil)
	require.NoError(t, err)
	require.Equal(t, "Float64", sumMerge.ReturnType())

	_, err = r.Resolve("avg", []string{"UInt64"}, nil)
	require.Error(t, err)
}
