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

package parts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumsRoundTrip(t *testing.T) {
	c := NewChecksums()
	c.AddFile("a.bin", 10, Hash128{Lo: 1, Hi: 2})
	c.AddFileOffset("__m__k1.bin", 5, 20, Hash128{Lo: 3, Hi: 4})
	c.AddEmpty("default_compression_codec")

	parsed, ok, err := ParseChecksums(c.Serialized())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c.FileNames(), parsed.FileNames())
	for _, name := range c.FileNames() {
		mine, _ := c.Get(name)
		theirs, _ := parsed.Get(name)
		require.Equal(t, mine, theirs, name)
	}
	require.Equal(t, c.TotalChecksum(), parsed.TotalChecksum())
	require.Equal(t, c.TotalSizeOnDisk(), parsed.TotalSizeOnDisk())
}

func TestChecksumsUnknownVersion(t *testing.T) {
	_, ok, err := ParseChecksums("checksums format version: 3\n")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChecksumsEqualIgnoresOffset(t *testing.T) {
	a := NewChecksums()
	b := NewChecksums()
	a.AddFileOffset("__m__k.bin", 0, 8, Hash128{Lo: 7})
	b.AddFileOffset("__m__k.bin", 64, 8, Hash128{Lo: 7})
	require.True(t, a.Equal(b, "__m__k.bin"))

	b.AddFileOffset("__m__k.bin", 64, 9, Hash128{Lo: 7})
	require.False(t, a.Equal(b, "__m__k.bin"))
	require.False(t, a.Equal(b, "absent"))
}

func TestCheckEqual(t *testing.T) {
	a := NewChecksums()
	a.AddFile("x.bin", 4, Hash128{Lo: 9})
	b := a.Clone()
	require.NoError(t, a.CheckEqual(b, true))

	b.AddFile("y.bin", 1, Hash128{})
	require.Error(t, a.CheckEqual(b, false))
	require.Error(t, b.CheckEqual(a, true))
	require.NoError(t, b.CheckEqual(a, false))
}

func TestAdjustImplicitKeyOffset(t *testing.T) {
	loaded := NewChecksums()
	loaded.AddFileOffset("__m__k.bin", 100, 8, Hash128{Lo: 5})
	loaded.AddFile("x.bin", 4, Hash128{Lo: 6})

	running := NewChecksums()
	running.AddFileOffset("__m__k.bin", 0, 8, Hash128{Lo: 5})
	running.AddFile("x.bin", 4, Hash128{Lo: 6})

	require.True(t, loaded.AdjustImplicitKeyOffset(running))
	sum, _ := loaded.Get("__m__k.bin")
	require.EqualValues(t, 0, sum.FileOffset)
	// Second pass is a no-op.
	require.False(t, loaded.AdjustImplicitKeyOffset(running))
}

func TestParsePartName(t *testing.T) {
	info, err := ParsePartName("all_1_2_0")
	require.NoError(t, err)
	require.Equal(t, "all", info.PartitionID)
	require.EqualValues(t, 1, info.MinBlock)
	require.EqualValues(t, 2, info.MaxBlock)
	require.EqualValues(t, 0, info.Level)

	info, err = ParsePartName("202408_5_9_1_42")
	require.NoError(t, err)
	require.EqualValues(t, 42, info.Mutation)

	for _, bad := range []string{
		"", "noseparators", "all_1_2", "all_1_2_0_1_2",
		"all_2_1_0", "all_x_2_0", "all_-1_2_0",
		"../etc_1_2_0", "all_1_2_0/..", "a.b_1_2_0",
	} {
		_, err := ParsePartName(bad)
		require.Error(t, err, bad)
	}
}

func TestMapImplicitFileNames(t *testing.T) {
	require.True(t, IsMapImplicitFile("__clicks__region.bin"))
	require.False(t, IsMapImplicitFile("clicks.bin"))
	require.False(t, IsMapImplicitFile("__clicks.bin"))
	require.False(t, IsMapImplicitFile("checksums.txt"))

	require.Equal(t, "clicks.bin", MapFileNameFromImplicitFileName("__clicks__region.bin"))
	require.Equal(t, "clicks.mrk", MapFileNameFromImplicitFileName("__clicks__region.mrk"))
	require.Equal(t, "plain.bin", MapFileNameFromImplicitFileName("plain.bin"))
}

func TestTTLInfosRoundTrip(t *testing.T) {
	ttl := TTLInfos{MinTTL: 100, MaxTTL: 900}
	parsed, err := ParseTTLInfos(ttl.String())
	require.NoError(t, err)
	require.Equal(t, ttl, parsed)

	_, err = ParseTTLInfos("garbage")
	require.Error(t, err)
}

func TestBlockChecksumsDeterministic(t *testing.T) {
	block := &Block{Columns: []ColumnData{
		{Name: "k", Type: "UInt64", Values: []string{"1", "2"}},
		{Name: "v", Type: "String", Values: []string{"a", "b"}},
	}}
	first := BlockChecksums(block)
	second := BlockChecksums(block)
	require.NoError(t, first.CheckEqual(second, true))
	require.True(t, first.Has("k.bin"))
	require.True(t, first.Has("v.bin"))

	minmax := MinMaxOf(block)
	require.Equal(t, [2]string{"1", "2"}, minmax["k"])
	require.Equal(t, [2]string{"a", "b"}, minmax["v"])
}
